// Package routers maps the http surface onto the domain components
package routers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/inference"
	"xmodel-api/internal/shared"
)

func readRequestBody(c *ctx.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return nil, err
	}
	return body, nil
}

// bindJSON decodes the request body into v. Any failure is a 400.
func bindJSON(c *ctx.Context, v any) error {
	body, err := readRequestBody(c)
	if err != nil {
		return errors.Join(shared.ErrInvalidRequest, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Join(shared.ErrInvalidRequest, err)
	}
	return nil
}

func paramID(c *ctx.Context, name string) (uint64, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, &shared.RequestError{StatusCode: 400, Err: fmt.Errorf("invalid %s", name)}
	}
	return id, nil
}

// lookupContext bounds short catalog and account reads
func lookupContext(c *ctx.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), shared.DefaultLookupTimeout)
}

func errorType(status int) string {
	switch status {
	case 400:
		return "BadRequest"
	case 401:
		return "AuthenticationError"
	case 402:
		return "InsufficientBalance"
	case 403:
		return "PermissionError"
	case 404:
		return "NotFound"
	case 409:
		return "Conflict"
	case 502, 504:
		return "UpstreamError"
	default:
		return "InternalError"
	}
}

// apiError builds the client facing body. Only RequestError messages are shown,
// everything else becomes a generic 500.
func apiError(err error) shared.APIError {
	var verr *inference.ValidationError
	if errors.As(err, &verr) {
		return shared.APIError{
			Message: verr.Error(),
			Object:  "error",
			Type:    "ValidationError",
			Code:    http.StatusBadRequest,
			Field:   verr.Field,
		}
	}

	rerr := shared.ErrInternalServerError
	errors.As(err, &rerr)
	return shared.APIError{
		Message: rerr.Message(),
		Object:  "error",
		Type:    errorType(rerr.StatusCode),
		Code:    rerr.StatusCode,
	}
}

// errorResponse logs err on the request and writes its json body
func errorResponse(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)
	body := apiError(err)
	return c.JSON(body.Code, body)
}

// sseWriter forwards deltas as server sent events. Headers are only written
// with the first delta so a run that fails before producing anything can
// still answer with a plain json error.
type sseWriter struct {
	c       *ctx.Context
	started bool
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	h := w.c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.c.Response().WriteHeader(http.StatusOK)
}

func (w *sseWriter) write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.start()
	if event != "" {
		if _, err := fmt.Fprintf(w.c.Response(), "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.c.Response(), "%s%s\n\n", shared.StreamDataPrefix, data); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}

// Delta is the stream callback handed to the inference service
func (w *sseWriter) Delta(delta string) error {
	if err := w.c.Request().Context().Err(); err != nil {
		return err
	}
	return w.write("", shared.StreamChunk{Content: delta})
}

func (w *sseWriter) Fail(err error) error {
	return w.write("error", apiError(err))
}

func (w *sseWriter) Done() error {
	w.start()
	if _, err := fmt.Fprintf(w.c.Response(), "%s%s\n\n", shared.StreamDataPrefix, shared.StreamDoneToken); err != nil {
		return err
	}
	w.c.Response().Flush()
	return nil
}
