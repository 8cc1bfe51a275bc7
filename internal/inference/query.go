package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"xmodel-api/internal/shared"
	"xmodel-api/internal/stream"
)

// maxErrorBody bounds how much of a failed upstream response gets logged
const maxErrorBody = 1024

type bufferedResponse struct {
	Output json.RawMessage `json:"output"`
}

// upstreamError turns a transport failure into the generic client error
// plus a metrics code. ctx is the callers context, rctx the bounded one.
func upstreamError(ctx, rctx context.Context, metricsErr *shared.MetricsError, err error) error {
	switch {
	case ctx.Err() != nil:
		return errors.Join(shared.ErrUpstreamFailed, shared.ErrModelContext, err)
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		return errors.Join(shared.ErrUpstreamTimeout, shared.ErrModelTimeout, err)
	default:
		return errors.Join(shared.ErrUpstreamFailed, metricsErr, err)
	}
}

// queryUpstream posts the prepared body. The returned response must be closed
// and cancel called once the body is consumed.
func (s *Service) queryUpstream(ctx context.Context, req *RequestInfo) (*http.Response, context.Context, context.CancelFunc, error) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)

	r, err := http.NewRequestWithContext(rctx, http.MethodPost, s.endpoint, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, nil, nil, errors.Join(shared.ErrInternalServerError, errors.New("failed building request"), err)
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		"Connection":    "keep-alive",
		"Authorization": "Bearer " + req.Credential,
		"X-Request-ID":  req.ID,
	}
	if req.Stream {
		headers["Accept"] = "text/event-stream"
	}
	for key, value := range headers {
		r.Header.Set(key, value)
	}

	res, err := s.getHTTPClient(s.endpoint).Do(r)
	if err != nil {
		cancel()
		return nil, nil, nil, upstreamError(ctx, rctx, shared.ErrFailedModelReq, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		_ = res.Body.Close()
		cancel()
		return nil, nil, nil, errors.Join(
			shared.ErrUpstreamFailed,
			shared.ErrFailedModelReqFromCode,
			fmt.Errorf("upstream responded %d: %s", res.StatusCode, string(detail)),
		)
	}
	return res, rctx, cancel, nil
}

func (s *Service) queryBuffered(ctx context.Context, req *RequestInfo) (*InferenceOutput, error) {
	start := time.Now()
	res, rctx, cancel, err := s.queryUpstream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			s.log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, upstreamError(ctx, rctx, shared.ErrFailedReadingResponse, err)
	}
	elapsed := time.Since(start)

	var decoded bufferedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrUnexpectedResponse, err)
	}
	output, err := outputItems(decoded.Output)
	if err != nil {
		return nil, errors.Join(shared.ErrUpstreamFailed, shared.ErrUnexpectedResponse, err)
	}

	return &InferenceOutput{
		Output: output,
		Raw:    decoded.Output,
		Metadata: &InferenceMetadata{
			Completed: true,
			TotalTime: elapsed,
		},
	}, nil
}

// outputItems wraps a scalar output into a one element list
func outputItems(raw json.RawMessage) ([]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("response has no output")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, errors.New("response output is null")
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

func (s *Service) queryStream(ctx context.Context, req *RequestInfo, writer func(delta string) error) (*InferenceOutput, error) {
	start := time.Now()
	res, rctx, cancel, err := s.queryUpstream(ctx, req)
	if err != nil {
		return nil, err
	}
	// closing the body on return is what tears down the upstream connection
	defer cancel()
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			s.log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	meta := &InferenceMetadata{}
	out := &InferenceOutput{Metadata: meta}
	for delta, err := range stream.Deltas(res.Body) {
		if err != nil {
			switch {
			case ctx.Err() != nil:
				meta.Canceled = true
			default:
				out.Error = upstreamError(ctx, rctx, shared.ErrFailedReadingResponse, err)
			}
			break
		}
		if ctx.Err() != nil {
			meta.Canceled = true
			break
		}
		if meta.Deltas == 0 {
			meta.TimeToFirstToken = time.Since(start)
		}
		if werr := writer(delta); werr != nil {
			meta.Canceled = true
			out.Error = errors.Join(shared.ErrClientDisconnected, werr)
			break
		}
		meta.Deltas++
	}
	meta.TotalTime = time.Since(start)
	meta.Completed = !meta.Canceled && out.Error == nil
	return out, nil
}
