// Package middleware holds the echo middleware every route runs through
package middleware

import (
	"fmt"
	"time"

	"xmodel-api/internal/ctx"
	"xmodel-api/internal/metrics"
	"xmodel-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const requestIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewTrackMiddleware wraps every request in a ctx.Context and writes a single
// end_of_request log line once the handler returned
func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, _ := nanoid.Generate(requestIDAlphabet, 28)
			reqID := "req_" + id
			logger := log.With("request_id", reqID)

			c.Response().Header().Set("X-Request-ID", reqID)
			cc := &ctx.Context{
				Context: c,
				Log:     logger,
				Reqid:   reqID,
				LogValues: &ctx.ContextLogValues{
					RequestID: reqID,
					StartTime: time.Now(),
					Path:      c.Path(),
				},
			}
			err := next(cc)
			if err != nil {
				// let echo write the response so the status below is final
				cc.LogValues.AddError(err)
				c.Error(err)
				err = nil
			}

			status := cc.Response().Status
			cc.LogValues.StatusCode = status
			cc.LogValues.RequestDuration = time.Since(cc.LogValues.StartTime)
			logger.Desugar().Check(cc.LogValues.Level(), "end_of_request").
				Write(zap.Object("request", cc.LogValues))
			metrics.ResponseCodes.WithLabelValues(c.Path(), fmt.Sprintf("%d", status)).Inc()
			return err
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.JSON(500, shared.APIError{
				Message: shared.ErrInternalServerError.Message(),
				Object:  "error",
				Type:    "InternalError",
				Code:    500,
			})
		},
	})
}
