// Package ctx
package ctx

import (
	"fmt"
	"time"

	"xmodel-api/internal/shared"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InferenceInfo is filled in by the inference router once a run finished
type InferenceInfo struct {
	ModelID          uint64
	UpstreamID       string
	Stream           bool
	Deltas           int
	TotalTime        time.Duration
	TimeToFirstToken time.Duration
	Canceled         bool
}

func (i *InferenceInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("model_id", i.ModelID)
	enc.AddString("upstream_id", i.UpstreamID)
	enc.AddBool("stream", i.Stream)
	enc.AddDuration("total_time", i.TotalTime)
	if i.Stream {
		enc.AddInt("deltas", i.Deltas)
		enc.AddDuration("time_to_first_token", i.TimeToFirstToken)
		enc.AddBool("canceled", i.Canceled)
	}
	return nil
}

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in base middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in user middleware
	UserID uint64
	Role   string

	// Override log Log Level
	// useful for streaming where status code might be sent before errors from
	// mid-stream or post processing occur
	LogLevel string

	// Added dynamically
	Error         error
	InferenceInfo *InferenceInfo
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the request
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.UserID != 0 {
		enc.AddUint64("user_id", c.UserID)
		enc.AddString("role", c.Role)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	if c.InferenceInfo != nil {
		_ = enc.AddObject("inference", c.InferenceInfo)
	}
	return nil
}

// Level picks the level the end of request log is written at
func (c *ContextLogValues) Level() zapcore.Level {
	if c.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(c.LogLevel); err == nil {
			return lvl
		}
	}
	switch {
	case c.StatusCode >= 500:
		return zapcore.ErrorLevel
	case c.StatusCode >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	User      *shared.UserMetadata
	LogValues *ContextLogValues
}
