package inference

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"xmodel-api/internal/metrics"
	"xmodel-api/internal/shared"
	"xmodel-api/internal/usage"
)

type InferenceInput struct {
	Ctx context.Context
	Req *RequestInfo
	// StreamWriter receives each delta of a streaming run as soon as it is
	// read. An error stops the run.
	StreamWriter func(delta string) error
}

type InferenceMetadata struct {
	Completed        bool
	Canceled         bool
	Deltas           int
	TotalTime        time.Duration
	TimeToFirstToken time.Duration
}

type InferenceOutput struct {
	// Output is set for buffered runs, always a list
	Output []any
	// Raw is the output exactly as the upstream returned it
	Raw      json.RawMessage
	Metadata *InferenceMetadata

	// This is for mid-stream errors, if any
	Error error
}

// DoInference only returns errors when no output exists. A stream that broke
// after the first delta is not an error here, it is reported in
// InferenceOutput.Error. If DoInference returns an error the router can
// assume nothing was written to the client yet.
func (s *Service) DoInference(input InferenceInput) (*InferenceOutput, error) {
	req := input.Req
	if req == nil {
		return nil, &shared.RequestError{StatusCode: 400, Err: errors.New("request info missing")}
	}
	if !req.Balance.Sufficient {
		return nil, ErrInsufficientBalance
	}
	ctx := input.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	label := req.Model.UpstreamID
	mode := "buffered"
	if req.Stream {
		mode = "stream"
	}

	var out *InferenceOutput
	var err error
	if req.Stream {
		if input.StreamWriter == nil {
			return nil, &shared.RequestError{StatusCode: 500, Err: errors.New("stream writer missing")}
		}
		out, err = s.queryStream(ctx, req, input.StreamWriter)
	} else {
		out, err = s.queryBuffered(ctx, req)
	}
	if err != nil {
		code := shared.MetricsCode(err)
		metrics.ErrorCount.WithLabelValues(label, code).Inc()
		metrics.RequestCount.WithLabelValues(label, mode, "error").Inc()
		s.log.Warnw("Inference failed", "error", err, "model", label, "code", code, "request_id", req.ID)
		return nil, err
	}

	metrics.RequestDuration.WithLabelValues(label, mode).Observe(out.Metadata.TotalTime.Seconds())
	if req.Stream {
		s.finishStream(req, out)
		return out, nil
	}

	metrics.RequestCount.WithLabelValues(label, mode, "success").Inc()
	s.usage.Record(&usage.Record{
		ModelID:   req.Model.ID,
		Model:     label,
		UserID:    req.UserID,
		Cost:      req.Model.Cost,
		Input:     req.Input,
		Output:    out.Raw,
		Elapsed:   out.Metadata.TotalTime,
		CreatedAt: time.Now().UTC(),
	})
	return out, nil
}

// finishStream only emits metrics. Streaming runs are not recorded.
func (s *Service) finishStream(req *RequestInfo, out *InferenceOutput) {
	label := req.Model.UpstreamID
	meta := out.Metadata
	metrics.StreamDeltas.WithLabelValues(label).Add(float64(meta.Deltas))
	if meta.Deltas > 0 {
		metrics.TimeToFirstToken.WithLabelValues(label).Observe(meta.TimeToFirstToken.Seconds())
	}

	status := "success"
	switch {
	case out.Error != nil && !meta.Canceled:
		status = "error"
		metrics.ErrorCount.WithLabelValues(label, shared.MetricsCode(out.Error)).Inc()
		s.log.Warnw("Stream failed mid flight", "error", out.Error, "model", label, "request_id", req.ID, "deltas", meta.Deltas)
	case meta.Canceled:
		status = "canceled"
	}
	metrics.RequestCount.WithLabelValues(label, "stream", status).Inc()
}
