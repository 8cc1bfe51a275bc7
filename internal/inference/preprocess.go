package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"xmodel-api/internal/balance"
	"xmodel-api/internal/metrics"
	"xmodel-api/internal/shared"
)

var ErrInsufficientBalance = &shared.RequestError{StatusCode: 402, Err: errors.New(balance.InsufficientMessage)}

type PreprocessInput struct {
	ModelID   uint64
	UserID    uint64
	Input     map[string]any
	RequestID string
}

type RequestInfo struct {
	ID        string
	UserID    uint64
	Model     *Model
	Input     map[string]any
	Body      []byte
	Stream    bool
	StartTime time.Time
	// Balance is the outcome of the pre dispatch check. When it is not
	// sufficient nothing else was prepared and the request must not run.
	Balance    balance.Result
	Credential string
}

// Preprocess validates the input, checks the balance and fetches the callers
// credential, in that order. An insufficient balance is not an error, it is
// reported through RequestInfo.Balance.
func (s *Service) Preprocess(ctx context.Context, input PreprocessInput) (*RequestInfo, error) {
	startTime := time.Now()

	model, err := s.models.GetModel(ctx, input.ModelID)
	if err != nil {
		return nil, err
	}

	normalized, err := BuildInput(model.Params, input.Input)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.ValidationFailures.WithLabelValues(model.UpstreamID, verr.Field).Inc()
		}
		return nil, err
	}

	res, err := s.balance.Check(ctx, input.UserID, model.Cost)
	if err != nil {
		return nil, errors.Join(errors.New("failed checking balance"), err)
	}

	reqInfo := &RequestInfo{
		ID:        input.RequestID,
		UserID:    input.UserID,
		Model:     model,
		Input:     normalized,
		Stream:    model.SupportStream,
		StartTime: startTime,
		Balance:   res,
	}
	if !res.Sufficient {
		metrics.InsufficientBalance.WithLabelValues(model.UpstreamID).Inc()
		return reqInfo, nil
	}

	credential, err := s.credentials.FetchOrCreate(ctx, input.UserID)
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, fmt.Errorf("failed fetching credential: %w", err))
	}
	reqInfo.Credential = credential

	body, err := json.Marshal(shared.InferenceBody{
		ModelID: model.UpstreamID,
		Input:   normalized,
		Stream:  model.SupportStream,
	})
	if err != nil {
		return nil, errors.Join(shared.ErrInternalServerError, err)
	}
	reqInfo.Body = body

	return reqInfo, nil
}
