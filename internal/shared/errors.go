package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// sane defaults are listed below. For routes that need custom error messages,
// a request error can be generated and a handler expects the router to return
// the exact message inside the request error msg
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be joined that provides context
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

// Message is the part of the error that is safe to show to the user
func (r *RequestError) Message() string {
	if r.Err == nil {
		return "request error"
	}
	return r.Err.Error()
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrInvalidKeyLen = &RequestError{Err: errors.New("invalid API key length"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}
	ErrForbidden     = &RequestError{Err: errors.New("forbidden"), StatusCode: 403}

	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrBadRequest          = &RequestError{Err: errors.New("bad request"), StatusCode: 400}
	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}
	ErrConflict            = &RequestError{Err: errors.New("conflict"), StatusCode: 409}

	ErrUpstreamFailed  = &RequestError{Err: errors.New("inference failed, please try again later"), StatusCode: 502}
	ErrUpstreamTimeout = &RequestError{Err: errors.New("inference timed out, please try again later"), StatusCode: 504}

	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "model responded with non-2xx", Code: "model_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrUnexpectedResponse     = &MetricsError{Msg: "model response missing output", Code: "model_response_shape_err"}
	ErrModelTimeout           = &MetricsError{Msg: "model request timed out", Code: "model_timeout"}
	ErrModelContext           = &MetricsError{Msg: "model context canceled", Code: "model_context_err"}
	ErrClientDisconnected     = &MetricsError{Msg: "client disconnected mid stream", Code: "client_disconnected"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// MetricsCode returns the code of the first MetricsError in the chain, or
// "unknown"
func MetricsCode(err error) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return "unknown"
}
