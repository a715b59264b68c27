package retrain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingDatasetID = errors.New("dataset_id required")
	ErrMissingJobID     = errors.New("job_id required")
	ErrMissingFile      = errors.New("upload file required")

	// ErrTooManyFailures ends a watch after the configured run of failed polls.
	ErrTooManyFailures = errors.New("status polling failed too many times in a row")
	// ErrWatchTimeout ends a watch whose job never reached a terminal status in time.
	ErrWatchTimeout = errors.New("timed out waiting for a terminal job status")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// TransportError means the backend could not be reached at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: backend unreachable: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SubmissionError is a non-2xx answer to a retrain submission.
type SubmissionError struct {
	StatusCode int
	Body       string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("retrain submission rejected with status %d: %s", e.StatusCode, e.Message())
}

// Message extracts the backend's human readable reason from the body.
func (e *SubmissionError) Message() string {
	return bodyMessage(e.Body)
}

func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// UpstreamError is a non-2xx answer to any call other than a submission.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, bodyMessage(e.Body))
}

func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// ProtocolError means a response arrived but did not have the expected shape.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: unexpected response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// bodyMessage pulls detail/error/message out of a JSON error body and falls
// back to the trimmed body text.
func bodyMessage(body string) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			if s, ok := parsed[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(body)
}
