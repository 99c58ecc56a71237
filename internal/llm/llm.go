// Package llm turns a prompt and a model identifier into raw model text.
// Provider failures are classified so callers can decide what to retry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

// Request is a single-prompt completion request.
type Request struct {
	Prompt string
	Model  string // empty uses the provider default
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the raw model reply.
type Response struct {
	Text  string
	Model string // model that actually served the request
	Usage Usage
}

// Caller sends a prompt to a language model.
type Caller interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Failure classes. Match with errors.Is.
var (
	ErrAuth              = eris.New("llm: authentication failed")
	ErrRateLimitOrServer = eris.New("llm: rate limited or server error")
	ErrMalformedResponse = eris.New("llm: malformed response")
	ErrTimeout           = eris.New("llm: request timed out")
)

// Error is a classified provider failure.
type Error struct {
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%v (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// classify maps a transport error and HTTP status to a failure class.
// Authentication failures are marked permanent; everything else stays
// retryable.
func classify(err error, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.Permanent(&Error{Kind: ErrAuth, StatusCode: status, Err: err})
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(&Error{Kind: ErrRateLimitOrServer, StatusCode: status, Err: err}, status)
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrTimeout, Err: err}
	case resilience.IsTransient(err):
		return resilience.NewTransientError(&Error{Kind: ErrRateLimitOrServer, Err: err}, status)
	default:
		return err
	}
}

func malformed(format string, args ...any) error {
	return &Error{Kind: ErrMalformedResponse, Err: eris.Errorf(format, args...)}
}
