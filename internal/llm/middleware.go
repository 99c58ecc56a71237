package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/lmm-analyzer/internal/resilience"
)

type rateLimited struct {
	next    Caller
	limiter *rate.Limiter
}

// RateLimited throttles calls to at most requestsPerMinute. A non-positive
// limit returns next unchanged.
func RateLimited(next Caller, requestsPerMinute int) Caller {
	if requestsPerMinute <= 0 {
		return next
	}
	return &rateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
	}
}

func (r *rateLimited) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "llm: rate limit wait")
	}
	return r.next.Complete(ctx, req)
}

type breaker struct {
	next Caller
	cb   *resilience.CircuitBreaker
}

// WithCircuitBreaker rejects calls with resilience.ErrCircuitOpen while cb
// is open. A nil breaker returns next unchanged.
func WithCircuitBreaker(next Caller, cb *resilience.CircuitBreaker) Caller {
	if cb == nil {
		return next
	}
	return &breaker{next: next, cb: cb}
}

func (b *breaker) Complete(ctx context.Context, req Request) (*Response, error) {
	return resilience.ExecuteVal(ctx, b.cb, func(ctx context.Context) (*Response, error) {
		return b.next.Complete(ctx, req)
	})
}

// ProviderFailure is the default breaker trip condition: transport and
// server failures count, bad credentials and unparseable replies do not.
func ProviderFailure(err error) bool {
	return err != nil && !resilience.IsPermanent(err) && !errors.Is(err, ErrMalformedResponse)
}
