package resilience

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Guard applies, in order, a rate limit, a circuit breaker and retries with
// backoff to a collaborator call. Each retry attempt passes through the
// limiter and the breaker again.
type Guard struct {
	limiter *rate.Limiter
	breaker *CircuitBreaker
	retry   RetryConfig
}

// NewGuard returns a Guard. A nil limiter disables rate limiting and a nil
// breaker disables circuit breaking.
func NewGuard(limiter *rate.Limiter, breaker *CircuitBreaker, retry RetryConfig) *Guard {
	return &Guard{limiter: limiter, breaker: breaker, retry: retry}
}

// Breaker returns the circuit breaker, which may be nil.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Call runs fn under g.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := func(ctx context.Context) (T, error) {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, eris.Wrap(err, "rate limit wait")
			}
		}
		if g.breaker == nil {
			return fn(ctx)
		}
		return ExecuteVal(ctx, g.breaker, fn)
	}

	cfg := g.retry
	if cfg.ShouldRetry == nil {
		// Open-circuit rejections are not retried.
		cfg.ShouldRetry = func(err error) bool {
			return !eris.Is(err, ErrCircuitOpen) && IsTransient(err)
		}
	}
	return DoVal(ctx, cfg, attempt)
}
