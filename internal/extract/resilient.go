package extract

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/resilience"
)

// GuardConfig configures the protection around extraction calls.
type GuardConfig struct {
	// RatePerSecond limits calls; 0 disables the limiter.
	RatePerSecond float64
	Burst         int
	Retry         resilience.RetryConfig
	Circuit       resilience.CircuitBreakerConfig
}

// NewGuard builds a resilience.Guard for extraction. Only collaborator-level
// failures count against the circuit breaker; a document the model could not
// read does not.
func NewGuard(cfg GuardConfig) *resilience.Guard {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(cfg.Burst, 1))
	}

	circuit := cfg.Circuit
	if circuit.Name == "" {
		circuit.Name = "extraction"
	}
	if circuit.ShouldTrip == nil {
		circuit.ShouldTrip = func(err error) bool {
			return eris.Is(err, ErrUnavailable) || resilience.IsTransient(err)
		}
	}

	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("extraction", "extract")
	}
	return resilience.NewGuard(limiter, resilience.NewCircuitBreaker(circuit), retry)
}

// Resilient runs another Extractor under a guard.
type Resilient struct {
	next  Extractor
	guard *resilience.Guard
}

// NewResilient wraps next with guard.
func NewResilient(next Extractor, guard *resilience.Guard) *Resilient {
	return &Resilient{next: next, guard: guard}
}

func (r *Resilient) Extract(ctx context.Context, docType, text string) (map[string]model.ExtractedValue, error) {
	return resilience.Call(ctx, r.guard, func(ctx context.Context) (map[string]model.ExtractedValue, error) {
		return r.next.Extract(ctx, docType, text)
	})
}
