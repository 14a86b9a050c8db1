// Package monitoring watches analysis sessions that stop making progress.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/resilience"
)

// DefaultWarnAfter is how long a session may sit idle before it is reported
// when expiry is disabled.
const DefaultWarnAfter = 10 * time.Minute

// SessionLister lists in-flight sessions idle since before.
type SessionLister interface {
	ListStaleSessions(ctx context.Context, before time.Time) ([]model.AnalysisSession, error)
}

// SessionExpirer fails an in-flight session.
type SessionExpirer interface {
	Expire(ctx context.Context, sess model.AnalysisSession) error
}

// Config configures the watchdog.
type Config struct {
	Interval time.Duration
	// StaleAfter fails sessions idle for longer. Zero only logs them.
	StaleAfter time.Duration
	WarnAfter  time.Duration
	// Breaker pauses checks after repeated store failures so an outage is
	// reported once per reset window instead of every tick.
	Breaker resilience.CircuitBreakerConfig
}

// Report summarises one check.
type Report struct {
	Stale   int `json:"stale"`
	Expired int `json:"expired"`
}

// Checker runs periodic stale-session checks in the background.
type Checker struct {
	sessions SessionLister
	expirer  SessionExpirer
	cfg      Config
	breaker  *resilience.CircuitBreaker
	now      func() time.Time
}

// NewChecker creates a background session watchdog.
func NewChecker(sessions SessionLister, expirer SessionExpirer, cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = DefaultWarnAfter
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "watchdog"
	}
	return &Checker{
		sessions: sessions,
		expirer:  expirer,
		cfg:      cfg,
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting session watchdog",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("stale_after", c.cfg.StaleAfter),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("session watchdog stopped")
			return
		case <-ticker.C:
			_, err := c.Check(ctx)
			switch {
			case err == nil || ctx.Err() != nil:
			case eris.Is(err, resilience.ErrCircuitOpen):
				log.Debug("monitoring: session check skipped, store unavailable")
			default:
				log.Error("monitoring: session check failed", zap.Error(err))
			}
		}
	}
}

// Check expires sessions idle past StaleAfter, or logs those idle past
// WarnAfter when expiry is disabled.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	window := c.cfg.StaleAfter
	if window <= 0 {
		window = c.cfg.WarnAfter
	}

	var stale []model.AnalysisSession
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		stale, err = c.sessions.ListStaleSessions(ctx, c.now().Add(-window))
		return err
	})
	if err != nil {
		return Report{}, eris.Wrap(err, "monitoring: list stale sessions")
	}

	rep := Report{Stale: len(stale)}
	for _, sess := range stale {
		if c.cfg.StaleAfter <= 0 {
			zap.L().Warn("monitoring: analysis session idle",
				zap.String("application_id", sess.ApplicationID),
				zap.String("session_id", sess.ID),
				zap.String("status", string(sess.Status)),
				zap.Time("last_update", sess.UpdatedAt),
			)
			continue
		}
		if err := c.expirer.Expire(ctx, sess); err != nil {
			return rep, eris.Wrapf(err, "monitoring: expire session %s", sess.ID)
		}
		rep.Expired++
	}

	if rep.Stale > 0 {
		zap.L().Info("monitoring: session check complete",
			zap.Int("stale", rep.Stale),
			zap.Int("expired", rep.Expired),
		)
	}
	return rep, nil
}
