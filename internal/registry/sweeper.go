package registry

import (
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/charlesng35/termrelay/internal/session"
)

const defaultSweepSpec = "@every 1m"

// Sweeper periodically closes sessions that have exceeded their maximum age
// (spec §6 sessionMaxAge) or that are already CLOSED but still tracked,
// following the teacher's maintenance.Cleaner scheduling pattern.
type Sweeper struct {
	registry *Registry
	maxAge   atomic.Int64 // time.Duration nanoseconds
	cron     *cron.Cron
	now      func() time.Time
	spec     string
	log      *zap.Logger
}

// SetMaxAge updates the age threshold applied on the next sweep, letting a
// config reload adjust it without restarting the scheduler.
func (s *Sweeper) SetMaxAge(d time.Duration) {
	s.maxAge.Store(int64(d))
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSpec overrides the cron schedule used to run the sweep.
func WithSweepSpec(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithSweepInterval sets the sweep schedule from a plain interval rather
// than a cron expression.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.spec = "@every " + d.String()
		}
	}
}

// WithSweeperClock overrides the clock used to judge session age, for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweeperCron injects a preconfigured cron instance, for tests.
func WithSweeperCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// NewSweeper constructs a Sweeper bound to the given registry and max age.
func NewSweeper(registry *Registry, maxAge time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		registry: registry,
		now:      time.Now,
		spec:     defaultSweepSpec,
		log:      registry.log.With(zap.String("component", "sweeper")),
	}
	s.maxAge.Store(int64(maxAge))
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the sweep job and launches the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// RunOnce closes every session older than maxAge and drops sessions that are
// already CLOSED from the registry, in a single pass. It is exported for
// tests.
func (s *Sweeper) RunOnce() {
	now := s.now()
	maxAge := time.Duration(s.maxAge.Load())

	s.registry.mu.RLock()
	var stale, closed []string
	for id, sess := range s.registry.sessions {
		if sess.State() == session.StateClosed {
			closed = append(closed, id)
			continue
		}
		age := now.Sub(sess.CreatedAt())
		if maxAge > 0 && age >= maxAge {
			stale = append(stale, id)
			continue
		}
	}
	s.registry.mu.RUnlock()

	for _, id := range closed {
		s.registry.remove(id)
	}

	for _, id := range stale {
		sess, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		s.log.Info("sweeping expired session", zap.String("session_id", id))
		sess.Close("expired")
	}
}
