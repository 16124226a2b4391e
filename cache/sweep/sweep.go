// Package sweep provides singleflight-based deduplication for eviction
// scans. When multiple callers request a cleanup of the same cache at once,
// only one scan runs and every caller receives its deleted count.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/publish-cache/telemetry"
)

// ScanFunc performs one eviction scan and returns the number of entries it
// deleted. The context passed to ScanFunc is detached from any single caller
// so that one caller timing out does not cancel the scan for other waiters.
type ScanFunc func(ctx context.Context) int

// Sweeper deduplicates concurrent eviction scans for one cache using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight scan for others.
type Sweeper struct {
	cache  string
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger for the sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper for the named cache.
func New(cache string, opts ...Option) *Sweeper {
	s := &Sweeper{
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do runs fn, joining any scan already in flight instead of starting a
// second one. Every caller of the same burst resolves to the same deleted
// count. Returns 0 if the caller's context expires first; the scan itself
// continues for the remaining waiters.
func (s *Sweeper) Do(ctx context.Context, fn ScanFunc) int {
	ch := s.group.DoChan("cleanup", func() (any, error) {
		// Detached context so no single caller's cancellation stops the
		// scan for everyone else.
		start := s.now()
		deleted := fn(context.WithoutCancel(ctx))
		duration := s.now().Sub(start)

		telemetry.RecordSweep(context.WithoutCancel(ctx), s.cache, deleted, duration)
		if deleted > 0 {
			s.logger.Debug("eviction sweep complete", "cache", s.cache, "deleted", deleted, "duration", duration)
		}
		return deleted, nil
	})

	select {
	case res := <-ch:
		return res.Val.(int)
	case <-ctx.Done():
		return 0
	}
}
