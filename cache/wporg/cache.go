// Package wporg caches WordPress.org directory existence lookups so the
// publisher does not repeatedly query the directory for the same plugin or
// theme slug. Entries are mirrored in an in-process map for the current run
// and persisted with a 7-day TTL.
package wporg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/publish-cache/cache/sweep"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

// Kind distinguishes plugin and theme lookups.
type Kind string

const (
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

const (
	// DefaultTTL is how long a directory lookup stays valid.
	DefaultTTL = 7 * 24 * time.Hour

	// FieldKind is the secondary index field for the lookup kind.
	FieldKind = "type"
)

// Indexes declares the secondary indexes the cache's collection needs.
func Indexes() []string {
	return []string{FieldKind}
}

type record struct {
	Exists bool `json:"exists"`
}

// Cache answers "does this slug exist on WordPress.org" from local state.
type Cache struct {
	col     *kvdb.Collection
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	sweeper *sweep.Sweeper

	mu  sync.RWMutex
	mem map[string]bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL overrides the default TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over the given collection.
func New(col *kvdb.Collection, opts ...Option) *Cache {
	c := &Cache{
		col:    col,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
		mem:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sweeper = sweep.New(col.Name(), sweep.WithLogger(c.logger))
	return c
}

func cacheKey(kind Kind, slug string) string {
	return string(kind) + ":" + slug
}

// Lookup returns the cached existence answer for a slug. ok reports whether
// a live entry was found; an expired entry is deleted and reported as a
// miss. The in-process map is consulted before the store and seeded on
// store hits.
func (c *Cache) Lookup(ctx context.Context, kind Kind, slug string) (exists, ok bool) {
	key := cacheKey(kind, slug)

	c.mu.RLock()
	exists, ok = c.mem[key]
	c.mu.RUnlock()
	if ok {
		telemetry.RecordLookup(ctx, c.col.Name(), true)
		return exists, true
	}

	var rec record
	ts, found := c.col.GetJSON(ctx, key, &rec)
	if !found {
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return false, false
	}
	if c.now().Sub(ts) > c.ttl {
		c.col.Delete(ctx, key)
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return false, false
	}

	c.mu.Lock()
	c.mem[key] = rec.Exists
	c.mu.Unlock()

	telemetry.RecordLookup(ctx, c.col.Name(), true)
	return rec.Exists, true
}

// Store records the existence answer for a slug.
func (c *Cache) Store(ctx context.Context, kind Kind, slug string, exists bool) bool {
	key := cacheKey(kind, slug)

	c.mu.Lock()
	c.mem[key] = exists
	c.mu.Unlock()

	ok := c.col.Put(ctx, key, record{Exists: exists}, map[string]string{FieldKind: string(kind)})
	telemetry.RecordStoreOp(ctx, c.col.Name(), "put", ok)
	return ok
}

// Invalidate removes a single lookup from both layers.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, slug string) bool {
	key := cacheKey(kind, slug)

	c.mu.Lock()
	delete(c.mem, key)
	c.mu.Unlock()

	return c.col.Delete(ctx, key)
}

// Clear drops everything, including the in-process map.
func (c *Cache) Clear(ctx context.Context) bool {
	c.mu.Lock()
	c.mem = make(map[string]bool)
	c.mu.Unlock()

	ok := c.col.Clear(ctx)
	telemetry.RecordStoreOp(ctx, c.col.Name(), "clear", ok)
	return ok
}

// Cleanup evicts entries past the TTL. Concurrent callers join the scan
// already in flight and share its deleted count.
func (c *Cache) Cleanup(ctx context.Context) int {
	return c.sweeper.Do(ctx, func(ctx context.Context) int {
		return c.col.DeleteOlderThan(ctx, c.ttl)
	})
}

// Stats reports entry counts for the monitor.
type Stats struct {
	Total   int `json:"total"`
	Plugins int `json:"plugins"`
	Themes  int `json:"themes"`
}

// Stats returns current entry counts.
func (c *Cache) Stats(ctx context.Context) Stats {
	return Stats{
		Total:   c.col.Count(ctx),
		Plugins: len(c.col.GetByIndex(ctx, FieldKind, string(KindPlugin))),
		Themes:  len(c.col.GetByIndex(ctx, FieldKind, string(KindTheme))),
	}
}
