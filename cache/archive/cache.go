// Package archive tracks the progress of site archive builds. Progress
// records are free-form maps written by the archiver as it moves through
// its phases; updates merge into the stored record rather than replacing
// it, so concurrent writers reporting different phases do not clobber each
// other.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/publish-cache/cache/sweep"
	"github.com/wolfeidau/publish-cache/merge"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

// DefaultTTL is how long a progress record outlives its last update.
const DefaultTTL = time.Hour

// Cache persists archive build progress keyed by build ID.
type Cache struct {
	col     *kvdb.Collection
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	sweeper *sweep.Sweeper
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

// New creates an archive progress cache over the given collection.
func New(col *kvdb.Collection, opts ...Option) *Cache {
	c := &Cache{
		col:    col,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sweeper = sweep.New(col.Name(), sweep.WithLogger(c.logger))
	return c
}

// NewBuildID allocates an identifier for a new archive build.
func NewBuildID() string {
	return uuid.NewString()
}

// Get returns the progress record for a build. ok is false on a miss or
// when the record has passed its TTL; expired records are deleted.
func (c *Cache) Get(ctx context.Context, buildID string) (map[string]any, bool) {
	var progress map[string]any
	ts, found := c.col.GetJSON(ctx, buildID, &progress)
	if !found {
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	if c.now().Sub(ts) > c.ttl {
		c.col.Delete(ctx, buildID)
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	telemetry.RecordLookup(ctx, c.col.Name(), true)
	if progress == nil {
		progress = map[string]any{}
	}
	return progress, true
}

// Update merges new progress into the stored record and returns the merged
// result. A build without a record yet starts from empty, so the first
// update creates it. Nested maps merge recursively; slices and scalars
// replace.
func (c *Cache) Update(ctx context.Context, buildID string, progress map[string]any) (map[string]any, bool) {
	existing, _ := c.Get(ctx, buildID)

	merged := merge.Maps(existing, progress)
	ok := c.col.Put(ctx, buildID, merged, nil)
	telemetry.RecordStoreOp(ctx, c.col.Name(), "put", ok)
	if !ok {
		return nil, false
	}
	return merged, true
}

// Delete removes a build's progress record.
func (c *Cache) Delete(ctx context.Context, buildID string) bool {
	return c.col.Delete(ctx, buildID)
}

// Cleanup evicts records past the TTL.
func (c *Cache) Cleanup(ctx context.Context) int {
	return c.sweeper.Do(ctx, func(ctx context.Context) int {
		return c.col.DeleteOlderThan(ctx, c.ttl)
	})
}

// Count returns the number of live progress records.
func (c *Cache) Count(ctx context.Context) int {
	return c.col.Count(ctx)
}

// Clear removes all progress records.
func (c *Cache) Clear(ctx context.Context) bool {
	return c.col.Clear(ctx)
}
