package manifest

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/publish-cache/cache/sweep"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

const (
	// DefaultTTL is how long a cached remote manifest stays valid before the
	// remote copy is consulted again.
	DefaultTTL = time.Hour

	// FieldProviderID is the secondary index field for the storage provider.
	FieldProviderID = "provider_id"
)

// Indexes declares the secondary indexes the cache's collection needs.
func Indexes() []string {
	return []string{FieldProviderID}
}

type snapshot struct {
	SchemaVersion int      `json:"schema_version"`
	Manifest      Manifest `json:"manifest"`
}

// Cache persists per-provider manifest snapshots with a short TTL.
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

// NewCache creates a manifest cache over the given collection.
func NewCache(col *kvdb.Collection, opts ...Option) *Cache {
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

func cacheKey(providerID string) string {
	return "manifest:" + providerID
}

// Get returns the cached manifest for a provider. ok is false on a miss or
// when the snapshot has passed its TTL; expired snapshots are deleted.
// Snapshots written under a different schema version are treated as misses.
func (c *Cache) Get(ctx context.Context, providerID string) (Manifest, bool) {
	key := cacheKey(providerID)

	var snap snapshot
	ts, found := c.col.GetJSON(ctx, key, &snap)
	if !found {
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	if c.now().Sub(ts) > c.ttl {
		c.col.Delete(ctx, key)
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	if snap.SchemaVersion != SchemaVersion {
		c.logger.Warn("manifest snapshot schema mismatch, treating as miss",
			"provider_id", providerID, "have", snap.SchemaVersion, "want", SchemaVersion)
		c.col.Delete(ctx, key)
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}

	telemetry.RecordLookup(ctx, c.col.Name(), true)
	if snap.Manifest == nil {
		return Manifest{}, true
	}
	return snap.Manifest, true
}

// Put stores the manifest snapshot for a provider.
func (c *Cache) Put(ctx context.Context, providerID string, m Manifest) bool {
	snap := snapshot{SchemaVersion: SchemaVersion, Manifest: m}
	ok := c.col.Put(ctx, cacheKey(providerID), snap, map[string]string{FieldProviderID: providerID})
	telemetry.RecordStoreOp(ctx, c.col.Name(), "put", ok)
	return ok
}

// Delete drops the cached snapshot for a provider.
func (c *Cache) Delete(ctx context.Context, providerID string) bool {
	return c.col.Delete(ctx, cacheKey(providerID))
}

// Cleanup evicts snapshots past the TTL.
func (c *Cache) Cleanup(ctx context.Context) int {
	return c.sweeper.Do(ctx, func(ctx context.Context) int {
		return c.col.DeleteOlderThan(ctx, c.ttl)
	})
}

// Count returns the number of cached snapshots.
func (c *Cache) Count(ctx context.Context) int {
	return c.col.Count(ctx)
}

// Clear removes all cached snapshots.
func (c *Cache) Clear(ctx context.Context) bool {
	return c.col.Clear(ctx)
}
