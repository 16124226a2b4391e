// Package staticsite caches processed page output during an export run so
// pages already rendered for a session are not processed twice. When the
// persistent store is unavailable the cache degrades to an in-memory map,
// trading durability for keeping the export moving.
package staticsite

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/publish-cache/cache/sweep"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

const (
	// DefaultTTL bounds how long processed output stays reusable.
	DefaultTTL = 24 * time.Hour

	// FieldSessionID indexes entries by the export session that produced
	// them.
	FieldSessionID = "session_id"
)

// Indexes declares the secondary indexes the cache's collection needs.
func Indexes() []string {
	return []string{FieldSessionID}
}

// Entry is the processed output for one page URL.
type Entry struct {
	ProcessedHTML string   `json:"processed_html"`
	AssetURLs     []string `json:"asset_urls,omitempty"`
	SessionID     string   `json:"session_id"`
}

type memEntry struct {
	entry   Entry
	savedAt time.Time
}

// Cache stores processed pages keyed by page URL. A nil collection puts the
// cache in memory-only mode.
type Cache struct {
	col     *kvdb.Collection
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	sweeper *sweep.Sweeper

	mu  sync.RWMutex
	mem map[string]memEntry
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

// New creates a static site cache. col may be nil, in which case all state
// lives in memory for the lifetime of the process.
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
	name := "staticsite"
	if col != nil {
		name = col.Name()
	} else {
		c.mem = make(map[string]memEntry)
		c.logger.Warn("static site cache running in memory-only mode")
	}
	c.sweeper = sweep.New(name, sweep.WithLogger(c.logger))
	return c
}

// MemoryOnly reports whether the cache has no persistent backing.
func (c *Cache) MemoryOnly() bool {
	return c.col == nil
}

func (c *Cache) name() string {
	if c.col != nil {
		return c.col.Name()
	}
	return "staticsite"
}

// Get returns the processed output for a page URL. Expired entries are
// removed and reported as misses.
func (c *Cache) Get(ctx context.Context, pageURL string) (Entry, bool) {
	if c.col == nil {
		c.mu.RLock()
		me, ok := c.mem[pageURL]
		c.mu.RUnlock()
		if !ok || c.now().Sub(me.savedAt) > c.ttl {
			if ok {
				c.mu.Lock()
				delete(c.mem, pageURL)
				c.mu.Unlock()
			}
			telemetry.RecordLookup(ctx, c.name(), false)
			return Entry{}, false
		}
		telemetry.RecordLookup(ctx, c.name(), true)
		return me.entry, true
	}

	var e Entry
	ts, found := c.col.GetJSON(ctx, pageURL, &e)
	if !found {
		telemetry.RecordLookup(ctx, c.name(), false)
		return Entry{}, false
	}
	if c.now().Sub(ts) > c.ttl {
		c.col.Delete(ctx, pageURL)
		telemetry.RecordLookup(ctx, c.name(), false)
		return Entry{}, false
	}
	telemetry.RecordLookup(ctx, c.name(), true)
	return e, true
}

// Put stores the processed output for a page URL.
func (c *Cache) Put(ctx context.Context, pageURL string, e Entry) bool {
	if c.col == nil {
		c.mu.Lock()
		c.mem[pageURL] = memEntry{entry: e, savedAt: c.now()}
		c.mu.Unlock()
		return true
	}

	ok := c.col.Put(ctx, pageURL, e, map[string]string{FieldSessionID: e.SessionID})
	telemetry.RecordStoreOp(ctx, c.name(), "put", ok)
	return ok
}

// BySession returns the page URLs cached for one export session.
func (c *Cache) BySession(ctx context.Context, sessionID string) []string {
	if c.col == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		var out []string
		for url, me := range c.mem {
			if me.entry.SessionID == sessionID {
				out = append(out, url)
			}
		}
		return out
	}

	entries := c.col.GetByIndex(ctx, FieldSessionID, sessionID)
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Key)
	}
	return out
}

// ClearSession removes every entry produced by one export session and
// returns how many were removed.
func (c *Cache) ClearSession(ctx context.Context, sessionID string) int {
	if c.col == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		deleted := 0
		for url, me := range c.mem {
			if me.entry.SessionID == sessionID {
				delete(c.mem, url)
				deleted++
			}
		}
		return deleted
	}

	deleted := 0
	for _, entry := range c.col.GetByIndex(ctx, FieldSessionID, sessionID) {
		if c.col.Delete(ctx, entry.Key) {
			deleted++
		}
	}
	return deleted
}

// Cleanup evicts entries past the TTL.
func (c *Cache) Cleanup(ctx context.Context) int {
	return c.sweeper.Do(ctx, func(ctx context.Context) int {
		if c.col == nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			deleted := 0
			cutoff := c.now().Add(-c.ttl)
			for url, me := range c.mem {
				if !me.savedAt.After(cutoff) {
					delete(c.mem, url)
					deleted++
				}
			}
			return deleted
		}
		return c.col.DeleteOlderThan(ctx, c.ttl)
	})
}

// Count returns the number of cached pages.
func (c *Cache) Count(ctx context.Context) int {
	if c.col == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.mem)
	}
	return c.col.Count(ctx)
}

// Clear removes everything.
func (c *Cache) Clear(ctx context.Context) bool {
	if c.col == nil {
		c.mu.Lock()
		c.mem = make(map[string]memEntry)
		c.mu.Unlock()
		return true
	}
	return c.col.Clear(ctx)
}
