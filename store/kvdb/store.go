package kvdb

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Collection is the facade the domain caches consume. Every method catches
// storage errors, logs them, and returns a safe default (nil/false/zero)
// instead of propagating, so callers build business logic on return values
// rather than error handling. The error-returning layer below is DB.
type Collection struct {
	db     DB
	name   string
	logger *slog.Logger
}

// CollectionOption configures a Collection.
type CollectionOption func(*Collection)

// WithCollectionLogger sets the logger for the collection.
func WithCollectionLogger(logger *slog.Logger) CollectionOption {
	return func(c *Collection) {
		c.logger = logger
	}
}

// NewCollection wraps a DB as a degrade-to-default collection.
// name is used for logging only.
func NewCollection(db DB, name string, opts ...CollectionOption) *Collection {
	c := &Collection{
		db:     db,
		name:   name,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Get returns the entry at key, or nil on miss or storage failure.
func (c *Collection) Get(ctx context.Context, key string) *Entry {
	entry, err := c.db.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Error("cache get failed", "cache", c.name, "key", key, "error", err)
		}
		return nil
	}
	return entry
}

// GetJSON fetches and decodes the value at key into v. It returns the
// entry's write timestamp and whether a decodable entry was found.
// A malformed payload counts as a miss.
func (c *Collection) GetJSON(ctx context.Context, key string, v any) (time.Time, bool) {
	entry := c.Get(ctx, key)
	if entry == nil {
		return time.Time{}, false
	}
	if err := entry.Unmarshal(v); err != nil {
		c.logger.Warn("cache entry undecodable, treating as miss", "cache", c.name, "key", key, "error", err)
		return time.Time{}, false
	}
	return entry.Timestamp, true
}

// Put marshals v and stores it under key with a fresh timestamp and the
// given index fields. Returns false on failure.
func (c *Collection) Put(ctx context.Context, key string, v any, fields map[string]string) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("cache value not serializable", "cache", c.name, "key", key, "error", err)
		return false
	}
	if err := c.db.Put(ctx, key, data, fields); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			c.logger.Error("cache value exceeds size limit", "cache", c.name, "key", key, "size", len(data))
		} else {
			c.logger.Error("cache put failed", "cache", c.name, "key", key, "error", err)
		}
		return false
	}
	return true
}

// Delete removes the entry at key. Returns false only on storage failure;
// deleting a missing key succeeds.
func (c *Collection) Delete(ctx context.Context, key string) bool {
	if err := c.db.Delete(ctx, key); err != nil {
		c.logger.Error("cache delete failed", "cache", c.name, "key", key, "error", err)
		return false
	}
	return true
}

// Clear empties the collection. Returns false on failure.
func (c *Collection) Clear(ctx context.Context) bool {
	if err := c.db.Clear(ctx); err != nil {
		c.logger.Error("cache clear failed", "cache", c.name, "error", err)
		return false
	}
	return true
}

// Count returns the number of entries, or 0 on failure.
func (c *Collection) Count(ctx context.Context) int {
	count, err := c.db.Count(ctx)
	if err != nil {
		c.logger.Error("cache count failed", "cache", c.name, "error", err)
		return 0
	}
	return count
}

// Keys returns all primary keys, or nil on failure.
func (c *Collection) Keys(ctx context.Context) []string {
	keys, err := c.db.Keys(ctx)
	if err != nil {
		c.logger.Error("cache keys failed", "cache", c.name, "error", err)
		return nil
	}
	return keys
}

// List returns all entries, optionally capped at limit (0 = no cap).
func (c *Collection) List(ctx context.Context, limit int) []*Entry {
	entries, err := c.db.List(ctx, limit)
	if err != nil {
		c.logger.Error("cache list failed", "cache", c.name, "error", err)
		return nil
	}
	return entries
}

// GetByIndex returns all entries whose indexed field equals value.
func (c *Collection) GetByIndex(ctx context.Context, field, value string) []*Entry {
	entries, err := c.db.GetByIndex(ctx, field, value)
	if err != nil {
		c.logger.Error("cache index scan failed", "cache", c.name, "field", field, "error", err)
		return nil
	}
	return entries
}

// DeleteOlderThan deletes entries written at or before now-maxAge and
// returns the count deleted (0 on failure).
func (c *Collection) DeleteOlderThan(ctx context.Context, maxAge time.Duration) int {
	deleted, err := c.db.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		c.logger.Error("cache eviction scan failed", "cache", c.name, "error", err)
		return deleted
	}
	return deleted
}
