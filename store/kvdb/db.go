// Package kvdb provides the persistent key-value store backing the publish
// caches: one bbolt database per logical cache, each holding a single
// collection of timestamped JSON records with optional secondary indexes
// and age-based bulk deletion.
package kvdb

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("kvdb: not found")

// Entry is a decoded record from a collection.
type Entry struct {
	// Key is the primary key of the record.
	Key string
	// Timestamp is the write time of the record.
	Timestamp time.Time
	// Fields holds the indexed metadata columns written alongside the value.
	Fields map[string]string
	// Value is the stored JSON payload.
	Value json.RawMessage
}

// Unmarshal decodes the entry value into v.
func (e *Entry) Unmarshal(v any) error {
	return json.Unmarshal(e.Value, v)
}

// Age returns how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// DB is the error-returning storage interface implemented by BoltDB.
// Domain caches consume the Collection facade instead, which degrades
// storage failures to safe defaults.
type DB interface {
	Open(path string) error
	Close() error

	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte, fields map[string]string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)
	List(ctx context.Context, limit int) ([]*Entry, error)
	GetByIndex(ctx context.Context, field, value string) ([]*Entry, error)
	DeleteOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}
