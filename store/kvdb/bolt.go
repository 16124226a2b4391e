package kvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements DB using bbolt. One BoltDB holds a single collection of
// timestamped records plus the declared secondary indexes.
type BoltDB struct {
	db      *bbolt.DB
	codec   *Codec
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool // disables fsync per transaction (for testing only)
	indexes []string
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithIndexes declares the secondary index fields for the collection.
// Index buckets are created at open time; Put writes a row into each
// declared index for which the record carries a field value.
func WithIndexes(fields ...string) BoltDBOption {
	return func(b *BoltDB) {
		b.indexes = fields
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened cache db", "path", path, "indexes", b.indexes)
	return nil
}

func (b *BoltDB) bucketNames() [][]byte {
	names := [][]byte{bucketEntries, bucketByTimestamp, bucketTimestampByKey}
	for _, field := range b.indexes {
		names = append(names, indexBucketName(field))
	}
	return names
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range b.bucketNames() {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing cache db")
	return b.db.Close()
}

// Path returns the file path of the underlying database, or "" when closed.
func (b *BoltDB) Path() string {
	if b.db == nil {
		return ""
	}
	return b.db.Path()
}

// Get retrieves the entry stored under key. Returns ErrNotFound when absent.
func (b *BoltDB) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		decoded, err := b.decodeEnvelope(val)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put stores value under key with a fresh timestamp, overwriting any prior
// entry. fields are written into the declared secondary indexes.
func (b *BoltDB) Put(_ context.Context, key string, value []byte, fields map[string]string) error {
	now := b.now()

	payload, encoding, err := b.codec.encodePayload(value)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	env := envelope{
		Key:         key,
		TimestampMs: now.UnixMilli(),
		Fields:      fields,
		Encoding:    encoding,
		PayloadSize: int64(len(value)),
		Payload:     payload,
	}
	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return fmt.Errorf("entries bucket not found")
		}

		// Drop index rows for any prior entry at this key before overwriting.
		if err := b.removeIndexRows(tx, key); err != nil {
			return err
		}

		if err := entries.Put([]byte(key), data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		if err := b.putTimestampIndex(tx, key, now); err != nil {
			return err
		}

		for _, field := range b.indexes {
			value, ok := fields[field]
			if !ok {
				continue
			}
			idx := tx.Bucket(indexBucketName(field))
			if idx == nil {
				continue
			}
			if err := idx.Put(makeIndexKey(value, key), []byte(key)); err != nil {
				return fmt.Errorf("putting index %s: %w", field, err)
			}
		}

		return nil
	})
}

// putTimestampIndex writes the forward and reverse timestamp index rows.
func (b *BoltDB) putTimestampIndex(tx *bbolt.Tx, key string, ts time.Time) error {
	forward := tx.Bucket(bucketByTimestamp)
	reverse := tx.Bucket(bucketTimestampByKey)
	if forward == nil || reverse == nil {
		return nil
	}

	if err := forward.Put(makeTimestampKey(ts, key), []byte(key)); err != nil {
		return fmt.Errorf("putting timestamp index: %w", err)
	}
	if err := reverse.Put([]byte(key), encodeTimestamp(ts)); err != nil {
		return fmt.Errorf("putting timestamp reverse index: %w", err)
	}
	return nil
}

// removeIndexRows deletes the timestamp and field index rows for the entry
// currently stored at key, if any.
func (b *BoltDB) removeIndexRows(tx *bbolt.Tx, key string) error {
	entries := tx.Bucket(bucketEntries)
	if entries == nil {
		return nil
	}

	// Old timestamp rows via the reverse index (O(1) lookup).
	reverse := tx.Bucket(bucketTimestampByKey)
	forward := tx.Bucket(bucketByTimestamp)
	if reverse != nil && forward != nil {
		if tsBytes := reverse.Get([]byte(key)); tsBytes != nil {
			oldTs := decodeTimestamp(tsBytes)
			if err := forward.Delete(makeTimestampKey(oldTs, key)); err != nil {
				return fmt.Errorf("deleting old timestamp index: %w", err)
			}
			if err := reverse.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting timestamp reverse index: %w", err)
			}
		}
	}

	// Old field index rows require the stored field values.
	val := entries.Get([]byte(key))
	if val == nil {
		return nil
	}
	var old envelope
	if err := json.Unmarshal(val, &old); err != nil {
		// Corrupt envelope: nothing more to clean up.
		b.logger.Warn("skipping index cleanup for corrupt envelope", "key", key, "error", err)
		return nil
	}
	for _, field := range b.indexes {
		value, ok := old.Fields[field]
		if !ok {
			continue
		}
		idx := tx.Bucket(indexBucketName(field))
		if idx == nil {
			continue
		}
		if err := idx.Delete(makeIndexKey(value, key)); err != nil {
			return fmt.Errorf("deleting index %s: %w", field, err)
		}
	}
	return nil
}

// Delete removes the entry and all its index rows. Deleting a missing key
// is a no-op.
func (b *BoltDB) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}

		if err := b.removeIndexRows(tx, key); err != nil {
			return err
		}

		return entries.Delete([]byte(key))
	})
}

// Clear empties the entire collection including all indexes.
func (b *BoltDB) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range b.bucketNames() {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("deleting bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Count returns the number of entries in the collection.
func (b *BoltDB) Count(_ context.Context) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Keys returns all primary keys in the collection.
func (b *BoltDB) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// List returns all entries, optionally capped at limit (0 = no cap).
// No ordering is guaranteed beyond bbolt's key order.
func (b *BoltDB) List(_ context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			entry, err := b.decodeEnvelope(v)
			if err != nil {
				b.logger.Warn("skipping corrupt entry", "key", string(k), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// GetByIndex returns all entries whose indexed field equals value.
func (b *BoltDB) GetByIndex(_ context.Context, field, value string) ([]*Entry, error) {
	var entries []*Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(indexBucketName(field))
		if idx == nil {
			return fmt.Errorf("no index declared for field %q", field)
		}
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}

		prefix := indexPrefix(value)
		cursor := idx.Cursor()
		for k, pk := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, pk = cursor.Next() {
			val := bucket.Get(pk)
			if val == nil {
				continue // dangling index row
			}
			entry, err := b.decodeEnvelope(val)
			if err != nil {
				b.logger.Warn("skipping corrupt entry", "key", string(pk), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// DeleteOlderThan deletes every entry whose write timestamp is at or before
// now-maxAge, via a cursor scan over the timestamp index. Returns the number
// of entries deleted. The boundary is inclusive: an entry exactly at the
// cutoff is deleted.
func (b *BoltDB) DeleteOlderThan(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := encodeTimestamp(b.now().Add(-maxAge))
	deleted := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		forward := tx.Bucket(bucketByTimestamp)
		entries := tx.Bucket(bucketEntries)
		reverse := tx.Bucket(bucketTimestampByKey)
		if forward == nil || entries == nil {
			return nil
		}

		cursor := forward.Cursor()
		for k, pk := cursor.First(); k != nil; k, pk = cursor.Next() {
			// Keys are sorted by timestamp; stop past the cutoff.
			if bytes.Compare(k[:8], cutoff) > 0 {
				break
			}

			key := string(pk)

			// Field index rows need the stored field values.
			if val := entries.Get(pk); val != nil {
				var old envelope
				if err := json.Unmarshal(val, &old); err == nil {
					for _, field := range b.indexes {
						value, ok := old.Fields[field]
						if !ok {
							continue
						}
						if idx := tx.Bucket(indexBucketName(field)); idx != nil {
							if err := idx.Delete(makeIndexKey(value, key)); err != nil {
								return fmt.Errorf("deleting index %s: %w", field, err)
							}
						}
					}
				}
				if err := entries.Delete(pk); err != nil {
					return fmt.Errorf("deleting entry: %w", err)
				}
				deleted++
			}

			if reverse != nil {
				if err := reverse.Delete(pk); err != nil {
					return fmt.Errorf("deleting timestamp reverse index: %w", err)
				}
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting timestamp index: %w", err)
			}
		}
		return nil
	})
	return deleted, err
}

// decodeEnvelope parses a stored envelope and decodes its payload.
func (b *BoltDB) decodeEnvelope(data []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	payload, err := b.codec.decodePayload(env.Payload, env.Encoding, env.PayloadSize)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return &Entry{
		Key:       env.Key,
		Timestamp: time.UnixMilli(env.TimestampMs).UTC(),
		Fields:    env.Fields,
		Value:     payload,
	}, nil
}

// Compile-time interface check
var _ DB = (*BoltDB)(nil)
