package kvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_BasicOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("Put and Get round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		value := []byte(`{"exists":true}`)
		require.NoError(t, db.Put(ctx, "plugin:akismet", value, nil))

		entry, err := db.Get(ctx, "plugin:akismet")
		require.NoError(t, err)
		assert.Equal(t, "plugin:akismet", entry.Key)
		assert.JSONEq(t, string(value), string(entry.Value))
		assert.False(t, entry.Timestamp.IsZero())
	})

	t.Run("Get returns ErrNotFound for missing key", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.Get(ctx, "nonexistent")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Put overwrites prior entry", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "k", []byte(`{"v":1}`), nil))
		require.NoError(t, db.Put(ctx, "k", []byte(`{"v":2}`), nil))

		entry, err := db.Get(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(entry.Value))

		count, err := db.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Delete removes entry and is idempotent", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "k", []byte(`{}`), nil))
		require.NoError(t, db.Delete(ctx, "k"))

		_, err := db.Get(ctx, "k")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, db.Delete(ctx, "k"))
	})

	t.Run("Clear empties the collection", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "a", []byte(`{}`), nil))
		require.NoError(t, db.Put(ctx, "b", []byte(`{}`), nil))
		require.NoError(t, db.Clear(ctx))

		count, err := db.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("Keys and List return all entries", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.Put(ctx, "a", []byte(`{"n":1}`), nil))
		require.NoError(t, db.Put(ctx, "b", []byte(`{"n":2}`), nil))
		require.NoError(t, db.Put(ctx, "c", []byte(`{"n":3}`), nil))

		keys, err := db.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)

		entries, err := db.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		capped, err := db.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, capped, 2)
	})
}

func TestBoltDB_SecondaryIndexes(t *testing.T) {
	ctx := context.Background()

	t.Run("GetByIndex returns matching entries", func(t *testing.T) {
		db := newTestBoltDB(t, WithIndexes("provider_id"))

		require.NoError(t, db.Put(ctx, "s1", []byte(`{}`), map[string]string{"provider_id": "r2"}))
		require.NoError(t, db.Put(ctx, "s2", []byte(`{}`), map[string]string{"provider_id": "r2"}))
		require.NoError(t, db.Put(ctx, "s3", []byte(`{}`), map[string]string{"provider_id": "gitlab"}))

		entries, err := db.GetByIndex(ctx, "provider_id", "r2")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		keys := []string{entries[0].Key, entries[1].Key}
		assert.ElementsMatch(t, []string{"s1", "s2"}, keys)
	})

	t.Run("overwrite moves entry between index values", func(t *testing.T) {
		db := newTestBoltDB(t, WithIndexes("status"))

		require.NoError(t, db.Put(ctx, "s1", []byte(`{}`), map[string]string{"status": "in_progress"}))
		require.NoError(t, db.Put(ctx, "s1", []byte(`{}`), map[string]string{"status": "completed"}))

		inProgress, err := db.GetByIndex(ctx, "status", "in_progress")
		require.NoError(t, err)
		assert.Empty(t, inProgress)

		completed, err := db.GetByIndex(ctx, "status", "completed")
		require.NoError(t, err)
		assert.Len(t, completed, 1)
	})

	t.Run("delete removes index rows", func(t *testing.T) {
		db := newTestBoltDB(t, WithIndexes("type"))

		require.NoError(t, db.Put(ctx, "plugin:x", []byte(`{}`), map[string]string{"type": "plugin"}))
		require.NoError(t, db.Delete(ctx, "plugin:x"))

		entries, err := db.GetByIndex(ctx, "type", "plugin")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("undeclared index errors", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetByIndex(ctx, "nope", "v")
		require.Error(t, err)
	})
}

func TestBoltDB_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes entries at or before the cutoff", func(t *testing.T) {
		current := time.Now()
		db := newTestBoltDB(t, WithNow(func() time.Time { return current }))

		base := current
		// Entry written 2h ago.
		current = base.Add(-2 * time.Hour)
		require.NoError(t, db.Put(ctx, "old", []byte(`{}`), nil))
		// Entry written exactly at the cutoff (1h ago).
		current = base.Add(-time.Hour)
		require.NoError(t, db.Put(ctx, "boundary", []byte(`{}`), nil))
		// Fresh entry.
		current = base
		require.NoError(t, db.Put(ctx, "fresh", []byte(`{}`), nil))

		deleted, err := db.DeleteOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted, "boundary entry is deleted (inclusive cutoff)")

		_, err = db.Get(ctx, "old")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = db.Get(ctx, "boundary")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = db.Get(ctx, "fresh")
		require.NoError(t, err)
	})

	t.Run("cleans up index rows for deleted entries", func(t *testing.T) {
		current := time.Now()
		db := newTestBoltDB(t, WithNow(func() time.Time { return current }), WithIndexes("status"))

		current = current.Add(-2 * time.Hour)
		require.NoError(t, db.Put(ctx, "s1", []byte(`{}`), map[string]string{"status": "paused"}))
		current = current.Add(2 * time.Hour)

		deleted, err := db.DeleteOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		entries, err := db.GetByIndex(ctx, "status", "paused")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("empty collection deletes nothing", func(t *testing.T) {
		db := newTestBoltDB(t)

		deleted, err := db.DeleteOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}

func TestBoltDB_Compression(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	// Highly compressible payload well above the threshold.
	big := map[string]string{"html": string(bytes.Repeat([]byte("<div>cache</div>"), 1024))}
	data, err := json.Marshal(big)
	require.NoError(t, err)
	require.Greater(t, len(data), CompressionThreshold)

	require.NoError(t, db.Put(ctx, "page", data, nil))

	entry, err := db.Get(ctx, "page")
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(entry.Value))
}

func TestTimestampEncoding(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	decoded := decodeTimestamp(encodeTimestamp(ts))
	require.True(t, ts.Equal(decoded))

	earlier := encodeTimestamp(ts.Add(-time.Millisecond))
	require.Equal(t, -1, bytes.Compare(earlier, encodeTimestamp(ts)))
}
