package staticsite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/publish-cache/store/kvdb"
)

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	db := kvdb.NewBoltDB(kvdb.WithNoSync(true), kvdb.WithIndexes(Indexes()...))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "staticsite.db")))
	t.Cleanup(func() { _ = db.Close() })
	return New(kvdb.NewCollection(db, "staticsite"), opts...)
}

func TestCache_PutAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	e := Entry{
		ProcessedHTML: "<html>processed</html>",
		AssetURLs:     []string{"/img/logo.png"},
		SessionID:     "s1",
	}
	require.True(t, c.Put(ctx, "/about/", e))

	got, ok := c.Get(ctx, "/about/")
	require.True(t, ok)
	assert.Equal(t, e, got)

	_, ok = c.Get(ctx, "/missing/")
	assert.False(t, ok)
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	c := newTestCache(t, WithNow(func() time.Time { return current }))

	require.True(t, c.Put(ctx, "/about/", Entry{ProcessedHTML: "x", SessionID: "s1"}))

	current = current.Add(DefaultTTL + time.Minute)

	_, ok := c.Get(ctx, "/about/")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Count(ctx), "expired entry removed on read")
}

func TestCache_BySessionAndClearSession(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	require.True(t, c.Put(ctx, "/a/", Entry{ProcessedHTML: "a", SessionID: "s1"}))
	require.True(t, c.Put(ctx, "/b/", Entry{ProcessedHTML: "b", SessionID: "s1"}))
	require.True(t, c.Put(ctx, "/c/", Entry{ProcessedHTML: "c", SessionID: "s2"}))

	assert.ElementsMatch(t, []string{"/a/", "/b/"}, c.BySession(ctx, "s1"))

	assert.Equal(t, 2, c.ClearSession(ctx, "s1"))
	assert.Empty(t, c.BySession(ctx, "s1"))

	_, ok := c.Get(ctx, "/c/")
	assert.True(t, ok, "other sessions untouched")
}

func TestCache_Cleanup(t *testing.T) {
	ctx := context.Background()
	current := time.Now()

	db := kvdb.NewBoltDB(
		kvdb.WithNoSync(true),
		kvdb.WithIndexes(Indexes()...),
		kvdb.WithNow(func() time.Time { return current }),
	)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "staticsite.db")))
	t.Cleanup(func() { _ = db.Close() })

	c := New(kvdb.NewCollection(db, "staticsite"), WithNow(func() time.Time { return current }))

	base := current
	current = base.Add(-DefaultTTL - time.Hour)
	require.True(t, c.Put(ctx, "/stale/", Entry{SessionID: "s1"}))
	current = base
	require.True(t, c.Put(ctx, "/fresh/", Entry{SessionID: "s1"}))

	assert.Equal(t, 1, c.Cleanup(ctx))
	assert.Equal(t, 1, c.Count(ctx))
}

func TestCache_MemoryOnlyMode(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	c := New(nil, WithNow(func() time.Time { return current }))

	require.True(t, c.MemoryOnly())

	e := Entry{ProcessedHTML: "<p>hi</p>", SessionID: "s1"}
	require.True(t, c.Put(ctx, "/a/", e))
	require.True(t, c.Put(ctx, "/b/", Entry{ProcessedHTML: "b", SessionID: "s2"}))

	got, ok := c.Get(ctx, "/a/")
	require.True(t, ok)
	assert.Equal(t, e, got)

	assert.Equal(t, []string{"/a/"}, c.BySession(ctx, "s1"))
	assert.Equal(t, 1, c.ClearSession(ctx, "s1"))
	assert.Equal(t, 1, c.Count(ctx))

	// TTL applies in memory too.
	current = current.Add(DefaultTTL + time.Minute)
	_, ok = c.Get(ctx, "/b/")
	assert.False(t, ok)

	require.True(t, c.Put(ctx, "/c/", Entry{SessionID: "s3"}))
	current = current.Add(DefaultTTL + time.Minute)
	assert.Equal(t, 1, c.Cleanup(ctx))
	assert.Equal(t, 0, c.Count(ctx))
}
