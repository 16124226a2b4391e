package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/publish-cache/store/kvdb"
)

type fakeStorage struct {
	downloadData []byte
	downloadErr  error
	downloads    int

	uploadErr error
	uploaded  [][]byte
}

func (f *fakeStorage) DownloadManifest(_ context.Context) ([]byte, error) {
	f.downloads++
	return f.downloadData, f.downloadErr
}

func (f *fakeStorage) UploadManifest(_ context.Context, data []byte) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded = append(f.uploaded, data)
	return nil
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	db := kvdb.NewBoltDB(kvdb.WithNoSync(true), kvdb.WithIndexes(Indexes()...))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "manifest.db")))
	t.Cleanup(func() { _ = db.Close() })
	return NewCache(kvdb.NewCollection(db, "manifest"), opts...)
}

func TestManager_FetchDownloadsOnMiss(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadData: []byte(`{"/index.html":{"size":512,"hash":"abc"}}`)}
	mgr := NewManager("r2", storage, newTestCache(t))

	got := mgr.Fetch(ctx)
	require.Equal(t, 1, storage.downloads)
	assert.Equal(t, Manifest{"/index.html": {Size: 512, Hash: "abc"}}, got)

	// Second fetch is served from cache.
	got = mgr.Fetch(ctx)
	assert.Equal(t, 1, storage.downloads)
	assert.Equal(t, Manifest{"/index.html": {Size: 512, Hash: "abc"}}, got)
}

func TestManager_FetchNoRemoteManifest(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadData: nil}
	mgr := NewManager("r2", storage, newTestCache(t))

	got := mgr.Fetch(ctx)
	assert.Equal(t, Manifest{}, got)

	// The empty state is cached, so no second download.
	mgr.Fetch(ctx)
	assert.Equal(t, 1, storage.downloads)
}

func TestManager_FetchDownloadErrorNotCached(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadErr: errors.New("connection refused")}
	mgr := NewManager("r2", storage, newTestCache(t))

	got := mgr.Fetch(ctx)
	assert.Equal(t, Manifest{}, got)

	// The failure must not be cached; the next call retries the remote.
	mgr.Fetch(ctx)
	assert.Equal(t, 2, storage.downloads)
}

func TestManager_FetchUnparseableNotCached(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadData: []byte("<html>not json</html>")}
	mgr := NewManager("r2", storage, newTestCache(t))

	got := mgr.Fetch(ctx)
	assert.Equal(t, Manifest{}, got)

	mgr.Fetch(ctx)
	assert.Equal(t, 2, storage.downloads)
}

func TestManager_Upload(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{}
	mgr := NewManager("r2", storage, newTestCache(t))

	m := Manifest{"/index.html": {Size: 512, Hash: "abc"}}
	require.True(t, mgr.Upload(ctx, m))
	require.Len(t, storage.uploaded, 1)
	assert.JSONEq(t, `{"/index.html":{"size":512,"hash":"abc"}}`, string(storage.uploaded[0]))

	// Cache now reflects the uploaded manifest; Fetch does not download.
	got := mgr.Fetch(ctx)
	assert.Equal(t, 0, storage.downloads)
	assert.Equal(t, m, got)
}

func TestManager_UploadFailureLeavesCache(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadData: []byte(`{"/old.html":{"size":1,"hash":"o"}}`)}
	mgr := NewManager("r2", storage, newTestCache(t))

	// Seed the cache from the remote.
	old := mgr.Fetch(ctx)
	require.Len(t, old, 1)

	storage.uploadErr = errors.New("403 forbidden")
	assert.False(t, mgr.Upload(ctx, Manifest{"/new.html": {Size: 2, Hash: "n"}}))

	// Cache still holds the last known remote state.
	got := mgr.Fetch(ctx)
	assert.Equal(t, old, got)
}

func TestManager_UploadNilManifest(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{}
	mgr := NewManager("r2", storage, newTestCache(t))

	require.True(t, mgr.Upload(ctx, nil))
	require.Len(t, storage.uploaded, 1)
	assert.JSONEq(t, `{}`, string(storage.uploaded[0]))
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	storage := &fakeStorage{downloadData: []byte(`{}`)}
	mgr := NewManager("r2", storage, newTestCache(t))

	mgr.Fetch(ctx)
	require.Equal(t, 1, storage.downloads)

	require.True(t, mgr.Invalidate(ctx))
	mgr.Fetch(ctx)
	assert.Equal(t, 2, storage.downloads)
}

func TestCache_ExpiredSnapshotIsMiss(t *testing.T) {
	ctx := context.Background()
	current := time.Now()
	cache := newTestCache(t, WithNow(func() time.Time { return current }))

	require.True(t, cache.Put(ctx, "r2", Manifest{"/a": {Size: 1, Hash: "h"}}))

	current = current.Add(DefaultTTL + time.Minute)

	_, ok := cache.Get(ctx, "r2")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Count(ctx), "expired snapshot removed on read")
}

func TestCache_ProvidersAreIsolated(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	require.True(t, cache.Put(ctx, "r2", Manifest{"/a": {Size: 1, Hash: "h"}}))
	require.True(t, cache.Put(ctx, "gitlab", Manifest{}))

	got, ok := cache.Get(ctx, "r2")
	require.True(t, ok)
	assert.Len(t, got, 1)

	got, ok = cache.Get(ctx, "gitlab")
	require.True(t, ok)
	assert.Empty(t, got)
}
