package manifest

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Storage fetches and stores the manifest file at the remote destination.
// DownloadManifest returns (nil, nil) when no manifest exists remotely yet;
// an error means the remote state is unknown and must not be cached.
type Storage interface {
	DownloadManifest(ctx context.Context) ([]byte, error)
	UploadManifest(ctx context.Context, data []byte) error
}

// Manager coordinates the remote manifest with the local cache. Reads are
// cache-first; the remote copy is only downloaded on a cache miss.
type Manager struct {
	providerID string
	storage    Storage
	cache      *Cache
	logger     *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager for one provider.
func NewManager(providerID string, storage Storage, cache *Cache, opts ...ManagerOption) *Manager {
	m := &Manager{
		providerID: providerID,
		storage:    storage,
		cache:      cache,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fetch returns the current manifest, from cache when a live snapshot
// exists, otherwise downloaded from the remote. Always returns a usable
// manifest:
//
//   - a remote without a manifest yet yields an empty manifest, which is
//     cached so the first publish starts from a known state
//   - a download or parse failure yields an empty manifest that is NOT
//     cached, so the next call retries the remote
func (m *Manager) Fetch(ctx context.Context) Manifest {
	if cached, ok := m.cache.Get(ctx, m.providerID); ok {
		return cached
	}

	data, err := m.storage.DownloadManifest(ctx)
	if err != nil {
		m.logger.Warn("manifest download failed, starting from empty",
			"provider_id", m.providerID, "error", err)
		return Manifest{}
	}
	if len(data) == 0 {
		// No remote manifest yet. Cache the empty state so repeated calls
		// during the same publish do not re-download.
		empty := Manifest{}
		m.cache.Put(ctx, m.providerID, empty)
		return empty
	}

	var remote Manifest
	if err := json.Unmarshal(data, &remote); err != nil {
		m.logger.Warn("remote manifest unparseable, starting from empty",
			"provider_id", m.providerID, "error", err)
		return Manifest{}
	}
	if remote == nil {
		remote = Manifest{}
	}

	m.cache.Put(ctx, m.providerID, remote)
	return remote
}

// Upload writes the manifest to the remote as compact JSON and refreshes
// the cached snapshot on success. Returns false when the upload failed; the
// cache is left untouched so it still reflects the last known remote state.
func (m *Manager) Upload(ctx context.Context, manifest Manifest) bool {
	if manifest == nil {
		manifest = Manifest{}
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		m.logger.Error("manifest not serializable", "provider_id", m.providerID, "error", err)
		return false
	}

	if err := m.storage.UploadManifest(ctx, data); err != nil {
		m.logger.Error("manifest upload failed", "provider_id", m.providerID, "error", err)
		return false
	}

	m.cache.Put(ctx, m.providerID, manifest)
	return true
}

// Invalidate drops the cached snapshot so the next Fetch hits the remote.
func (m *Manager) Invalidate(ctx context.Context) bool {
	return m.cache.Delete(ctx, m.providerID)
}
