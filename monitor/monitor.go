// Package monitor assembles the full cache set and provides the aggregate
// operations the CLI and the publisher host use: stats across every cache,
// coordinated cleanup, and storage usage reporting.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/publish-cache/cache/archive"
	"github.com/wolfeidau/publish-cache/cache/manifest"
	"github.com/wolfeidau/publish-cache/cache/session"
	"github.com/wolfeidau/publish-cache/cache/staticsite"
	"github.com/wolfeidau/publish-cache/cache/wporg"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

// Cache names double as database file names under the cache directory.
const (
	NameWPOrg      = "wporg"
	NameManifest   = "manifest"
	NameSessions   = "sessions"
	NameArchive    = "archive"
	NameStaticSite = "staticsite"
)

// Set holds one instance of every cache, backed by a shared registry.
type Set struct {
	WPOrg      *wporg.Cache
	Manifest   *manifest.Cache
	Sessions   *session.Cache
	Archive    *archive.Cache
	StaticSite *staticsite.Cache

	registry *kvdb.Registry
	logger   *slog.Logger
}

// Option configures a Set.
type Option func(*config)

type config struct {
	logger *slog.Logger
	noSync bool
	now    func() time.Time
}

// WithLogger sets the logger for the set and every cache in it.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNoSync disables fsync on all databases. Testing only.
func WithNoSync(noSync bool) Option {
	return func(c *config) {
		c.noSync = noSync
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// OpenAll opens every cache under dir. A failure to open any of the
// required caches aborts the whole set; the static site cache alone
// degrades to memory-only mode on failure, since losing it only costs
// re-processing work.
func OpenAll(dir string, opts ...Option) (*Set, error) {
	cfg := &config{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	registry := kvdb.NewRegistry(dir,
		kvdb.WithRegistryLogger(cfg.logger),
		kvdb.WithRegistryNoSync(cfg.noSync),
	)

	s := &Set{
		registry: registry,
		logger:   cfg.logger,
	}

	open := func(name string, indexes []string) (*kvdb.Collection, error) {
		db, err := registry.Open(name,
			kvdb.WithIndexes(indexes...),
			kvdb.WithNow(cfg.now),
		)
		if err != nil {
			return nil, err
		}
		return kvdb.NewCollection(db, name, kvdb.WithCollectionLogger(cfg.logger)), nil
	}

	col, err := open(NameWPOrg, wporg.Indexes())
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	s.WPOrg = wporg.New(col, wporg.WithLogger(cfg.logger), wporg.WithNow(cfg.now))

	col, err = open(NameManifest, manifest.Indexes())
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	s.Manifest = manifest.NewCache(col, manifest.WithLogger(cfg.logger), manifest.WithNow(cfg.now))

	col, err = open(NameSessions, session.Indexes())
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	s.Sessions = session.New(col, session.WithLogger(cfg.logger), session.WithNow(cfg.now))

	col, err = open(NameArchive, nil)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	s.Archive = archive.New(col, archive.WithLogger(cfg.logger), archive.WithNow(cfg.now))

	col, err = open(NameStaticSite, staticsite.Indexes())
	if err != nil {
		cfg.logger.Warn("static site cache unavailable, falling back to memory", "error", err)
		col = nil
	}
	s.StaticSite = staticsite.New(col, staticsite.WithLogger(cfg.logger), staticsite.WithNow(cfg.now))

	return s, nil
}

// Stats is a point-in-time report across every cache.
type Stats struct {
	WPOrg      wporg.Stats   `json:"wporg"`
	Manifests  int           `json:"manifests"`
	Sessions   session.Stats `json:"sessions"`
	Archives   int           `json:"archives"`
	StaticSite int           `json:"static_site"`
	Storage    kvdb.Estimate `json:"storage"`
}

// Stats gathers counts from every cache plus on-disk usage.
func (s *Set) Stats(ctx context.Context) Stats {
	stats := Stats{
		WPOrg:      s.WPOrg.Stats(ctx),
		Manifests:  s.Manifest.Count(ctx),
		Sessions:   s.Sessions.Stats(ctx),
		Archives:   s.Archive.Count(ctx),
		StaticSite: s.StaticSite.Count(ctx),
		Storage:    s.registry.StorageEstimate(),
	}
	for name, size := range stats.Storage.Databases {
		telemetry.RecordStorageUsage(ctx, name, size)
	}
	return stats
}

// CleanupAll runs the TTL eviction scan on every cache and returns the
// total number of entries deleted.
func (s *Set) CleanupAll(ctx context.Context) int {
	total := 0
	total += s.WPOrg.Cleanup(ctx)
	total += s.Manifest.Cleanup(ctx)
	total += s.Sessions.Cleanup(ctx)
	total += s.Archive.Cleanup(ctx)
	total += s.StaticSite.Cleanup(ctx)
	return total
}

// StartCleanups kicks off an initial eviction pass in the background, so
// opening the cache set never blocks on scan work.
func (s *Set) StartCleanups(ctx context.Context) {
	go func() {
		deleted := s.CleanupAll(context.WithoutCancel(ctx))
		if deleted > 0 {
			s.logger.Info("startup cache cleanup", "deleted", deleted)
		}
	}()
}

// ClearAll empties every cache.
func (s *Set) ClearAll(ctx context.Context) {
	s.WPOrg.Clear(ctx)
	s.Manifest.Clear(ctx)
	s.Sessions.Clear(ctx)
	s.Archive.Clear(ctx)
	s.StaticSite.Clear(ctx)
}

// Close releases all database handles.
func (s *Set) Close() error {
	return s.registry.Close()
}
