package kvdb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Registry memoizes open database handles per logical cache name. All call
// sites asking for the same name share one handle; opens are performed at
// most once per name.
type Registry struct {
	dir    string
	logger *slog.Logger
	noSync bool

	mu  sync.Mutex
	dbs map[string]*BoltDB
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for all databases the registry opens.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryNoSync disables fsync for all databases the registry opens.
// Testing only.
func WithRegistryNoSync(noSync bool) RegistryOption {
	return func(r *Registry) {
		r.noSync = noSync
	}
}

// NewRegistry creates a registry rooted at dir. Database files are created
// as <dir>/<name>.db on first open.
func NewRegistry(dir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:    dir,
		logger: slog.Default(),
		dbs:    make(map[string]*BoltDB),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open returns the shared handle for name, opening it on first use.
func (r *Registry) Open(name string, opts ...BoltDBOption) (*BoltDB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.dbs[name]; ok {
		return db, nil
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	allOpts := append([]BoltDBOption{
		WithLogger(r.logger),
		WithNoSync(r.noSync),
	}, opts...)

	db := NewBoltDB(allOpts...)
	if err := db.Open(filepath.Join(r.dir, name+".db")); err != nil {
		return nil, fmt.Errorf("opening cache %q: %w", name, err)
	}

	r.dbs[name] = db
	return db, nil
}

// Estimate is a best-effort report of on-disk cache usage. Quota reflects a
// configured budget rather than a filesystem limit; zero means unknown.
type Estimate struct {
	Usage       int64            `json:"usage"`
	Quota       int64            `json:"quota,omitempty"`
	PercentUsed float64          `json:"percent_used,omitempty"`
	Databases   map[string]int64 `json:"databases"`
}

// StorageEstimate reports the file sizes of all open databases.
func (r *Registry) StorageEstimate() Estimate {
	r.mu.Lock()
	defer r.mu.Unlock()

	est := Estimate{Databases: make(map[string]int64, len(r.dbs))}
	for name, db := range r.dbs {
		path := db.Path()
		if path == "" {
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		est.Databases[name] = fi.Size()
		est.Usage += fi.Size()
	}
	return est
}

// Close closes all open databases. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, db := range r.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing cache %q: %w", name, err)
		}
		delete(r.dbs, name)
	}
	return firstErr
}
