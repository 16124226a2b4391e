package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/publish-cache/cache/sweep"
	"github.com/wolfeidau/publish-cache/store/kvdb"
	"github.com/wolfeidau/publish-cache/telemetry"
)

const (
	// DefaultTTL bounds how long an abandoned session stays resumable.
	DefaultTTL = 24 * time.Hour

	// FieldProviderID indexes sessions by storage provider.
	FieldProviderID = "provider_id"

	// FieldStatus indexes sessions by lifecycle state.
	FieldStatus = "status"
)

// Indexes declares the secondary indexes the cache's collection needs.
func Indexes() []string {
	return []string{FieldProviderID, FieldStatus}
}

// Cache persists upload sessions.
type Cache struct {
	col     *kvdb.Collection
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
	sweeper *sweep.Sweeper
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

// New creates a session cache over the given collection.
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
	c.sweeper = sweep.New(col.Name(), sweep.WithLogger(c.logger))
	return c
}

func (c *Cache) fields(s *Session) map[string]string {
	return map[string]string{
		FieldProviderID: s.ProviderID,
		FieldStatus:     string(s.Status),
	}
}

func (c *Cache) put(ctx context.Context, s *Session) bool {
	ok := c.col.Put(ctx, s.ID, s, c.fields(s))
	telemetry.RecordStoreOp(ctx, c.col.Name(), "put", ok)
	return ok
}

// CreateOption sets immutable attributes of a new session.
type CreateOption func(*Session)

// WithURLs records the page URLs the session will publish.
func WithURLs(urls []string) CreateOption {
	return func(s *Session) {
		s.URLs = urls
	}
}

// WithExportTypes records which content types the session exports.
func WithExportTypes(types []string) CreateOption {
	return func(s *Session) {
		s.ExportTypes = types
	}
}

// Create starts a new in-progress session for a provider.
func (c *Cache) Create(ctx context.Context, providerID string, opts ...CreateOption) *Session {
	now := c.now().UTC()
	s := &Session{
		ID:         newID(now),
		ProviderID: providerID,
		Status:     StatusInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !c.put(ctx, s) {
		return nil
	}
	telemetry.RecordSessionTransition(ctx, string(StatusInProgress))
	return s
}

// Get returns a session by ID. A session past the TTL is deleted and
// reported as missing.
func (c *Cache) Get(ctx context.Context, id string) (*Session, bool) {
	var s Session
	ts, found := c.col.GetJSON(ctx, id, &s)
	if !found {
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	if c.now().Sub(ts) > c.ttl {
		c.col.Delete(ctx, id)
		telemetry.RecordLookup(ctx, c.col.Name(), false)
		return nil, false
	}
	telemetry.RecordLookup(ctx, c.col.Name(), true)
	return &s, true
}

// Update applies a partial update to a session. Returns the updated session,
// or false when the session does not exist or the requested status change is
// not a legal transition. Requesting the current status is itself rejected,
// so a double Pause or Resume surfaces as a failure rather than silently
// succeeding; updates that carry no status are allowed in any state.
func (c *Cache) Update(ctx context.Context, id string, u Update) (*Session, bool) {
	s, found := c.Get(ctx, id)
	if !found {
		c.logger.Warn("update for unknown session", "session_id", id)
		return nil, false
	}

	if u.Status != nil {
		if !canTransition(s.Status, *u.Status) {
			c.logger.Warn("illegal session transition",
				"session_id", id, "from", s.Status, "to", *u.Status)
			return nil, false
		}
		telemetry.RecordSessionTransition(ctx, string(*u.Status))
	}

	apply(s, u, c.now().UTC())
	if !c.put(ctx, s) {
		return nil, false
	}
	return s, true
}

func (c *Cache) transition(ctx context.Context, id string, to Status) (*Session, bool) {
	return c.Update(ctx, id, Update{Status: &to})
}

// Pause suspends an in-progress session.
func (c *Cache) Pause(ctx context.Context, id string) (*Session, bool) {
	return c.transition(ctx, id, StatusPaused)
}

// Resume reactivates a paused session.
func (c *Cache) Resume(ctx context.Context, id string) (*Session, bool) {
	return c.transition(ctx, id, StatusInProgress)
}

// Complete marks a session finished.
func (c *Cache) Complete(ctx context.Context, id string) (*Session, bool) {
	return c.transition(ctx, id, StatusCompleted)
}

// Fail marks a session failed with a reason.
func (c *Cache) Fail(ctx context.Context, id, reason string) (*Session, bool) {
	status := StatusFailed
	return c.Update(ctx, id, Update{Status: &status, FailureReason: &reason})
}

// Resumable lists every session that can still be picked up, in progress or
// paused and inside the TTL, across all providers. This is the
// resume-after-crash entry point.
func (c *Cache) Resumable(ctx context.Context) []*Session {
	return c.filterResumable(c.col.List(ctx, 0))
}

// ResumableForProvider narrows Resumable to one provider via the index.
func (c *Cache) ResumableForProvider(ctx context.Context, providerID string) []*Session {
	return c.filterResumable(c.col.GetByIndex(ctx, FieldProviderID, providerID))
}

func (c *Cache) filterResumable(entries []*kvdb.Entry) []*Session {
	var out []*Session
	for _, entry := range entries {
		if c.now().Sub(entry.Timestamp) > c.ttl {
			continue
		}
		var s Session
		if err := entry.Unmarshal(&s); err != nil {
			c.logger.Warn("undecodable session skipped", "key", entry.Key, "error", err)
			continue
		}
		if s.Status == StatusInProgress || s.Status == StatusPaused {
			out = append(out, &s)
		}
	}
	return out
}

// IsFileUploaded reports whether the session already uploaded the given
// path, so a resumed run can skip it.
func (c *Cache) IsFileUploaded(ctx context.Context, id, path string) bool {
	s, found := c.Get(ctx, id)
	if !found {
		return false
	}
	for _, f := range s.Uploaded {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Delete removes a session.
func (c *Cache) Delete(ctx context.Context, id string) bool {
	return c.col.Delete(ctx, id)
}

// Clear removes all sessions.
func (c *Cache) Clear(ctx context.Context) bool {
	return c.col.Clear(ctx)
}

// Cleanup evicts sessions past the TTL.
func (c *Cache) Cleanup(ctx context.Context) int {
	return c.sweeper.Do(ctx, func(ctx context.Context) int {
		return c.col.DeleteOlderThan(ctx, c.ttl)
	})
}

// Stats reports session counts by lifecycle state.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Stats returns current session counts.
func (c *Cache) Stats(ctx context.Context) Stats {
	stats := Stats{
		Total:    c.col.Count(ctx),
		ByStatus: make(map[Status]int),
	}
	for _, status := range []Status{StatusInProgress, StatusPaused, StatusCompleted, StatusFailed} {
		if n := len(c.col.GetByIndex(ctx, FieldStatus, string(status))); n > 0 {
			stats.ByStatus[status] = n
		}
	}
	return stats
}
