package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultGraceWindow   = 30 * time.Second
	defaultSweepInterval = 30 * time.Second

	// The stale ceiling reclaims sessions whose channel never reported a
	// clean close. Defaults to 10x the grace window.
	defaultStaleFactor = 10
)

// RegistryConfig tunes the two-tier reclamation.
type RegistryConfig struct {
	// GraceWindow is how long a closed session stays queryable so the
	// follow-up callback can still read its resolved identity.
	GraceWindow time.Duration

	// StaleCeiling bounds the age of never-closed sessions.
	StaleCeiling time.Duration

	// SweepInterval is the background reclamation cadence.
	SweepInterval time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.StaleCeiling <= 0 {
		c.StaleCeiling = defaultStaleFactor * c.GraceWindow
	}
	return c
}

// Handle is the view of a session the registry and the callback need.
type Handle interface {
	Identity() (Identity, error)
	Close()
}

type registryEntry struct {
	sess      Handle
	createdAt time.Time
	closedAt  time.Time // zero while the owning channel is still open
}

// Registry is the process-wide table of login sessions. Entries are never
// removed synchronously on channel close: the follow-up HTTP callback must
// still find the resolved identity, so removal is deferred to the sweep.
type Registry struct {
	log     *slog.Logger
	cfg     RegistryConfig
	metrics *Metrics

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewRegistry constructs an empty registry. It is constructed once at
// process startup and injected into the entry point and callback handler.
func NewRegistry(log *slog.Logger, cfg RegistryConfig, m *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		cfg:     cfg.withDefaults(),
		metrics: m,
		entries: make(map[string]*registryEntry),
	}
}

// Put inserts a new session. Ids are ULIDs, so a collision means a caller
// bug and is rejected rather than silently overwritten.
func (r *Registry) Put(id string, sess Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return ErrDuplicateSessionID
	}
	r.entries[id] = &registryEntry{sess: sess, createdAt: time.Now().UTC()}
	return nil
}

// Get returns the session for id, live or recently completed.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// MarkClosed records that the owning client channel has closed. The entry
// stays queryable until the grace window elapses. First close wins.
func (r *Registry) MarkClosed(id string, now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !e.closedAt.IsZero() {
		return
	}
	e.closedAt = now
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep reclaims entries that closed longer than the grace window ago, and
// entries older than the stale ceiling that never reported a close. It
// returns the number of removed sessions.
func (r *Registry) Sweep(now time.Time) int {
	type victim struct {
		id     string
		sess   Handle
		reason string
	}

	r.mu.Lock()
	var victims []victim
	for id, e := range r.entries {
		switch {
		case !e.closedAt.IsZero() && now.Sub(e.closedAt) >= r.cfg.GraceWindow:
			victims = append(victims, victim{id, e.sess, "grace"})
		case now.Sub(e.createdAt) >= r.cfg.StaleCeiling:
			victims = append(victims, victim{id, e.sess, "stale"})
		}
	}
	for _, v := range victims {
		delete(r.entries, v.id)
	}
	r.mu.Unlock()

	// Close outside the lock; session teardown is idempotent.
	for _, v := range victims {
		v.sess.Close()
		r.metrics.sessionSwept(v.reason)
		r.log.Debug("registry.sweep.removed", "session_id", v.id, "reason", v.reason)
	}
	return len(victims)
}

// Run sweeps periodically until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(time.Now().UTC()); n > 0 {
				r.log.Info("registry.sweep", "removed", n, "remaining", r.Len())
			}
		}
	}
}
