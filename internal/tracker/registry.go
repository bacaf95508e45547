package tracker

import (
	"context"
	"sync"
	"time"
)

// Registry owns the set of live per-vehicle Trackers (C4, §4.3). It
// guarantees at most one Tracker per vehicle_id and reaps trackers that
// have gone quiet, force-resolving any event they were still holding.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker

	cfg        Config
	refStore   ReferenceStore
	eventStore EventStore
	publisher  Publisher
	now        func() time.Time

	idleTimeout time.Duration
}

// NewRegistry creates a Registry. idleTimeout is the inactivity window
// after which a vehicle's tracker is reaped (§4.3: "5 minutes with no
// update"). now defaults to time.Now if nil.
func NewRegistry(cfg Config, refStore ReferenceStore, eventStore EventStore, publisher Publisher, idleTimeout time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		trackers:    make(map[string]*Tracker),
		cfg:         cfg,
		refStore:    refStore,
		eventStore:  eventStore,
		publisher:   publisher,
		now:         now,
		idleTimeout: idleTimeout,
	}
}

// GetOrCreate returns the tracker for vehicleID, creating it on first
// sight (§4.3: "GetOrCreate(vehicle_id)").
func (r *Registry) GetOrCreate(vehicleID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[vehicleID]; ok {
		return t
	}
	t := New(vehicleID, r.cfg, r.refStore, r.eventStore, r.publisher, r.now)
	r.trackers[vehicleID] = t
	return t
}

// Count returns the number of currently tracked vehicles.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// ReapIdle force-resolves and drops every tracker that has not been
// observed within idleTimeout (§4.3: "a vehicle dropping off the feed
// never leaves an event dangling in memory"). Called periodically by
// cmd/delaywatchd's reapLoop, on its own ticker.
func (r *Registry) ReapIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.idleTimeout)

	r.mu.Lock()
	stale := make([]*Tracker, 0)
	for id, t := range r.trackers {
		if t.LastSeen().Before(cutoff) {
			stale = append(stale, t)
			delete(r.trackers, id)
		}
	}
	r.mu.Unlock()

	for _, t := range stale {
		t.Terminate(ctx, r.now())
	}
	return len(stale)
}

// ResolveOrphans deletes every unresolved event left behind by a prior
// process run (§4.3/§4.4: "on process start ... deleted, not
// resolved"). Must be called exactly once, before the poller starts
// feeding samples to this registry.
func (r *Registry) ResolveOrphans(ctx context.Context) (int, error) {
	return r.eventStore.DeleteOrphansUnresolved(ctx)
}
