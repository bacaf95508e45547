package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wawtrams/delaywatch/internal/model"
)

// Registry is the subset of *tracker.Registry the poller needs:
// resolve a tracker for a vehicle_id and hand it a sample. Declared
// here (rather than depending on internal/tracker's concrete type) so
// poller tests can use an in-memory fake; Go's method-set rules make a
// narrow local interface simpler than one returning another package's
// interface type.
type Registry interface {
	GetOrCreate(vehicleID string) Observer
}

// Observer is the subset of *tracker.Tracker the poller calls.
type Observer interface {
	Observe(ctx context.Context, pos model.PositionUpdate)
}

// Stats is the poller's externally-visible health snapshot (§4.4:
// "{last_poll, last_vehicle_count, last_tram_count, total_polls, errors}"),
// plus the supplemental LastError field holding the most recent fetch
// error ("" after a successful poll).
type Stats struct {
	LastPoll         time.Time
	LastVehicleCount int
	LastTramCount    int
	TotalPolls       int
	Errors           int
	LastError        string
}

// Poller periodically fetches Source, filters to tram vehicles, and
// fans each update out to the tracker registry (C5, §4.4). Grounded on
// the teacher's rodalies.Poller.Poll, generalized from a single
// domain-specific write path to the registry hand-off this system
// needs.
type Poller struct {
	source   Source
	registry Registry
	interval time.Duration

	mu    sync.Mutex
	stats Stats
}

// NewPoller builds a Poller. registry is typically an adapter wrapping
// *tracker.Registry (see cmd/delaywatchd), since Go's covariant method
// return rules mean a concrete registry returning *tracker.Tracker
// cannot satisfy this interface directly.
func NewPoller(source Source, registry Registry, interval time.Duration) *Poller {
	return &Poller{source: source, registry: registry, interval: interval}
}

// Stats returns a copy of the current poller statistics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run blocks, polling every interval until ctx is cancelled (§4.4:
// "fixed-period poll (10s)"). Per-poll failures are logged and counted
// but never stop the schedule.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	updates, err := p.source.Fetch(ctx)

	p.mu.Lock()
	p.stats.LastPoll = time.Now().UTC()
	p.stats.TotalPolls++
	if err != nil {
		p.stats.Errors++
		p.stats.LastError = err.Error()
	} else {
		p.stats.LastError = ""
	}
	p.mu.Unlock()

	if err != nil {
		log.Printf("feed: poll failed: %v", err)
		return
	}

	trams := coalesce(filterTrams(updates))

	p.mu.Lock()
	p.stats.LastVehicleCount = len(updates)
	p.stats.LastTramCount = len(trams)
	p.mu.Unlock()

	for _, update := range trams {
		tracker := p.registry.GetOrCreate(update.VehicleID)
		tracker.Observe(ctx, update)
	}
}

// filterTrams drops entities whose line is not a valid tram line
// ([1, 79], §4.4).
func filterTrams(updates []model.PositionUpdate) []model.PositionUpdate {
	trams := make([]model.PositionUpdate, 0, len(updates))
	for _, u := range updates {
		if IsTramLine(u.Line) {
			trams = append(trams, u)
		}
	}
	return trams
}

// coalesce keeps only the latest update per vehicle within one poll
// (§4.4: "successive updates for the same vehicle within the same poll
// are coalesced to the latest").
func coalesce(updates []model.PositionUpdate) []model.PositionUpdate {
	latest := make(map[string]model.PositionUpdate, len(updates))
	order := make([]string, 0, len(updates))
	for _, u := range updates {
		if _, seen := latest[u.VehicleID]; !seen {
			order = append(order, u.VehicleID)
		}
		latest[u.VehicleID] = u
	}

	result := make([]model.PositionUpdate, 0, len(order))
	for _, id := range order {
		result = append(result, latest[id])
	}
	return result
}
