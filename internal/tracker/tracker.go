// Package tracker implements the per-vehicle delay-detection state
// machine (C3, §4.2) — the core of this system. One Tracker is
// created per vehicle_id by the registry (C4, internal/tracker's
// Registry) and fed a serialized stream of position updates.
package tracker

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/wawtrams/delaywatch/internal/geo"
	"github.com/wawtrams/delaywatch/internal/model"
	"github.com/wawtrams/delaywatch/internal/store"
)

const maxSamples = 10

// ReferenceStore is the subset of C1 a tracker needs (§4.2.3).
// *geo.Store satisfies this interface.
type ReferenceStore interface {
	NearStop(ctx context.Context, lat, lon float64) (bool, error)
	NearIntersection(ctx context.Context, lat, lon float64) (bool, error)
	LineHasTerminalAt(ctx context.Context, line string, lat, lon float64) (bool, error)
}

// EventStore is the subset of C2 a tracker needs (§6.3). *store.DB
// satisfies this interface.
type EventStore interface {
	Create(ctx context.Context, a store.CreateAttrs) (string, error)
	Resolve(ctx context.Context, id string, resolvedAt time.Time, durationSeconds int, multiCycle bool) error
	DeleteOrphansUnresolved(ctx context.Context) (int, error)
}

// Publisher is the subset of C6 a tracker needs (§6.5). *broker.Broker
// satisfies this interface.
type Publisher interface {
	PublishDelayStarted(event model.DelayEvent)
	PublishDelayResolved(event model.DelayEvent)
}

// Config holds the tunable thresholds from §4.2 and §6.4, sourced
// from internal/config.Config.
type Config struct {
	StoppedSpeedKMH        float64
	DwellThresholdSec      int
	BriefStopThresholdSec  int
	SignalCycleSeconds     int
	ReferenceLookupTimeout time.Duration
}

// Tracker is the per-vehicle state machine. All exported methods are
// safe for concurrent use, but the registry guarantees there is never
// more than one concurrent caller per vehicle (§5: "no two updates for
// the same vehicle are ever processed concurrently").
type Tracker struct {
	mu sync.Mutex

	vehicleID string
	cfg       Config
	refStore  ReferenceStore
	eventStore EventStore
	publisher Publisher
	now       func() time.Time

	samples      []model.PositionUpdate // newest first, len <= maxSamples
	state        model.VehicleState
	stoppedSince *time.Time
	spatial      model.SpatialContext
	activeLine   string
	activeEvent  *model.DelayEvent // non-nil iff an unresolved event is owned by this tracker

	lastSeen time.Time
}

// New creates a Tracker for vehicleID. now defaults to time.Now if nil
// (tests can inject a fixed/advancing clock).
func New(vehicleID string, cfg Config, refStore ReferenceStore, eventStore EventStore, publisher Publisher, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		vehicleID:  vehicleID,
		cfg:        cfg,
		refStore:   refStore,
		eventStore: eventStore,
		publisher:  publisher,
		now:        now,
		state:      model.StateUnknown,
		lastSeen:   now(),
	}
}

// LastSeen returns the time of the most recently observed sample, used
// by the registry's idle reaper (§4.3).
func (t *Tracker) LastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Snapshot is a read-only view of tracker state, for status reporting
// and tests.
type Snapshot struct {
	VehicleID       string
	State           model.VehicleState
	StoppedSince    *time.Time
	Spatial         model.SpatialContext
	HasActiveEvent  bool
	ActiveEventID   string
}

// Snapshot returns the current tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		VehicleID:    t.vehicleID,
		State:        t.state,
		StoppedSince: t.stoppedSince,
		Spatial:      t.spatial,
	}
	if t.activeEvent != nil {
		s.HasActiveEvent = true
		s.ActiveEventID = t.activeEvent.ID
	}
	return s
}

// Observe processes one position update (§4.2). Failures internal to
// a single cycle (spatial lookup timeout, event-store write failure)
// are logged and swallowed per §4.2.6/§7 — nothing here is fatal to
// the tracker or the process.
func (t *Tracker) Observe(ctx context.Context, pos model.PositionUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSeen = t.now()
	if pos.Line != "" {
		t.activeLine = pos.Line
	}

	t.pushSample(pos)

	speed, ok := t.currentSpeedKMH()
	if !ok {
		// §4.2.2: speed undefined -> Unknown, no other side effects.
		t.state = model.StateUnknown
		return
	}

	wasStopped := t.state == model.StateStopped
	sampleClock := pos.FeedTimestamp

	if speed >= t.cfg.StoppedSpeedKMH {
		t.transitionToMoving(ctx, sampleClock)
		return
	}

	// speed < threshold
	t.state = model.StateStopped
	if !wasStopped {
		since := sampleClock
		t.stoppedSince = &since
		t.spatial = model.SpatialContext{} // cache stays cleared (§4.2.2)
	}
	t.evaluateStopped(ctx, pos, sampleClock)
}

func (t *Tracker) pushSample(pos model.PositionUpdate) {
	t.samples = append([]model.PositionUpdate{pos}, t.samples...)
	if len(t.samples) > maxSamples {
		t.samples = t.samples[:maxSamples]
	}
}

// currentSpeedKMH computes speed from the two newest samples (§4.2.1).
// Returns ok=false if fewer than two samples exist or elapsed <= 0.
func (t *Tracker) currentSpeedKMH() (float64, bool) {
	if len(t.samples) < 2 {
		return 0, false
	}
	newest, prev := t.samples[0], t.samples[1]
	elapsed := newest.FeedTimestamp.Sub(prev.FeedTimestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	distanceMeters := geo.Haversine(prev.Lat, prev.Lon, newest.Lat, newest.Lon)
	metersPerSecond := distanceMeters / elapsed
	return metersPerSecond * 3.6, true
}

// transitionToMoving handles the "speed >= threshold" row of §4.2.2.
func (t *Tracker) transitionToMoving(ctx context.Context, now time.Time) {
	t.state = model.StateMoving
	t.stoppedSince = nil
	t.spatial = model.SpatialContext{}
	if t.activeEvent != nil {
		t.resolveActive(ctx, now)
	}
}

// evaluateStopped runs spatial resolution (§4.2.3) and classification
// (§4.2.4) for a sample found Stopped.
func (t *Tracker) evaluateStopped(ctx context.Context, pos model.PositionUpdate, now time.Time) {
	if !t.spatial.Resolved {
		if !t.resolveSpatialContext(ctx, pos) {
			return // lookup failed: skip classification this cycle (§4.2.6)
		}
	}

	duration := now.Sub(*t.stoppedSince)
	classification := classify(duration, t.spatial, t.cfg)
	if !classification.PersistWorthy() {
		return
	}
	if t.activeEvent != nil {
		return // escalation: one immobility, one event (§4.2.5)
	}

	t.createActive(ctx, pos, classification)
}

func (t *Tracker) resolveSpatialContext(ctx context.Context, pos model.PositionUpdate) bool {
	lookupCtx, cancel := context.WithTimeout(ctx, t.cfg.ReferenceLookupTimeout)
	defer cancel()

	atTerminal := false
	if pos.Line != "" {
		var err error
		atTerminal, err = t.refStore.LineHasTerminalAt(lookupCtx, pos.Line, pos.Lat, pos.Lon)
		if err != nil {
			log.Printf("tracker %s: terminal lookup failed, skipping classification this cycle: %v", t.vehicleID, err)
			return false
		}
	}

	atStop, err := t.refStore.NearStop(lookupCtx, pos.Lat, pos.Lon)
	if err != nil {
		log.Printf("tracker %s: at_stop lookup failed, skipping classification this cycle: %v", t.vehicleID, err)
		return false
	}

	nearIntersection, err := t.refStore.NearIntersection(lookupCtx, pos.Lat, pos.Lon)
	if err != nil {
		log.Printf("tracker %s: near_intersection lookup failed, skipping classification this cycle: %v", t.vehicleID, err)
		return false
	}

	t.spatial = model.SpatialContext{
		Resolved:         true,
		AtStop:           atStop,
		NearIntersection: nearIntersection,
		AtTerminal:       atTerminal,
	}
	return true
}

// classify implements §4.2.4.
func classify(duration time.Duration, spatial model.SpatialContext, cfg Config) model.Classification {
	if spatial.AtTerminal {
		return model.ClassificationIgnored
	}
	seconds := int(duration.Seconds())
	if spatial.AtStop {
		if seconds <= cfg.DwellThresholdSec {
			return model.ClassificationNormalDwell
		}
		return model.ClassificationBlockage
	}
	if seconds <= cfg.BriefStopThresholdSec {
		return model.ClassificationBriefStop
	}
	return model.ClassificationDelay
}

func (t *Tracker) createActive(ctx context.Context, pos model.PositionUpdate, classification model.Classification) {
	startedAt := *t.stoppedSince
	id, err := t.eventStore.Create(ctx, store.CreateAttrs{
		VehicleID:        t.vehicleID,
		Line:             pos.Line,
		TripID:           pos.TripID,
		Lat:              pos.Lat,
		Lon:              pos.Lon,
		StartedAt:        startedAt,
		Classification:   classification,
		AtStop:           t.spatial.AtStop,
		NearIntersection: t.spatial.NearIntersection,
	})
	if err != nil {
		// §4.2.6: log, do not retry within this sample; a later sample
		// while still stopped will attempt again.
		log.Printf("tracker %s: failed to create delay event: %v", t.vehicleID, err)
		return
	}

	event := &model.DelayEvent{
		ID:               id,
		VehicleID:        t.vehicleID,
		Line:             pos.Line,
		TripID:           pos.TripID,
		Lat:              pos.Lat,
		Lon:              pos.Lon,
		StartedAt:        startedAt,
		Classification:   classification,
		AtStop:           t.spatial.AtStop,
		NearIntersection: t.spatial.NearIntersection,
	}
	t.activeEvent = event
	t.publisher.PublishDelayStarted(*event)
}

func (t *Tracker) resolveActive(ctx context.Context, resolvedAt time.Time) {
	event := t.activeEvent
	duration := resolvedAt.Sub(event.StartedAt)
	durationSeconds := int(math.Floor(duration.Seconds()))
	multiCycle := durationSeconds > t.cfg.SignalCycleSeconds && event.NearIntersection

	if err := t.eventStore.Resolve(ctx, event.ID, resolvedAt, durationSeconds, multiCycle); err != nil {
		// §4.2.6: the event remains unresolved in the store; orphan
		// resolution on next restart will clean it up. The tracker
		// itself has moved past this immobility and must not retry.
		log.Printf("tracker %s: failed to resolve delay event %s: %v", t.vehicleID, event.ID, err)
		t.activeEvent = nil
		return
	}

	event.ResolvedAt = &resolvedAt
	event.DurationSeconds = &durationSeconds
	event.MultiCycle = multiCycle
	t.publisher.PublishDelayResolved(*event)
	t.activeEvent = nil
}

// Terminate force-resolves any active delay event as of now, used by
// the registry's idle reaper (§4.3: "a vehicle dropping off the feed
// never leaves an event dangling in memory").
func (t *Tracker) Terminate(ctx context.Context, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeEvent != nil {
		t.resolveActive(ctx, now)
	}
}
