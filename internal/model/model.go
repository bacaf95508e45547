// Package model holds the shared data types that flow between the
// poller, the vehicle tracker, the event store, and the aggregator.
package model

import "time"

// PositionUpdate is a single decoded GTFS-Realtime vehicle position,
// as handed to a tracker by the poller (§6.1). The protobuf codec that
// produces this struct lives in internal/feed and is not a dependency
// of anything in this package.
type PositionUpdate struct {
	VehicleID string // e.g. "V/17/5"
	Line      string // tram line number, digits only
	TripID    string // empty if unknown
	Lat       float64
	Lon       float64
	FeedTimestamp time.Time
}

// VehicleState is the coarse motion state of a tracked vehicle (§3).
type VehicleState int

const (
	StateUnknown VehicleState = iota
	StateMoving
	StateStopped
)

func (s VehicleState) String() string {
	switch s {
	case StateMoving:
		return "moving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Classification is the persisted delay classification (§3, §4.2.4).
// NormalDwell, BriefStop, and Ignored are internal labels that are
// never written to the event store.
type Classification int

const (
	ClassificationNone Classification = iota
	ClassificationNormalDwell
	ClassificationBriefStop
	ClassificationIgnored
	ClassificationDelay
	ClassificationBlockage
)

func (c Classification) String() string {
	switch c {
	case ClassificationNormalDwell:
		return "normal_dwell"
	case ClassificationBriefStop:
		return "brief_stop"
	case ClassificationIgnored:
		return "ignored"
	case ClassificationDelay:
		return "delay"
	case ClassificationBlockage:
		return "blockage"
	default:
		return "none"
	}
}

// PersistWorthy reports whether this classification must be written to
// the event store (§4.2.4: "exactly {blockage, delay}").
func (c Classification) PersistWorthy() bool {
	return c == ClassificationDelay || c == ClassificationBlockage
}

// SpatialContext is the cached triple resolved from the reference
// store the first time a tracker is found stopped at a new location
// (§4.2.3).
type SpatialContext struct {
	Resolved        bool
	AtStop          bool
	NearIntersection bool
	AtTerminal      bool
}

// DelayEvent is the persistent record owned by the delay-event store
// (C2, §3).
type DelayEvent struct {
	ID               string
	VehicleID        string
	Line             string
	TripID           string
	Lat              float64
	Lon              float64
	StartedAt        time.Time
	ResolvedAt       *time.Time
	DurationSeconds  *int
	Classification   Classification
	AtStop           bool
	NearIntersection bool
	MultiCycle       bool
}

// IsResolved reports whether this event has a resolution recorded.
func (e *DelayEvent) IsResolved() bool {
	return e.ResolvedAt != nil
}

// Stop is a reference-store stop/platform (§3).
type Stop struct {
	ID         string
	Name       string
	Lat        float64
	Lon        float64
	IsTerminal bool
}

// Intersection is a reference-store tram/road crossing point (§3).
type Intersection struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

// TimeRange is a half-open [Start, End) interval used by event-store
// scans (§6.3).
type TimeRange struct {
	Start time.Time
	End   time.Time
}
