package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wawtrams/delaywatch/internal/model"
)

// ErrNotFound is returned by Get when no event exists for the given id.
var ErrNotFound = errors.New("store: event not found")

const timeLayout = time.RFC3339Nano

// CreateAttrs is the input to Create (§6.3: "create(event_attrs)").
type CreateAttrs struct {
	VehicleID        string
	Line             string
	TripID           string
	Lat              float64
	Lon              float64
	StartedAt        time.Time
	Classification   model.Classification
	AtStop           bool
	NearIntersection bool
}

// Create inserts a new unresolved delay event and returns its id
// (§6.3, §4.2.5).
func (db *DB) Create(ctx context.Context, a CreateAttrs) (string, error) {
	id := uuid.New().String()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO delay_events (
			id, vehicle_id, line, trip_id, lat, lon, started_at,
			resolved_at, duration_seconds, classification, at_stop,
			near_intersection, multi_cycle
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, 0)
	`, id, a.VehicleID, nullIfEmpty(a.Line), nullIfEmpty(a.TripID), a.Lat, a.Lon,
		a.StartedAt.UTC().Format(timeLayout), a.Classification.String(),
		boolToInt(a.AtStop), boolToInt(a.NearIntersection))
	if err != nil {
		return "", fmt.Errorf("store: create delay event: %w", err)
	}
	return id, nil
}

// Get returns the event with the given id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (*model.DelayEvent, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, vehicle_id, line, trip_id, lat, lon, started_at,
			resolved_at, duration_seconds, classification, at_stop,
			near_intersection, multi_cycle
		FROM delay_events WHERE id = ?
	`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delay event %s: %w", id, err)
	}
	return event, nil
}

// FindUnresolvedByVehicle returns the active unresolved event for a
// vehicle, or nil if none exists (§6.3, §3 invariant: at most one).
func (db *DB) FindUnresolvedByVehicle(ctx context.Context, vehicleID string) (*model.DelayEvent, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, vehicle_id, line, trip_id, lat, lon, started_at,
			resolved_at, duration_seconds, classification, at_stop,
			near_intersection, multi_cycle
		FROM delay_events
		WHERE vehicle_id = ? AND resolved_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1
	`, vehicleID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find unresolved event for %s: %w", vehicleID, err)
	}
	return event, nil
}

// Resolve sets resolvedAt/durationSeconds/multiCycle on an event
// (§6.3, §4.2.5).
func (db *DB) Resolve(ctx context.Context, id string, resolvedAt time.Time, durationSeconds int, multiCycle bool) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE delay_events
		SET resolved_at = ?, duration_seconds = ?, multi_cycle = ?
		WHERE id = ?
	`, resolvedAt.UTC().Format(timeLayout), durationSeconds, boolToInt(multiCycle), id)
	if err != nil {
		return fmt.Errorf("store: resolve delay event %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: resolve delay event %s: %w", id, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrphansUnresolved deletes every unresolved event, and returns
// the number deleted (§4.3: "on process start, unresolved events ...
// from prior runs are deleted, not resolved").
func (db *DB) DeleteOrphansUnresolved(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM delay_events WHERE resolved_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("store: delete orphan events: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete orphan events: %w", err)
	}
	return int(rows), nil
}

// ScanFilters narrows a Scan call (§6.3: "scan(time_range, filters)").
type ScanFilters struct {
	VehicleID        string // exact match, ignored if empty
	Line             string // exact match, ignored if empty
	NearIntersection *bool  // nil means unfiltered
	OnlyResolved     bool
}

// Scan returns events with StartedAt in [r.Start, r.End), optionally
// narrowed by filters. Used by the aggregator (C7) and query router
// (C8).
func (db *DB) Scan(ctx context.Context, r model.TimeRange, f ScanFilters) ([]*model.DelayEvent, error) {
	query := `
		SELECT id, vehicle_id, line, trip_id, lat, lon, started_at,
			resolved_at, duration_seconds, classification, at_stop,
			near_intersection, multi_cycle
		FROM delay_events
		WHERE started_at >= ? AND started_at < ?
	`
	args := []any{r.Start.UTC().Format(timeLayout), r.End.UTC().Format(timeLayout)}

	if f.VehicleID != "" {
		query += " AND vehicle_id = ?"
		args = append(args, f.VehicleID)
	}
	if f.Line != "" {
		query += " AND line = ?"
		args = append(args, f.Line)
	}
	if f.NearIntersection != nil {
		query += " AND near_intersection = ?"
		args = append(args, boolToInt(*f.NearIntersection))
	}
	if f.OnlyResolved {
		query += " AND resolved_at IS NOT NULL"
	}
	query += " ORDER BY started_at ASC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: scan delay events: %w", err)
	}
	defer rows.Close()

	var events []*model.DelayEvent
	for rows.Next() {
		event, err := scanEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan delay events: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan delay events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.DelayEvent, error) {
	return scanEventRows(row)
}

func scanEventRows(row rowScanner) (*model.DelayEvent, error) {
	var (
		id, vehicleID, startedAt, classification string
		line, tripID, resolvedAt                 sql.NullString
		lat, lon                                 float64
		durationSeconds                          sql.NullInt64
		atStop, nearIntersection, multiCycle     int
	)
	if err := row.Scan(&id, &vehicleID, &line, &tripID, &lat, &lon, &startedAt,
		&resolvedAt, &durationSeconds, &classification, &atStop, &nearIntersection, &multiCycle); err != nil {
		return nil, err
	}

	event := &model.DelayEvent{
		ID:               id,
		VehicleID:        vehicleID,
		Line:             line.String,
		TripID:           tripID.String,
		Lat:              lat,
		Lon:              lon,
		Classification:   classificationFromString(classification),
		AtStop:           atStop != 0,
		NearIntersection: nearIntersection != 0,
		MultiCycle:       multiCycle != 0,
	}

	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	event.StartedAt = t

	if resolvedAt.Valid {
		rt, err := time.Parse(timeLayout, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		event.ResolvedAt = &rt
	}
	if durationSeconds.Valid {
		d := int(durationSeconds.Int64)
		event.DurationSeconds = &d
	}

	return event, nil
}

func classificationFromString(s string) model.Classification {
	switch s {
	case "delay":
		return model.ClassificationDelay
	case "blockage":
		return model.ClassificationBlockage
	default:
		return model.ClassificationNone
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
