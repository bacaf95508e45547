package geo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/gocarina/gocsv"
)

// ErrLookupFailed is returned by the boolean lookups on any backend
// error, per §4.1: "the store is ... required to ... surface errors
// for the boolean lookups so the caller can skip classification that
// cycle."
var ErrLookupFailed = errors.New("geo: reference lookup failed")

// Store is the read-only spatial reference store (C1). Backed by
// modernc.org/sqlite, matching the teacher's connection style
// (internal/db/sqlite.go), but schema and queries are entirely
// rebuilt for stop/intersection/terminal lookups instead of Barcelona
// vehicle-position tables.
type Store struct {
	conn *sql.DB

	nearStopRadius         float64
	nearIntersectionRadius float64
	terminalRadius         float64
}

// NewStore wraps an existing *sql.DB connection (the caller owns
// connection lifecycle and schema creation via EnsureSchema).
func NewStore(conn *sql.DB, nearStopRadius, nearIntersectionRadius, terminalRadius float64) *Store {
	return &Store{
		conn:                   conn,
		nearStopRadius:         nearStopRadius,
		nearIntersectionRadius: nearIntersectionRadius,
		terminalRadius:         terminalRadius,
	}
}

// EnsureSchema creates the reference tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ref_stops (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		is_terminal INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_ref_stops_lat ON ref_stops(lat);

	CREATE TABLE IF NOT EXISTS ref_intersections (
		id TEXT PRIMARY KEY,
		name TEXT,
		lat REAL NOT NULL,
		lon REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ref_intersections_lat ON ref_intersections(lat);

	CREATE TABLE IF NOT EXISTS ref_line_terminals (
		line TEXT NOT NULL,
		stop_id TEXT NOT NULL,
		PRIMARY KEY (line, stop_id)
	);
	`
	_, err := s.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("geo: ensure schema: %w", err)
	}
	return nil
}

// StopRow is a seedable stop, matched against ref_stops on ID.
type StopRow struct {
	ID         string  `csv:"stop_id"`
	Name       string  `csv:"stop_name"`
	Lat        float64 `csv:"stop_lat"`
	Lon        float64 `csv:"stop_lon"`
	IsTerminal bool    `csv:"is_terminal"`
}

// IntersectionRow is a seedable tram-road intersection point (§6.2:
// "a CSV of tram-road intersection points").
type IntersectionRow struct {
	ID   string  `csv:"id"`
	Name string  `csv:"name"`
	Lat  float64 `csv:"lat"`
	Lon  float64 `csv:"lon"`
}

// SeedStops loads stops from a CSV reader, idempotently upserting by
// ID (§6.2: "Seeding is idempotent; re-running must not duplicate
// rows.").
func (s *Store) SeedStops(ctx context.Context, r io.Reader) (int, error) {
	var rows []*StopRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, fmt.Errorf("geo: unmarshal stops csv: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("geo: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ref_stops (id, name, lat, lon, is_terminal)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon,
			is_terminal = excluded.is_terminal
	`)
	if err != nil {
		return 0, fmt.Errorf("geo: prepare seed stops: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ID, row.Name, row.Lat, row.Lon, boolToInt(row.IsTerminal)); err != nil {
			return 0, fmt.Errorf("geo: upsert stop %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("geo: commit seed stops: %w", err)
	}
	return len(rows), nil
}

// SeedIntersections loads intersection points from a CSV reader,
// idempotently upserting by ID.
func (s *Store) SeedIntersections(ctx context.Context, r io.Reader) (int, error) {
	var rows []*IntersectionRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, fmt.Errorf("geo: unmarshal intersections csv: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("geo: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ref_intersections (id, name, lat, lon)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon
	`)
	if err != nil {
		return 0, fmt.Errorf("geo: prepare seed intersections: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ID, row.Name, row.Lat, row.Lon); err != nil {
			return 0, fmt.Errorf("geo: upsert intersection %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("geo: commit seed intersections: %w", err)
	}
	return len(rows), nil
}

// SeedLineTerminal marks stopID as a terminal for line. Idempotent via
// INSERT OR IGNORE on the composite primary key.
func (s *Store) SeedLineTerminal(ctx context.Context, line, stopID string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ref_line_terminals (line, stop_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		line, stopID)
	if err != nil {
		return fmt.Errorf("geo: seed line terminal %s/%s: %w", line, stopID, err)
	}
	return nil
}

// NearStop reports whether (lat, lon) is within the configured stop
// radius of any stop. Errors surface to the caller (§4.1).
func (s *Store) NearStop(ctx context.Context, lat, lon float64) (bool, error) {
	return s.nearAny(ctx, "ref_stops", lat, lon, s.nearStopRadius)
}

// NearIntersection reports whether (lat, lon) is within the configured
// intersection radius of any intersection.
func (s *Store) NearIntersection(ctx context.Context, lat, lon float64) (bool, error) {
	return s.nearAny(ctx, "ref_intersections", lat, lon, s.nearIntersectionRadius)
}

// LineHasTerminalAt reports whether there exists a stop within the
// terminal approach radius whose (line, stop_id) is a registered
// terminal pair (§4.1: "per line — a stop that is a terminal for one
// line may be a regular stop for another").
func (s *Store) LineHasTerminalAt(ctx context.Context, line string, lat, lon float64) (bool, error) {
	latMin, latMax, lonMin, lonMax := BoundingBox(lat, lon, s.terminalRadius)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT s.id, s.lat, s.lon
		FROM ref_stops s
		JOIN ref_line_terminals t ON t.stop_id = s.id AND t.line = ?
		WHERE s.lat BETWEEN ? AND ? AND s.lon BETWEEN ? AND ?
	`, line, latMin, latMax, lonMin, lonMax)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var sLat, sLon float64
		if err := rows.Scan(&id, &sLat, &sLon); err != nil {
			return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		if Within(lat, lon, sLat, sLon, s.terminalRadius) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return false, nil
}

func (s *Store) nearAny(ctx context.Context, table string, lat, lon, radius float64) (bool, error) {
	latMin, latMax, lonMin, lonMax := BoundingBox(lat, lon, radius)

	// #nosec G201 -- table is one of two fixed literals passed by this
	// package's own methods, never caller-controlled.
	query := fmt.Sprintf(`SELECT lat, lon FROM %s WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`, table)
	rows, err := s.conn.QueryContext(ctx, query, latMin, latMax, lonMin, lonMax)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rLat, rLon float64
		if err := rows.Scan(&rLat, &rLon); err != nil {
			return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		if Within(lat, lon, rLat, rLon, radius) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return false, nil
}

// NearestStopName returns the name of the nearest stop to (lat, lon),
// or "" if the store errors or nothing is found — name lookups fail
// open per §4.1 ("treat errors as 'no match found' only for the name
// lookups").
func (s *Store) NearestStopName(ctx context.Context, lat, lon float64) string {
	name, err := s.nearestName(ctx, "ref_stops", lat, lon)
	if err != nil {
		log.Printf("geo: nearest stop name lookup failed, treating as not found: %v", err)
		return ""
	}
	return name
}

// NearestIntersectionName returns the name of the nearest intersection
// to (lat, lon), or "" if not found or on error (§4.1).
func (s *Store) NearestIntersectionName(ctx context.Context, lat, lon float64) string {
	name, err := s.nearestName(ctx, "ref_intersections", lat, lon)
	if err != nil {
		log.Printf("geo: nearest intersection name lookup failed, treating as not found: %v", err)
		return ""
	}
	return name
}

func (s *Store) nearestName(ctx context.Context, table string, lat, lon float64) (string, error) {
	// #nosec G201 -- table is one of two fixed literals passed by this
	// package's own methods, never caller-controlled.
	query := fmt.Sprintf(`SELECT name, lat, lon FROM %s`, table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	best := ""
	bestDist := -1.0
	for rows.Next() {
		var name sql.NullString
		var rLat, rLon float64
		if err := rows.Scan(&name, &rLat, &rLon); err != nil {
			return "", err
		}
		d := Haversine(lat, lon, rLat, rLon)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			if name.Valid {
				best = name.String
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return best, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
