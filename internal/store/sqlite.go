// Package store implements the delay-event store (C2) and the
// hourly/daily/pattern aggregate store (C7's persistence), both backed
// by modernc.org/sqlite, following the teacher's connection and schema
// style (internal/db/sqlite.go in the teacher repo).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection shared by the event store and the
// aggregate store.
type DB struct {
	conn *sql.DB
}

// Connect opens a SQLite database with WAL mode enabled, exactly as
// the teacher's db.Connect does.
func Connect(dbPath string) (*DB, error) {
	dsn := dbPath + "?_journal=WAL&_fk=1&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite only supports one writer at a time; cap the pool to avoid
	// "cannot start a transaction within a transaction" errors, as the
	// teacher does.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("store: warning: failed to set %s: %v", pragma, err)
		}
	}

	return &DB{conn: conn}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying *sql.DB, for use by the geo reference
// store when it is colocated in the same database file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// EnsureSchema creates the delay-event and aggregate tables if they do
// not already exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS delay_events (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL,
		line TEXT,
		trip_id TEXT,
		lat REAL NOT NULL,
		lon REAL NOT NULL,
		started_at TEXT NOT NULL,
		resolved_at TEXT,
		duration_seconds INTEGER,
		classification TEXT NOT NULL,
		at_stop INTEGER NOT NULL,
		near_intersection INTEGER NOT NULL,
		multi_cycle INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_delay_events_vehicle ON delay_events(vehicle_id);
	CREATE INDEX IF NOT EXISTS idx_delay_events_started ON delay_events(started_at);
	CREATE INDEX IF NOT EXISTS idx_delay_events_unresolved ON delay_events(vehicle_id, resolved_at);

	CREATE TABLE IF NOT EXISTS hourly_intersection_stats (
		date TEXT NOT NULL,
		hour INTEGER NOT NULL,
		lat_round REAL NOT NULL,
		lon_round REAL NOT NULL,
		delay_count INTEGER NOT NULL,
		multi_cycle_count INTEGER NOT NULL,
		total_seconds INTEGER NOT NULL,
		cost_pln REAL NOT NULL,
		lines TEXT NOT NULL, -- comma-joined sorted set
		PRIMARY KEY (date, hour, lat_round, lon_round)
	);
	CREATE INDEX IF NOT EXISTS idx_hourly_stats_date ON hourly_intersection_stats(date);

	CREATE TABLE IF NOT EXISTS daily_intersection_stats (
		date TEXT NOT NULL,
		lat_round REAL NOT NULL,
		lon_round REAL NOT NULL,
		delay_count INTEGER NOT NULL,
		multi_cycle_count INTEGER NOT NULL,
		total_seconds INTEGER NOT NULL,
		cost_pln REAL NOT NULL,
		nearest_stop_name TEXT,
		PRIMARY KEY (date, lat_round, lon_round)
	);

	CREATE TABLE IF NOT EXISTS daily_line_stats (
		date TEXT NOT NULL,
		line TEXT NOT NULL,
		delay_count INTEGER NOT NULL,
		blockage_count INTEGER NOT NULL,
		total_seconds INTEGER NOT NULL,
		intersection_count INTEGER NOT NULL,
		PRIMARY KEY (date, line)
	);

	CREATE TABLE IF NOT EXISTS daily_line_hour_stats (
		date TEXT NOT NULL,
		line TEXT NOT NULL,
		hour INTEGER NOT NULL,
		delay_count INTEGER NOT NULL,
		blockage_count INTEGER NOT NULL,
		total_seconds INTEGER NOT NULL,
		intersection_delays INTEGER NOT NULL,
		PRIMARY KEY (date, line, hour)
	);

	CREATE TABLE IF NOT EXISTS hourly_pattern (
		day_of_week INTEGER NOT NULL,
		hour INTEGER NOT NULL,
		delay_count INTEGER NOT NULL,
		blockage_count INTEGER NOT NULL,
		PRIMARY KEY (day_of_week, hour)
	);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}
