package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// HourlyIntersectionRow is one upserted row of the HourlyIntersectionStat
// aggregate (§3, §4.6 step 3-4).
type HourlyIntersectionRow struct {
	Date            string
	Hour            int
	LatRound        float64
	LonRound        float64
	DelayCount      int
	MultiCycleCount int
	TotalSeconds    int
	CostPln         float64
	Lines           []string
}

// HourLineRow is one upserted row of the per-(date,line,hour) raw
// contribution, the source-of-truth table DailyLineStat.by_hour and
// DailyLineStat are folded from (§3: "by_hour: map<hour→{...}>").
type HourLineRow struct {
	Date                string
	Line                string
	Hour                int
	DelayCount          int
	BlockageCount       int
	TotalSeconds        int
	IntersectionDelays  int // delay_count among these that were near_intersection
}

// ReplaceHourIntersectionStats replaces every HourlyIntersectionStat
// row for (date, hour) with rows, implementing the spec's
// replace-on-(date,hour,location) idempotence (§4.6 step 4, property
// law 6): re-running the same hour produces byte-identical rows
// because the old rows for that hour are deleted first, inside the
// same transaction as the insert.
func (db *DB) ReplaceHourIntersectionStats(ctx context.Context, date string, hour int, rows []HourlyIntersectionRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin replace hourly intersection stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hourly_intersection_stats WHERE date = ? AND hour = ?`, date, hour); err != nil {
		return fmt.Errorf("store: clear hourly intersection stats for %s hour %d: %w", date, hour, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hourly_intersection_stats (
			date, hour, lat_round, lon_round, delay_count,
			multi_cycle_count, total_seconds, cost_pln, lines
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert hourly intersection stats: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		lines := append([]string(nil), r.Lines...)
		sort.Strings(lines)
		if _, err := stmt.ExecContext(ctx, r.Date, r.Hour, r.LatRound, r.LonRound,
			r.DelayCount, r.MultiCycleCount, r.TotalSeconds, r.CostPln, strings.Join(lines, ",")); err != nil {
			return fmt.Errorf("store: insert hourly intersection stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replace hourly intersection stats: %w", err)
	}
	return nil
}

// ReplaceHourLineStats replaces every daily_line_hour_stats row for
// (date, hour) with rows, same replace semantics as
// ReplaceHourIntersectionStats.
func (db *DB) ReplaceHourLineStats(ctx context.Context, date string, hour int, rows []HourLineRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin replace hourly line stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_line_hour_stats WHERE date = ? AND hour = ?`, date, hour); err != nil {
		return fmt.Errorf("store: clear hourly line stats for %s hour %d: %w", date, hour, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_line_hour_stats (
			date, line, hour, delay_count, blockage_count,
			total_seconds, intersection_delays
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert hourly line stats: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Date, r.Line, r.Hour, r.DelayCount,
			r.BlockageCount, r.TotalSeconds, r.IntersectionDelays); err != nil {
			return fmt.Errorf("store: insert hourly line stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit replace hourly line stats: %w", err)
	}
	return nil
}

// RecomputeDailyIntersectionStats folds hourly_intersection_stats rows
// for date into daily_intersection_stats (§3: "additive sums over the
// day's hours"). Recomputing from the hourly source-of-truth table,
// rather than blindly incrementing, keeps the daily rollup idempotent
// across hourly reruns too (see DESIGN.md).
func (db *DB) RecomputeDailyIntersectionStats(ctx context.Context, date string, nearestStopName func(lat, lon float64) string) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT lat_round, lon_round,
			SUM(delay_count), SUM(multi_cycle_count), SUM(total_seconds), SUM(cost_pln)
		FROM hourly_intersection_stats
		WHERE date = ?
		GROUP BY lat_round, lon_round
	`, date)
	if err != nil {
		return fmt.Errorf("store: fold daily intersection stats for %s: %w", date, err)
	}
	defer rows.Close()

	type agg struct {
		lat, lon                   float64
		delayCount, multiCycleCount, totalSeconds int
		costPln                     float64
	}
	var aggs []agg
	for rows.Next() {
		var a agg
		if err := rows.Scan(&a.lat, &a.lon, &a.delayCount, &a.multiCycleCount, &a.totalSeconds, &a.costPln); err != nil {
			return fmt.Errorf("store: fold daily intersection stats for %s: %w", date, err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: fold daily intersection stats for %s: %w", date, err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin recompute daily intersection stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_intersection_stats WHERE date = ?`, date); err != nil {
		return fmt.Errorf("store: clear daily intersection stats for %s: %w", date, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_intersection_stats (
			date, lat_round, lon_round, delay_count, multi_cycle_count,
			total_seconds, cost_pln, nearest_stop_name
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert daily intersection stats: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		var name string
		if nearestStopName != nil {
			name = nearestStopName(a.lat, a.lon)
		}
		if _, err := stmt.ExecContext(ctx, date, a.lat, a.lon, a.delayCount,
			a.multiCycleCount, a.totalSeconds, a.costPln, name); err != nil {
			return fmt.Errorf("store: insert daily intersection stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit recompute daily intersection stats: %w", err)
	}
	return nil
}

// RecomputeDailyLineStats folds daily_line_hour_stats rows for date
// into daily_line_stats (§3: "DailyLineStat ... additive sums").
//
// intersection_count is the number of DISTINCT intersections (lat_round,
// lon_round buckets) the line was delayed near across the whole date,
// not a count of hours — daily_line_hour_stats has no location columns,
// so that distinct-intersection count is folded here from
// hourly_intersection_stats' per-bucket lines column instead.
func (db *DB) RecomputeDailyLineStats(ctx context.Context, date string) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT line, SUM(delay_count), SUM(blockage_count), SUM(total_seconds)
		FROM daily_line_hour_stats
		WHERE date = ?
		GROUP BY line
	`, date)
	if err != nil {
		return fmt.Errorf("store: fold daily line stats for %s: %w", date, err)
	}
	defer rows.Close()

	type agg struct {
		line                                    string
		delayCount, blockageCount, totalSeconds int
		intersectionCount                       int
	}
	byLine := make(map[string]*agg)
	var order []string
	for rows.Next() {
		a := &agg{}
		if err := rows.Scan(&a.line, &a.delayCount, &a.blockageCount, &a.totalSeconds); err != nil {
			return fmt.Errorf("store: fold daily line stats for %s: %w", date, err)
		}
		byLine[a.line] = a
		order = append(order, a.line)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: fold daily line stats for %s: %w", date, err)
	}

	intersectionRows, err := db.GetHourlyIntersectionStats(ctx, date)
	if err != nil {
		return fmt.Errorf("store: fold daily line stats for %s: %w", date, err)
	}
	type bucketKey struct{ lat, lon float64 }
	seen := make(map[string]map[bucketKey]bool)
	for _, hr := range intersectionRows {
		key := bucketKey{hr.LatRound, hr.LonRound}
		for _, line := range hr.Lines {
			if seen[line] == nil {
				seen[line] = make(map[bucketKey]bool)
			}
			seen[line][key] = true
		}
	}
	for line, buckets := range seen {
		a := byLine[line]
		if a == nil {
			continue
		}
		a.intersectionCount = len(buckets)
	}

	aggs := make([]*agg, 0, len(order))
	for _, line := range order {
		aggs = append(aggs, byLine[line])
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin recompute daily line stats: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_line_stats WHERE date = ?`, date); err != nil {
		return fmt.Errorf("store: clear daily line stats for %s: %w", date, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_line_stats (
			date, line, delay_count, blockage_count, total_seconds, intersection_count
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert daily line stats: %w", err)
	}
	defer stmt.Close()

	for _, a := range aggs {
		if _, err := stmt.ExecContext(ctx, date, a.line, a.delayCount, a.blockageCount, a.totalSeconds, a.intersectionCount); err != nil {
			return fmt.Errorf("store: insert daily line stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit recompute daily line stats: %w", err)
	}
	return nil
}

// IncrementHourlyPattern adds this hour's totals to the cumulative
// HourlyPattern counters for (dayOfWeek, hour) (§3, §4.6 step 5: "are
// incremented by this hour's totals"). Unlike the hourly intersection
// stat, this table is not replace-based: re-running the same hour adds
// its totals again.
func (db *DB) IncrementHourlyPattern(ctx context.Context, dayOfWeek, hour, delayCount, blockageCount int) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO hourly_pattern (day_of_week, hour, delay_count, blockage_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (day_of_week, hour) DO UPDATE SET
			delay_count = delay_count + excluded.delay_count,
			blockage_count = blockage_count + excluded.blockage_count
	`, dayOfWeek, hour, delayCount, blockageCount)
	if err != nil {
		return fmt.Errorf("store: increment hourly pattern (%d, %d): %w", dayOfWeek, hour, err)
	}
	return nil
}

// GetHourlyIntersectionStats returns every HourlyIntersectionStat row
// for date.
func (db *DB) GetHourlyIntersectionStats(ctx context.Context, date string) ([]HourlyIntersectionRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date, hour, lat_round, lon_round, delay_count,
			multi_cycle_count, total_seconds, cost_pln, lines
		FROM hourly_intersection_stats
		WHERE date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("store: get hourly intersection stats for %s: %w", date, err)
	}
	defer rows.Close()

	var out []HourlyIntersectionRow
	for rows.Next() {
		var r HourlyIntersectionRow
		var lines string
		if err := rows.Scan(&r.Date, &r.Hour, &r.LatRound, &r.LonRound, &r.DelayCount,
			&r.MultiCycleCount, &r.TotalSeconds, &r.CostPln, &lines); err != nil {
			return nil, fmt.Errorf("store: get hourly intersection stats for %s: %w", date, err)
		}
		if lines != "" {
			r.Lines = strings.Split(lines, ",")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get hourly intersection stats for %s: %w", date, err)
	}
	return out, nil
}

// DailyIntersectionRow is one daily_intersection_stats row (§3).
type DailyIntersectionRow struct {
	Date             string
	LatRound         float64
	LonRound         float64
	DelayCount       int
	MultiCycleCount  int
	TotalSeconds     int
	CostPln          float64
	NearestStopName  string
}

// GetDailyIntersectionStats returns every daily_intersection_stats row
// for date, used by the query router's hot-spot merge (C8, §4.7).
func (db *DB) GetDailyIntersectionStats(ctx context.Context, date string) ([]DailyIntersectionRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date, lat_round, lon_round, delay_count, multi_cycle_count,
			total_seconds, cost_pln, nearest_stop_name
		FROM daily_intersection_stats WHERE date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("store: get daily intersection stats for %s: %w", date, err)
	}
	defer rows.Close()

	var out []DailyIntersectionRow
	for rows.Next() {
		var r DailyIntersectionRow
		if err := rows.Scan(&r.Date, &r.LatRound, &r.LonRound, &r.DelayCount,
			&r.MultiCycleCount, &r.TotalSeconds, &r.CostPln, &r.NearestStopName); err != nil {
			return nil, fmt.Errorf("store: get daily intersection stats for %s: %w", date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get daily intersection stats for %s: %w", date, err)
	}
	return out, nil
}

// DailyLineRow is one daily_line_stats row (§3).
type DailyLineRow struct {
	Date              string
	Line              string
	DelayCount        int
	BlockageCount     int
	TotalSeconds      int
	IntersectionCount int
}

// GetDailyLineStats returns every daily_line_stats row for date, used
// by the query router's impacted-lines merge (C8, §4.7).
func (db *DB) GetDailyLineStats(ctx context.Context, date string) ([]DailyLineRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date, line, delay_count, blockage_count, total_seconds, intersection_count
		FROM daily_line_stats WHERE date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("store: get daily line stats for %s: %w", date, err)
	}
	defer rows.Close()

	var out []DailyLineRow
	for rows.Next() {
		var r DailyLineRow
		if err := rows.Scan(&r.Date, &r.Line, &r.DelayCount, &r.BlockageCount, &r.TotalSeconds, &r.IntersectionCount); err != nil {
			return nil, fmt.Errorf("store: get daily line stats for %s: %w", date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get daily line stats for %s: %w", date, err)
	}
	return out, nil
}

// GetHourLineStats returns every daily_line_hour_stats row for date
// across all hours, used by the query router's per-line-hour merge
// (C8, §4.7).
func (db *DB) GetHourLineStats(ctx context.Context, date string) ([]HourLineRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT date, line, hour, delay_count, blockage_count, total_seconds, intersection_delays
		FROM daily_line_hour_stats WHERE date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("store: get hour line stats for %s: %w", date, err)
	}
	defer rows.Close()

	var out []HourLineRow
	for rows.Next() {
		var r HourLineRow
		if err := rows.Scan(&r.Date, &r.Line, &r.Hour, &r.DelayCount, &r.BlockageCount, &r.TotalSeconds, &r.IntersectionDelays); err != nil {
			return nil, fmt.Errorf("store: get hour line stats for %s: %w", date, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get hour line stats for %s: %w", date, err)
	}
	return out, nil
}

// HourlyPatternRow is one cumulative hourly_pattern row (§3).
type HourlyPatternRow struct {
	DayOfWeek     int
	Hour          int
	DelayCount    int
	BlockageCount int
}

// GetHourlyPattern returns all hourly_pattern rows, used by the query
// router's heatmap grid, served directly with no merge (§4.7: "the
// cumulative HourlyPattern is not used for windowed queries").
func (db *DB) GetHourlyPattern(ctx context.Context) ([]HourlyPatternRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT day_of_week, hour, delay_count, blockage_count FROM hourly_pattern
	`)
	if err != nil {
		return nil, fmt.Errorf("store: get hourly pattern: %w", err)
	}
	defer rows.Close()

	var out []HourlyPatternRow
	for rows.Next() {
		var r HourlyPatternRow
		if err := rows.Scan(&r.DayOfWeek, &r.Hour, &r.DelayCount, &r.BlockageCount); err != nil {
			return nil, fmt.Errorf("store: get hourly pattern: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get hourly pattern: %w", err)
	}
	return out, nil
}

// HasDailyLineStat reports whether date has at least one
// daily_line_stats row — the minimum bar for "date is aggregated"
// used by cleanup (C9, §4.8: "at minimum a DailyLineStat row for that
// date exists").
func (db *DB) HasDailyLineStat(ctx context.Context, date string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_line_stats WHERE date = ?`, date).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check daily line stat for %s: %w", date, err)
	}
	return count > 0, nil
}

// DistinctRawEventDates returns every date (YYYY-MM-DD) that has at
// least one raw delay event with started_at on that date, used by the
// aggregator's startup catch-up scan (§4.6) and by cleanup candidates
// (§4.8).
func (db *DB) DistinctRawEventDates(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT substr(started_at, 1, 10) FROM delay_events ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("store: distinct raw event dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: distinct raw event dates: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: distinct raw event dates: %w", err)
	}
	return dates, nil
}

// ResetAll truncates every delay/aggregate table, used by
// `delaywatchctl cleanup --reset-all` (§4.8: "requires an extra
// explicit confirmation", enforced by the cleanup package, not here).
func (db *DB) ResetAll(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: reset all: begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{
		"delay_events", "hourly_intersection_stats", "daily_intersection_stats",
		"daily_line_stats", "daily_line_hour_stats", "hourly_pattern",
	}
	for _, table := range tables {
		// #nosec G201 -- table is one of the fixed literals above, never caller-controlled.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return fmt.Errorf("store: reset all: truncate %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: reset all: commit: %w", err)
	}
	return nil
}

// DeleteEventsForDate deletes raw delay events whose started_at falls
// on date (formatted YYYY-MM-DD), returning the count deleted. Used by
// cleanup (C9) in execute mode, restricted by the caller to dates
// already aggregated.
func (db *DB) DeleteEventsForDate(ctx context.Context, date string) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM delay_events WHERE substr(started_at, 1, 10) = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("store: delete events for date %s: %w", date, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete events for date %s: %w", date, err)
	}
	return int(rows), nil
}
