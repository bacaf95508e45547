// Package query implements the dashboard read path (C8, §4.7): every
// figure is served as the aggregate-store result for all closed hours
// plus the raw tail since the last aggregation boundary, merged
// according to the figure's own merge contract.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/wawtrams/delaywatch/internal/geo"
	"github.com/wawtrams/delaywatch/internal/model"
	"github.com/wawtrams/delaywatch/internal/store"
)

const dateLayout = "2006-01-02"

// EventSource is the raw-tail read path (C2). *store.DB satisfies this.
type EventSource interface {
	Scan(ctx context.Context, r model.TimeRange, f store.ScanFilters) ([]*model.DelayEvent, error)
}

// AggregateSource is the aggregate-store read path (C7). *store.DB
// satisfies this.
type AggregateSource interface {
	GetDailyIntersectionStats(ctx context.Context, date string) ([]store.DailyIntersectionRow, error)
	GetDailyLineStats(ctx context.Context, date string) ([]store.DailyLineRow, error)
	GetHourLineStats(ctx context.Context, date string) ([]store.HourLineRow, error)
	GetHourlyPattern(ctx context.Context) ([]store.HourlyPatternRow, error)
}

// Router answers dashboard queries by merging aggregate rows with the
// raw tail (C8). Grounded on the teacher's read-path handlers, which
// likewise combined a precomputed summary table with a live query
// against the source table for the current window.
type Router struct {
	events EventSource
	aggs   AggregateSource
	bucket int
	now    func() time.Time
}

// New builds a Router.
func New(events EventSource, aggs AggregateSource, bucketDecimals int, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{events: events, aggs: aggs, bucket: bucketDecimals, now: now}
}

// aggregatedMaxHour returns the latest hour (0-23) before the
// still-open current hour for which date already has an hourly
// aggregate row, or -1 if none exists yet. GetHourLineStats is used as
// the coverage signal because every persist-worthy event — near an
// intersection or not — contributes a daily_line_hour_stats row,
// making it a superset of hourly_intersection_stats for this purpose.
//
// The still-open current hour (when date is today) is deliberately
// excluded from this scan even if it already has an aggregate row: new
// raw writes can still land in it after the aggregator has run (§4.7's
// "add delta" path exists precisely for that case), so it must never
// be allowed to push the tail boundary past its own start.
func (r *Router) aggregatedMaxHour(ctx context.Context, date string, now time.Time) (int, error) {
	rows, err := r.aggs.GetHourLineStats(ctx, date)
	if err != nil {
		return -1, fmt.Errorf("query: aggregated max hour: %w", err)
	}
	isToday := date == now.Format(dateLayout)
	currentHour := now.Hour()

	max := -1
	for _, row := range rows {
		if isToday && row.Hour >= currentHour {
			continue
		}
		if row.Hour > max {
			max = row.Hour
		}
	}
	return max, nil
}

// tailRange returns the raw-tail window for date: from the end of
// whatever the aggregate store has actually already covered (but never
// past the start of a still-open current hour), through now
// (§4.7: "aggregate-store result ⊕ raw tail since the last aggregation
// boundary"). The boundary is derived from the aggregate rows
// themselves rather than assumed from "minute 5 of the current hour"
// — an hour can be aggregated well before a query runs (e.g. a manual
// `aggregate-daily` backfill, or simply because the cron job already
// fired), and a tail window that blindly reopens an already-aggregated
// hour would double-count it.
func (r *Router) tailRange(ctx context.Context, date string) (model.TimeRange, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return model.TimeRange{}, fmt.Errorf("query: parse date %s: %w", date, err)
	}
	now := r.now()
	end := now
	if dayEnd := day.Add(24 * time.Hour); end.After(dayEnd) {
		end = dayEnd
	}

	maxHour, err := r.aggregatedMaxHour(ctx, date, now)
	if err != nil {
		return model.TimeRange{}, err
	}

	tailStart := day
	if maxHour >= 0 {
		tailStart = day.Add(time.Duration(maxHour+1) * time.Hour)
	}
	if tailStart.After(end) {
		tailStart = end
	}
	return model.TimeRange{Start: tailStart, End: end}, nil
}

// HotSpot is a merged per-location delay hot spot (§4.7).
type HotSpot struct {
	LatRound        float64
	LonRound        float64
	DelayCount      int
	MultiCycleCount int
	TotalSeconds    int
	CostPln         float64
	Lines           []string
}

// HotSpots merges daily_intersection_stats for date with the raw tail,
// grouped by the same 4-decimal key (§4.7: "add counts, total seconds,
// union of affected lines into the aggregate row with the same key").
// daily_intersection_stats rows carry no line list, so Lines holds only
// the lines of raw-tail events; lines of already-aggregated hours are
// not included.
func (r *Router) HotSpots(ctx context.Context, date string) ([]HotSpot, error) {
	dailyRows, err := r.aggs.GetDailyIntersectionStats(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("query: hot spots: %w", err)
	}

	type key struct{ lat, lon float64 }
	byKey := make(map[key]*HotSpot, len(dailyRows))
	for _, row := range dailyRows {
		k := key{row.LatRound, row.LonRound}
		byKey[k] = &HotSpot{
			LatRound: row.LatRound, LonRound: row.LonRound,
			DelayCount: row.DelayCount, MultiCycleCount: row.MultiCycleCount,
			TotalSeconds: row.TotalSeconds, CostPln: row.CostPln,
		}
	}

	tail, err := r.tailRange(ctx, date)
	if err != nil {
		return nil, err
	}
	trueVal := true
	tailEvents, err := r.events.Scan(ctx, tail, store.ScanFilters{OnlyResolved: true, NearIntersection: &trueVal})
	if err != nil {
		return nil, fmt.Errorf("query: hot spots: scan raw tail: %w", err)
	}

	for _, e := range tailEvents {
		if e.DurationSeconds == nil {
			continue
		}
		k := key{geo.RoundBucket(e.Lat, r.bucket), geo.RoundBucket(e.Lon, r.bucket)}
		hs := byKey[k]
		if hs == nil {
			hs = &HotSpot{LatRound: k.lat, LonRound: k.lon}
			byKey[k] = hs
		}
		hs.DelayCount++
		if e.MultiCycle {
			hs.MultiCycleCount++
		}
		hs.TotalSeconds += *e.DurationSeconds
		if !containsString(hs.Lines, e.Line) {
			hs.Lines = append(hs.Lines, e.Line)
		}
	}

	out := make([]HotSpot, 0, len(byKey))
	for _, hs := range byKey {
		out = append(out, *hs)
	}
	return out, nil
}

// ImpactedLine is a merged per-line delay summary (§4.7).
type ImpactedLine struct {
	Line          string
	DelayCount    int
	BlockageCount int
	TotalSeconds  int
	AvgSeconds    float64
}

// ImpactedLines merges daily_line_stats for date with the raw tail,
// grouped by line (§4.7: "add counts and total seconds; recompute
// average").
func (r *Router) ImpactedLines(ctx context.Context, date string) ([]ImpactedLine, error) {
	dailyRows, err := r.aggs.GetDailyLineStats(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("query: impacted lines: %w", err)
	}

	byLine := make(map[string]*ImpactedLine, len(dailyRows))
	for _, row := range dailyRows {
		byLine[row.Line] = &ImpactedLine{
			Line: row.Line, DelayCount: row.DelayCount,
			BlockageCount: row.BlockageCount, TotalSeconds: row.TotalSeconds,
		}
	}

	tail, err := r.tailRange(ctx, date)
	if err != nil {
		return nil, err
	}
	tailEvents, err := r.events.Scan(ctx, tail, store.ScanFilters{OnlyResolved: true})
	if err != nil {
		return nil, fmt.Errorf("query: impacted lines: scan raw tail: %w", err)
	}

	for _, e := range tailEvents {
		if e.DurationSeconds == nil {
			continue
		}
		line := byLine[e.Line]
		if line == nil {
			line = &ImpactedLine{Line: e.Line}
			byLine[e.Line] = line
		}
		switch e.Classification {
		case model.ClassificationDelay:
			line.DelayCount++
		case model.ClassificationBlockage:
			line.BlockageCount++
		}
		line.TotalSeconds += *e.DurationSeconds
	}

	out := make([]ImpactedLine, 0, len(byLine))
	for _, line := range byLine {
		total := line.DelayCount + line.BlockageCount
		if total > 0 {
			line.AvgSeconds = float64(line.TotalSeconds) / float64(total)
		}
		out = append(out, *line)
	}
	return out, nil
}

// HourBucket is one hour's figure in a per-line-hour breakdown (§4.7).
type HourBucket struct {
	Hour          int
	DelayCount    int
	BlockageCount int
	TotalSeconds  int
}

// PerLineHourBreakdown returns a 24-bucket, hour-by-hour view of line
// on date. For the current hour bucket, either the aggregate's stored
// value is used as-is (if the aggregator has already run this hour, in
// which case raw tail since the boundary is added as a delta) or the
// current-hour raw figure replaces it outright (if no aggregate row
// exists yet for that hour) — the router detects which case applies by
// checking row existence (§4.7).
func (r *Router) PerLineHourBreakdown(ctx context.Context, date, line string) ([24]HourBucket, error) {
	var buckets [24]HourBucket
	for h := 0; h < 24; h++ {
		buckets[h].Hour = h
	}

	hasAggregate := make(map[int]bool, 24)
	rows, err := r.aggs.GetHourLineStats(ctx, date)
	if err != nil {
		return buckets, fmt.Errorf("query: per-line-hour breakdown: %w", err)
	}
	for _, row := range rows {
		if row.Line != line {
			continue
		}
		if row.Hour < 0 || row.Hour > 23 {
			continue
		}
		hasAggregate[row.Hour] = true
		buckets[row.Hour] = HourBucket{
			Hour: row.Hour, DelayCount: row.DelayCount,
			BlockageCount: row.BlockageCount, TotalSeconds: row.TotalSeconds,
		}
	}

	tail, err := r.tailRange(ctx, date)
	if err != nil {
		return buckets, err
	}
	tailEvents, err := r.events.Scan(ctx, tail, store.ScanFilters{Line: line, OnlyResolved: true})
	if err != nil {
		return buckets, fmt.Errorf("query: per-line-hour breakdown: scan raw tail: %w", err)
	}

	for _, e := range tailEvents {
		if e.DurationSeconds == nil {
			continue
		}
		h := e.StartedAt.Hour()
		if h < 0 || h > 23 {
			continue
		}
		if !hasAggregate[h] {
			// No aggregate row for this hour yet: the raw tail IS the
			// figure, not a delta on top of one.
			buckets[h] = HourBucket{Hour: h}
			hasAggregate[h] = true
		}
		switch e.Classification {
		case model.ClassificationDelay:
			buckets[h].DelayCount++
		case model.ClassificationBlockage:
			buckets[h].BlockageCount++
		}
		buckets[h].TotalSeconds += *e.DurationSeconds
	}

	return buckets, nil
}

// HeatmapCell is one (day_of_week, hour) cell of the all-time pattern
// heatmap (§4.7: served directly, no merge).
type HeatmapCell struct {
	DayOfWeek     int
	Hour          int
	DelayCount    int
	BlockageCount int
}

// Heatmap returns the cumulative hourly_pattern grid unmerged, per
// §4.7: "the cumulative HourlyPattern is not used for windowed
// queries; it is all-time-history only."
func (r *Router) Heatmap(ctx context.Context) ([]HeatmapCell, error) {
	rows, err := r.aggs.GetHourlyPattern(ctx)
	if err != nil {
		return nil, fmt.Errorf("query: heatmap: %w", err)
	}
	out := make([]HeatmapCell, 0, len(rows))
	for _, row := range rows {
		out = append(out, HeatmapCell{
			DayOfWeek: row.DayOfWeek, Hour: row.Hour,
			DelayCount: row.DelayCount, BlockageCount: row.BlockageCount,
		})
	}
	return out, nil
}

// Summary is the at-a-glance per-date roll-up, derived from
// ImpactedLines (§4.7: "per-line summary").
type Summary struct {
	Date          string
	DelayCount    int
	BlockageCount int
	TotalSeconds  int
	Lines         int
}

// Summary totals ImpactedLines across all lines for date.
func (r *Router) Summary(ctx context.Context, date string) (Summary, error) {
	lines, err := r.ImpactedLines(ctx, date)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Date: date, Lines: len(lines)}
	for _, l := range lines {
		s.DelayCount += l.DelayCount
		s.BlockageCount += l.BlockageCount
		s.TotalSeconds += l.TotalSeconds
	}
	return s, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
