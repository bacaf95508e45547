// Package aggregator implements the hourly rollup (C7, §4.6): raw
// delay events are folded into per-(date, hour, lat_round, lon_round)
// intersection stats, per-(date, line, hour) line stats, and daily/
// weekly-pattern roll-ups, with a closed-form economic cost attached.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wawtrams/delaywatch/internal/cost"
	"github.com/wawtrams/delaywatch/internal/geo"
	"github.com/wawtrams/delaywatch/internal/model"
	"github.com/wawtrams/delaywatch/internal/store"
)

const dateLayout = "2006-01-02"

// cronSpec is minute 5 of every hour (§4.6: "fires at minute 5 of
// every wall-clock hour ... gives late writes from C3 time to land").
const cronSpec = "5 * * * *"

// EventSource is the subset of C2 the aggregator reads from.
// *store.DB satisfies this.
type EventSource interface {
	Scan(ctx context.Context, r model.TimeRange, f store.ScanFilters) ([]*model.DelayEvent, error)
	DistinctRawEventDates(ctx context.Context) ([]string, error)
}

// AggregateStore is the subset of C7's storage the aggregator writes
// to. *store.DB satisfies this.
type AggregateStore interface {
	ReplaceHourIntersectionStats(ctx context.Context, date string, hour int, rows []store.HourlyIntersectionRow) error
	ReplaceHourLineStats(ctx context.Context, date string, hour int, rows []store.HourLineRow) error
	RecomputeDailyIntersectionStats(ctx context.Context, date string, nearestStopName func(lat, lon float64) string) error
	RecomputeDailyLineStats(ctx context.Context, date string) error
	IncrementHourlyPattern(ctx context.Context, dayOfWeek, hour, delayCount, blockageCount int) error
	HasDailyLineStat(ctx context.Context, date string) (bool, error)
}

// ReferenceNamer resolves the nearest stop's name for a daily
// intersection-stat row's debug label (§3: "nearest_stop_name").
// *geo.Store satisfies this.
type ReferenceNamer interface {
	NearestStopName(ctx context.Context, lat, lon float64) string
}

// Config holds the aggregator's tunables, sourced from
// internal/config.Config.
type Config struct {
	BucketDecimals int
	RetryDelay     time.Duration
	CostConstants  cost.Constants
	RetentionDays  int
}

// Aggregator runs the hourly rollup, the startup catch-up scan, and the
// cron-scheduled recurring run (C7). Grounded on the teacher's
// UpdateDelayStats, which the same pattern reused across the poll path
// and (here) the CLI and cron paths.
type Aggregator struct {
	events EventSource
	stats  AggregateStore
	namer  ReferenceNamer
	cfg    Config
	now    func() time.Time

	onInvalidate func()
}

// New builds an Aggregator.
func New(events EventSource, stats AggregateStore, namer ReferenceNamer, cfg Config, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{events: events, stats: stats, namer: namer, cfg: cfg, now: now}
}

// OnInvalidate registers a callback fired after every successful
// RunHour (§4.6: "signal the query-result cache ... to drop its
// entries").
func (a *Aggregator) OnInvalidate(fn func()) {
	a.onInvalidate = fn
}

// RunHour aggregates the closed hour [date hour:00, date hour+1:00)
// (§4.6 steps 1-5). A no-op, successfully, if the hour has no events.
//
// Step 1 loads every event that started within the hour, resolved or
// not: a tram still mid-delay at :05 must not be silently dropped from
// the rollup, since HasDailyLineStat marking the date aggregated would
// otherwise make it invisible to the query path forever (it never
// falls in a later hour's scan window, because Scan keys on
// started_at). If any event in the window is still unresolved, the
// whole hour is deferred — nothing is written — and RunHour returns an
// error so the caller's retry (runWithRetry's 5-minute AfterFunc) picks
// it up once the vehicle's stop event lands.
func (a *Aggregator) RunHour(ctx context.Context, date string, hour int) error {
	hourStart, err := time.Parse(dateLayout, date)
	if err != nil {
		return fmt.Errorf("aggregator: parse date %s: %w", date, err)
	}
	hourStart = hourStart.Add(time.Duration(hour) * time.Hour)
	hourEnd := hourStart.Add(time.Hour)

	events, err := a.events.Scan(ctx, model.TimeRange{Start: hourStart, End: hourEnd}, store.ScanFilters{})
	if err != nil {
		return fmt.Errorf("aggregator: scan hour %s %02d: %w", date, hour, err)
	}
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e.DurationSeconds == nil {
			return fmt.Errorf("aggregator: hour %s %02d has an unresolved event (vehicle %s), deferring", date, hour, e.VehicleID)
		}
	}

	intersectionRows, lineRows, delayCount, blockageCount := a.buildRows(events, date, hour)

	if err := a.stats.ReplaceHourIntersectionStats(ctx, date, hour, intersectionRows); err != nil {
		return fmt.Errorf("aggregator: replace hourly intersection stats: %w", err)
	}
	if err := a.stats.ReplaceHourLineStats(ctx, date, hour, lineRows); err != nil {
		return fmt.Errorf("aggregator: replace hourly line stats: %w", err)
	}

	var nearestStopName func(lat, lon float64) string
	if a.namer != nil {
		nearestStopName = func(lat, lon float64) string { return a.namer.NearestStopName(ctx, lat, lon) }
	}
	if err := a.stats.RecomputeDailyIntersectionStats(ctx, date, nearestStopName); err != nil {
		return fmt.Errorf("aggregator: recompute daily intersection stats: %w", err)
	}
	if err := a.stats.RecomputeDailyLineStats(ctx, date); err != nil {
		return fmt.Errorf("aggregator: recompute daily line stats: %w", err)
	}

	dayOfWeek := int(hourStart.Weekday())
	if err := a.stats.IncrementHourlyPattern(ctx, dayOfWeek, hour, delayCount, blockageCount); err != nil {
		return fmt.Errorf("aggregator: increment hourly pattern: %w", err)
	}

	if a.onInvalidate != nil {
		a.onInvalidate()
	}
	return nil
}

// buildRows groups events into intersection and per-line rows and
// tallies the hour's total delay/blockage counts for HourlyPattern
// (§4.6 steps 3, 5).
func (a *Aggregator) buildRows(events []*model.DelayEvent, date string, hour int) ([]store.HourlyIntersectionRow, []store.HourLineRow, int, int) {
	type intersectionKey struct{ lat, lon float64 }
	intersections := make(map[intersectionKey]*store.HourlyIntersectionRow)
	lines := make(map[string]*store.HourLineRow)

	// cost.Compute is given the window's closing hour, not its opening
	// hour key — see DESIGN.md for why this resolves the spec's worked
	// example (§8 S6).
	closingHour := (hour + 1) % 24

	var delayCount, blockageCount int

	for _, e := range events {
		if e.DurationSeconds == nil {
			continue
		}
		duration := *e.DurationSeconds

		switch e.Classification {
		case model.ClassificationDelay:
			delayCount++
		case model.ClassificationBlockage:
			blockageCount++
		}

		line := lines[e.Line]
		if line == nil {
			line = &store.HourLineRow{Date: date, Line: e.Line, Hour: hour}
			lines[e.Line] = line
		}
		line.TotalSeconds += duration
		switch e.Classification {
		case model.ClassificationDelay:
			line.DelayCount++
			if e.NearIntersection {
				line.IntersectionDelays++
			}
		case model.ClassificationBlockage:
			line.BlockageCount++
		}

		if !e.NearIntersection {
			continue
		}
		key := intersectionKey{
			lat: geo.RoundBucket(e.Lat, a.cfg.BucketDecimals),
			lon: geo.RoundBucket(e.Lon, a.cfg.BucketDecimals),
		}
		row := intersections[key]
		if row == nil {
			row = &store.HourlyIntersectionRow{Date: date, Hour: hour, LatRound: key.lat, LonRound: key.lon}
			intersections[key] = row
		}
		row.DelayCount++
		if e.MultiCycle {
			row.MultiCycleCount++
		}
		row.TotalSeconds += duration
		row.CostPln += cost.Compute(a.cfg.CostConstants, duration, closingHour)
		if !containsString(row.Lines, e.Line) {
			row.Lines = append(row.Lines, e.Line)
		}
	}

	intersectionRows := make([]store.HourlyIntersectionRow, 0, len(intersections))
	for _, row := range intersections {
		intersectionRows = append(intersectionRows, *row)
	}
	lineRows := make([]store.HourLineRow, 0, len(lines))
	for _, row := range lines {
		lineRows = append(lineRows, *row)
	}
	return intersectionRows, lineRows, delayCount, blockageCount
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// RunCatchUp enumerates dates with raw events but no daily aggregate
// and runs every fully-closed hour for them, oldest first, skipping
// the current (incomplete) hour (§4.6: "catch up on startup").
func (a *Aggregator) RunCatchUp(ctx context.Context) error {
	dates, err := a.events.DistinctRawEventDates(ctx)
	if err != nil {
		return fmt.Errorf("aggregator: list raw event dates: %w", err)
	}

	sort.Strings(dates)
	now := a.now()

	for _, date := range dates {
		aggregated, err := a.stats.HasDailyLineStat(ctx, date)
		if err != nil {
			return fmt.Errorf("aggregator: check aggregation state for %s: %w", date, err)
		}
		if aggregated {
			continue
		}

		dayStart, err := time.Parse(dateLayout, date)
		if err != nil {
			log.Printf("aggregator: skipping unparsable date %q: %v", date, err)
			continue
		}

		for hour := 0; hour < 24; hour++ {
			hourEnd := dayStart.Add(time.Duration(hour+1) * time.Hour)
			if !hourEnd.Before(now) {
				break // this and all later hours today are not yet closed
			}
			if err := a.RunHour(ctx, date, hour); err != nil {
				log.Printf("aggregator: catch-up run for %s hour %02d failed: %v", date, hour, err)
			}
		}
	}
	return nil
}

// previousClosedHour returns the (date, hour) of the hour that ended
// 5 minutes before t (§4.6).
func previousClosedHour(t time.Time) (string, int) {
	hourStart := t.Truncate(time.Hour).Add(-time.Hour)
	return hourStart.Format(dateLayout), hourStart.Hour()
}

// Run blocks, driving the cron-scheduled hourly aggregation and the
// startup catch-up scan, until ctx is cancelled (§4.6).
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.RunCatchUp(ctx); err != nil {
		log.Printf("aggregator: startup catch-up failed: %v", err)
	}

	c := cron.New()
	_, err := c.AddFunc(cronSpec, func() { a.runScheduled(ctx) })
	if err != nil {
		return fmt.Errorf("aggregator: schedule cron job: %w", err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

// runScheduled is the cron job body: aggregate the just-closed hour,
// and arrange a retry in RetryDelay if it fails (§4.6: "on partial
// failure, the run is retried after 5 minutes").
func (a *Aggregator) runScheduled(ctx context.Context) {
	date, hour := previousClosedHour(a.now())
	a.runWithRetry(ctx, date, hour)
}

func (a *Aggregator) runWithRetry(ctx context.Context, date string, hour int) {
	if err := a.RunHour(ctx, date, hour); err != nil {
		log.Printf("aggregator: run for %s hour %02d failed, retrying in %s: %v", date, hour, a.cfg.RetryDelay, err)
		time.AfterFunc(a.cfg.RetryDelay, func() { a.runWithRetry(ctx, date, hour) })
	}
}
