package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wawtrams/delaywatch/internal/model"
	"github.com/wawtrams/delaywatch/internal/store"
)

type fakeEvents struct {
	events []*model.DelayEvent
}

func (f *fakeEvents) Scan(ctx context.Context, r model.TimeRange, filters store.ScanFilters) ([]*model.DelayEvent, error) {
	var out []*model.DelayEvent
	for _, e := range f.events {
		if e.StartedAt.Before(r.Start) || !e.StartedAt.Before(r.End) {
			continue
		}
		if filters.OnlyResolved && e.ResolvedAt == nil {
			continue
		}
		if filters.Line != "" && e.Line != filters.Line {
			continue
		}
		if filters.NearIntersection != nil && e.NearIntersection != *filters.NearIntersection {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type fakeAggs struct {
	intersection []store.DailyIntersectionRow
	line         []store.DailyLineRow
	hourLine     []store.HourLineRow
	pattern      []store.HourlyPatternRow
}

func (f *fakeAggs) GetDailyIntersectionStats(ctx context.Context, date string) ([]store.DailyIntersectionRow, error) {
	return f.intersection, nil
}

func (f *fakeAggs) GetDailyLineStats(ctx context.Context, date string) ([]store.DailyLineRow, error) {
	return f.line, nil
}

func (f *fakeAggs) GetHourLineStats(ctx context.Context, date string) ([]store.HourLineRow, error) {
	return f.hourLine, nil
}

func (f *fakeAggs) GetHourlyPattern(ctx context.Context) ([]store.HourlyPatternRow, error) {
	return f.pattern, nil
}

func ev(id, line string, lat, lon float64, startedAt time.Time, duration int, cls model.Classification, nearIntersection bool) *model.DelayEvent {
	resolvedAt := startedAt.Add(time.Duration(duration) * time.Second)
	return &model.DelayEvent{
		ID: id, Line: line, Lat: lat, Lon: lon, StartedAt: startedAt,
		ResolvedAt: &resolvedAt, DurationSeconds: &duration,
		Classification: cls, NearIntersection: nearIntersection,
	}
}

func TestHotSpotsMergesAggregateAndRawTail(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute) // no hourly rows yet, so the tail covers the date up to now

	aggs := &fakeAggs{intersection: []store.DailyIntersectionRow{
		{Date: date, LatRound: 52.21, LonRound: 20.99, DelayCount: 5, TotalSeconds: 200, CostPln: 40},
	}}
	events := &fakeEvents{events: []*model.DelayEvent{
		// Falls in the raw tail, same key as the aggregate row.
		ev("e1", "17", 52.21, 20.99, day.Add(9*time.Hour+2*time.Minute), 30, model.ClassificationDelay, true),
		// A brand new key not yet in the aggregate.
		ev("e2", "4", 52.30, 21.05, day.Add(9*time.Hour+3*time.Minute), 15, model.ClassificationDelay, true),
	}}

	r := New(events, aggs, 4, func() time.Time { return now })
	spots, err := r.HotSpots(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, spots, 2)

	var merged, fresh *HotSpot
	for i := range spots {
		if spots[i].LatRound == 52.21 {
			merged = &spots[i]
		} else {
			fresh = &spots[i]
		}
	}
	require.NotNil(t, merged)
	require.NotNil(t, fresh)
	require.Equal(t, 6, merged.DelayCount)
	require.Equal(t, 230, merged.TotalSeconds)
	require.Contains(t, merged.Lines, "17")
	require.Equal(t, 1, fresh.DelayCount)
	require.Equal(t, 15, fresh.TotalSeconds)
}

func TestImpactedLinesRecomputesAverage(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute)

	aggs := &fakeAggs{line: []store.DailyLineRow{
		{Date: date, Line: "17", DelayCount: 2, TotalSeconds: 60},
	}}
	events := &fakeEvents{events: []*model.DelayEvent{
		ev("e1", "17", 52.21, 20.99, day.Add(9*time.Hour+2*time.Minute), 40, model.ClassificationDelay, false),
	}}

	r := New(events, aggs, 4, func() time.Time { return now })
	lines, err := r.ImpactedLines(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, 3, lines[0].DelayCount)
	require.Equal(t, 100, lines[0].TotalSeconds)
	require.InDelta(t, 100.0/3.0, lines[0].AvgSeconds, 1e-9)
}

func TestPerLineHourBreakdownAddsDeltaWhenAggregateExists(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute)

	aggs := &fakeAggs{hourLine: []store.HourLineRow{
		{Date: date, Line: "17", Hour: 9, DelayCount: 4, TotalSeconds: 120},
	}}
	events := &fakeEvents{events: []*model.DelayEvent{
		ev("e1", "17", 52.21, 20.99, day.Add(9*time.Hour+2*time.Minute), 20, model.ClassificationDelay, false),
	}}

	r := New(events, aggs, 4, func() time.Time { return now })
	buckets, err := r.PerLineHourBreakdown(context.Background(), date, "17")
	require.NoError(t, err)
	require.Equal(t, 5, buckets[9].DelayCount)
	require.Equal(t, 140, buckets[9].TotalSeconds)
}

func TestPerLineHourBreakdownReplacesWhenNoAggregateYet(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute)

	aggs := &fakeAggs{} // aggregator has not yet run for hour 9
	events := &fakeEvents{events: []*model.DelayEvent{
		ev("e1", "17", 52.21, 20.99, day.Add(9*time.Hour+2*time.Minute), 20, model.ClassificationDelay, false),
	}}

	r := New(events, aggs, 4, func() time.Time { return now })
	buckets, err := r.PerLineHourBreakdown(context.Background(), date, "17")
	require.NoError(t, err)
	require.Equal(t, 1, buckets[9].DelayCount)
	require.Equal(t, 20, buckets[9].TotalSeconds)
	require.Equal(t, 0, buckets[8].DelayCount)
}

func TestTailRangeStartsRightAfterLastAggregatedHour(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 2*time.Minute) // before minute 5

	// Hours 0-7 are aggregated; hour 8 (the previous hour) has not run yet.
	var hourLine []store.HourLineRow
	for h := 0; h <= 7; h++ {
		hourLine = append(hourLine, store.HourLineRow{Date: date, Line: "17", Hour: h})
	}
	aggs := &fakeAggs{hourLine: hourLine}

	r := New(&fakeEvents{}, aggs, 4, func() time.Time { return now })
	tail, err := r.tailRange(context.Background(), date)
	require.NoError(t, err)
	require.Equal(t, day.Add(8*time.Hour), tail.Start)
	require.Equal(t, now, tail.End)
}

func TestTailRangeExcludesAnHourTheAggregatorAlreadyCovered(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute) // after minute 5

	// Hours 0-8 are aggregated, including the previous hour (8) — e.g.
	// the cron job already fired, or a manual backfill ran.
	var hourLine []store.HourLineRow
	for h := 0; h <= 8; h++ {
		hourLine = append(hourLine, store.HourLineRow{Date: date, Line: "17", Hour: h})
	}
	aggs := &fakeAggs{hourLine: hourLine}

	r := New(&fakeEvents{}, aggs, 4, func() time.Time { return now })
	tail, err := r.tailRange(context.Background(), date)
	require.NoError(t, err)
	require.Equal(t, day.Add(9*time.Hour), tail.Start)
	require.Equal(t, now, tail.End)
}

func TestTailRangeCoversWholeDateWhenNothingAggregatedYet(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 2*time.Minute)

	r := New(&fakeEvents{}, &fakeAggs{}, 4, func() time.Time { return now })
	tail, err := r.tailRange(context.Background(), date)
	require.NoError(t, err)
	require.Equal(t, day, tail.Start)
	require.Equal(t, now, tail.End)
}

// TestHotSpotsDoesNotDoubleCountAnAlreadyAggregatedHour is the spec's
// §8 S6 scenario: hour 14 (30 events, 900s total) has already been
// aggregated, and 2 more events land in hour 15 before the query runs
// at 15:04. The tail must contribute only the 2 post-aggregation
// events, not re-scan hour 14.
func TestHotSpotsDoesNotDoubleCountAnAlreadyAggregatedHour(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(15*time.Hour + 4*time.Minute)

	aggs := &fakeAggs{
		intersection: []store.DailyIntersectionRow{
			{Date: date, LatRound: 52.2300, LonRound: 21.0120, DelayCount: 30, TotalSeconds: 900, CostPln: 846.25},
		},
		hourLine: []store.HourLineRow{
			{Date: date, Line: "17", Hour: 14, DelayCount: 30, TotalSeconds: 900},
		},
	}

	var tailEvents []*model.DelayEvent
	for i := 0; i < 30; i++ {
		tailEvents = append(tailEvents, ev(fmt.Sprintf("hour14-%d", i), "17", 52.2300, 21.0120,
			day.Add(14*time.Hour), 30, model.ClassificationDelay, true))
	}
	tailEvents = append(tailEvents,
		ev("hour15-1", "17", 52.2300, 21.0120, day.Add(15*time.Hour+1*time.Minute), 40, model.ClassificationDelay, true),
		ev("hour15-2", "17", 52.2300, 21.0120, day.Add(15*time.Hour+2*time.Minute), 40, model.ClassificationDelay, true),
	)
	events := &fakeEvents{events: tailEvents}

	r := New(events, aggs, 4, func() time.Time { return now })
	spots, err := r.HotSpots(context.Background(), date)
	require.NoError(t, err)
	require.Len(t, spots, 1)
	require.Equal(t, 32, spots[0].DelayCount)
	require.Equal(t, 980, spots[0].TotalSeconds)
}

func TestHeatmapServedDirectlyWithNoMerge(t *testing.T) {
	aggs := &fakeAggs{pattern: []store.HourlyPatternRow{
		{DayOfWeek: 1, Hour: 9, DelayCount: 12, BlockageCount: 3},
	}}
	r := New(&fakeEvents{}, aggs, 4, nil)
	cells, err := r.Heatmap(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.Equal(t, 12, cells[0].DelayCount)
}

func TestSummaryTotalsAcrossLines(t *testing.T) {
	date := "2025-01-07"
	day := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 10*time.Minute)

	aggs := &fakeAggs{line: []store.DailyLineRow{
		{Date: date, Line: "17", DelayCount: 2, TotalSeconds: 60},
		{Date: date, Line: "4", BlockageCount: 1, TotalSeconds: 200},
	}}
	r := New(&fakeEvents{}, aggs, 4, func() time.Time { return now })
	summary, err := r.Summary(context.Background(), date)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Lines)
	require.Equal(t, 2, summary.DelayCount)
	require.Equal(t, 1, summary.BlockageCount)
	require.Equal(t, 260, summary.TotalSeconds)
}
