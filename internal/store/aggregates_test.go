package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceHourIntersectionStatsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rows := []HourlyIntersectionRow{
		{Date: "2025-01-07", Hour: 14, LatRound: 52.2300, LonRound: 21.0120,
			DelayCount: 30, MultiCycleCount: 0, TotalSeconds: 900, CostPln: 846.25, Lines: []string{"17"}},
	}

	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 14, rows))
	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 14, rows))

	got, err := db.GetHourlyIntersectionStats(ctx, "2025-01-07")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 30, got[0].DelayCount)
	require.Equal(t, 900, got[0].TotalSeconds)
	require.InDelta(t, 846.25, got[0].CostPln, 1e-9)
}

func TestRecomputeDailyIntersectionStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 14, []HourlyIntersectionRow{
		{Date: "2025-01-07", Hour: 14, LatRound: 52.23, LonRound: 21.012, DelayCount: 10, TotalSeconds: 300, CostPln: 100},
	}))
	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 15, []HourlyIntersectionRow{
		{Date: "2025-01-07", Hour: 15, LatRound: 52.23, LonRound: 21.012, DelayCount: 5, TotalSeconds: 150, CostPln: 50},
	}))

	require.NoError(t, db.RecomputeDailyIntersectionStats(ctx, "2025-01-07", nil))

	var delayCount, totalSeconds int
	err := db.conn.QueryRowContext(ctx, `SELECT delay_count, total_seconds FROM daily_intersection_stats WHERE date = ?`, "2025-01-07").
		Scan(&delayCount, &totalSeconds)
	require.NoError(t, err)
	require.Equal(t, 15, delayCount)
	require.Equal(t, 450, totalSeconds)
}

func TestRecomputeDailyLineStatsIntersectionCountIsDistinctBucketsNotHours(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Line 17 is near the same intersection bucket in two different
	// hours: intersection_count must still be 1 (one distinct bucket),
	// not 2 (two hours with intersection_delays > 0).
	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 14, []HourlyIntersectionRow{
		{Date: "2025-01-07", Hour: 14, LatRound: 52.23, LonRound: 21.012, DelayCount: 3, TotalSeconds: 90, CostPln: 30, Lines: []string{"17"}},
	}))
	require.NoError(t, db.ReplaceHourIntersectionStats(ctx, "2025-01-07", 15, []HourlyIntersectionRow{
		{Date: "2025-01-07", Hour: 15, LatRound: 52.23, LonRound: 21.012, DelayCount: 2, TotalSeconds: 60, CostPln: 20, Lines: []string{"17"}},
	}))
	require.NoError(t, db.ReplaceHourLineStats(ctx, "2025-01-07", 14, []HourLineRow{
		{Date: "2025-01-07", Line: "17", Hour: 14, DelayCount: 3, TotalSeconds: 90, IntersectionDelays: 3},
	}))
	require.NoError(t, db.ReplaceHourLineStats(ctx, "2025-01-07", 15, []HourLineRow{
		{Date: "2025-01-07", Line: "17", Hour: 15, DelayCount: 2, TotalSeconds: 60, IntersectionDelays: 2},
	}))

	require.NoError(t, db.RecomputeDailyLineStats(ctx, "2025-01-07"))

	lines, err := db.GetDailyLineStats(ctx, "2025-01-07")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, 1, lines[0].IntersectionCount)
}

func TestHasDailyLineStat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	has, err := db.HasDailyLineStat(ctx, "2025-01-07")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, db.ReplaceHourLineStats(ctx, "2025-01-07", 14, []HourLineRow{
		{Date: "2025-01-07", Line: "17", Hour: 14, DelayCount: 1, TotalSeconds: 40},
	}))
	require.NoError(t, db.RecomputeDailyLineStats(ctx, "2025-01-07"))

	has, err = db.HasDailyLineStat(ctx, "2025-01-07")
	require.NoError(t, err)
	require.True(t, has)
}

func TestIncrementHourlyPatternMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.IncrementHourlyPattern(ctx, 2, 14, 5, 1))
	require.NoError(t, db.IncrementHourlyPattern(ctx, 2, 14, 3, 0))

	var delayCount, blockageCount int
	err := db.conn.QueryRowContext(ctx, `SELECT delay_count, blockage_count FROM hourly_pattern WHERE day_of_week = ? AND hour = ?`, 2, 14).
		Scan(&delayCount, &blockageCount)
	require.NoError(t, err)
	require.Equal(t, 8, delayCount)
	require.Equal(t, 1, blockageCount)
}
