package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wawtrams/delaywatch/internal/model"
)

func TestGetOrCreateReturnsSameTrackerForSameVehicle(t *testing.T) {
	ref := &fakeRefStore{}
	events := newFakeEventStore()
	pub := &fakePublisher{}
	reg := NewRegistry(testCfg, ref, events, pub, 5*time.Minute, nil)

	a := reg.GetOrCreate("V/17/1")
	b := reg.GetOrCreate("V/17/1")
	require.Same(t, a, b)
	require.Equal(t, 1, reg.Count())

	reg.GetOrCreate("V/17/2")
	require.Equal(t, 2, reg.Count())
}

func TestReapIdleForceResolvesAndDrops(t *testing.T) {
	ref := &fakeRefStore{atStop: false, nearIntersection: false}
	events := newFakeEventStore()
	pub := &fakePublisher{}

	clock := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	reg := NewRegistry(testCfg, ref, events, pub, 5*time.Minute, now)

	tr := reg.GetOrCreate("V/1/1")
	ctx := context.Background()
	base := clock

	tr.Observe(ctx, pos("V/1/1", "1", base, 0, 52.2, 21.0))
	tr.Observe(ctx, pos("V/1/1", "1", base, 2, 52.2005, 21.0))
	tr.Observe(ctx, pos("V/1/1", "1", base, 4, 52.2005, 21.0))
	tr.Observe(ctx, pos("V/1/1", "1", base, 45, 52.2005, 21.0))
	require.True(t, tr.Snapshot().HasActiveEvent)

	// Advance the registry's clock past the idle timeout without any
	// further observation.
	clock = clock.Add(6 * time.Minute)

	reaped := reg.ReapIdle(ctx)
	require.Equal(t, 1, reaped)
	require.Equal(t, 0, reg.Count())
	require.Len(t, pub.resolved, 1, "idle reaping must force-resolve the dangling event")
}

func TestReapIdleLeavesActiveVehiclesAlone(t *testing.T) {
	ref := &fakeRefStore{}
	events := newFakeEventStore()
	pub := &fakePublisher{}

	clock := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	reg := NewRegistry(testCfg, ref, events, pub, 5*time.Minute, now)

	reg.GetOrCreate("V/2/2")
	clock = clock.Add(1 * time.Minute)

	reaped := reg.ReapIdle(context.Background())
	require.Equal(t, 0, reaped)
	require.Equal(t, 1, reg.Count())
}

// Property law 8: orphan resolution on startup yields zero unresolved
// events, achieved by deletion rather than resolution (§4.4).
func TestResolveOrphansDeletesUnresolvedEvents(t *testing.T) {
	ref := &fakeRefStore{}
	events := newFakeEventStore()
	events.events["leftover-1"] = &model.DelayEvent{ID: "leftover-1", VehicleID: "V/3/3"}
	events.events["leftover-2"] = &model.DelayEvent{ID: "leftover-2", VehicleID: "V/4/4"}
	resolvedAt := time.Now()
	events.events["already-done"] = &model.DelayEvent{ID: "already-done", ResolvedAt: &resolvedAt}

	pub := &fakePublisher{}
	reg := NewRegistry(testCfg, ref, events, pub, 5*time.Minute, nil)

	n, err := reg.ResolveOrphans(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, events.events, 1, "only the already-resolved event survives")
}
