// Command delaywatchd is the long-running delay-watch process (C12):
// it connects the database, resolves orphaned events from any prior
// run, then drives the poller, the tracker registry's idle reaper, and
// the cron-scheduled aggregator until signalled to stop. Grounded on
// the teacher's phased cmd/poller/main.go startup.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wawtrams/delaywatch/internal/aggregator"
	"github.com/wawtrams/delaywatch/internal/broker"
	"github.com/wawtrams/delaywatch/internal/config"
	"github.com/wawtrams/delaywatch/internal/cost"
	"github.com/wawtrams/delaywatch/internal/feed"
	"github.com/wawtrams/delaywatch/internal/geo"
	"github.com/wawtrams/delaywatch/internal/store"
	"github.com/wawtrams/delaywatch/internal/tracker"
)

// registryAdapter bridges *tracker.Registry (whose GetOrCreate returns
// the concrete *tracker.Tracker) into feed.Registry/feed.Observer.
// Go requires an exact method-signature match for structural interface
// satisfaction, and covariant return types are not permitted, so the
// concrete registry cannot implement feed.Registry directly.
type registryAdapter struct {
	registry *tracker.Registry
}

func (a registryAdapter) GetOrCreate(vehicleID string) feed.Observer {
	return a.registry.GetOrCreate(vehicleID)
}

func main() {
	cfg := config.Load()

	db, err := store.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("delaywatchd: connect database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("delaywatchd: ensure schema: %v", err)
	}

	geoStore := geo.NewStore(db.Conn(), cfg.NearStopRadiusMeters, cfg.NearIntersectionRadiusMeters, cfg.TerminalRadiusMeters)
	if err := geoStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("delaywatchd: ensure reference schema: %v", err)
	}
	seedReferenceData(ctx, geoStore, cfg)

	br := broker.New()

	trackerCfg := tracker.Config{
		StoppedSpeedKMH:        cfg.StoppedSpeedKMH,
		DwellThresholdSec:      cfg.DwellThresholdSec,
		BriefStopThresholdSec:  cfg.BriefStopThresholdSec,
		SignalCycleSeconds:     cfg.SignalCycleSeconds,
		ReferenceLookupTimeout: cfg.ReferenceLookupTimeout,
	}
	registry := tracker.NewRegistry(trackerCfg, geoStore, db, br, cfg.TrackerIdleTime, nil)

	deleted, err := registry.ResolveOrphans(ctx)
	if err != nil {
		log.Fatalf("delaywatchd: resolve orphan events: %v", err)
	}
	log.Printf("delaywatchd: deleted %d unresolved event(s) left over from a prior run", deleted)

	source := feed.NewGTFSRTSource(cfg.GTFSVehiclePositionsURL, cfg.FeedHTTPTimeout)
	poller := feed.NewPoller(source, registryAdapter{registry: registry}, cfg.PollInterval)

	agg := aggregator.New(db, db, geoStore, aggregatorConfig(cfg), nil)
	agg.OnInvalidate(func() { log.Printf("delaywatchd: hourly aggregates invalidated, cache should refresh") })

	go reapLoop(ctx, registry, cfg.TrackerIdleTime)
	go poller.Run(ctx)

	if err := agg.Run(ctx); err != nil {
		log.Fatalf("delaywatchd: aggregator stopped: %v", err)
	}

	log.Printf("delaywatchd: shutting down")
}

func aggregatorConfig(cfg *config.Config) aggregator.Config {
	return aggregator.Config{
		BucketDecimals: cfg.AggregationBucketDecimals,
		RetryDelay:     cfg.AggregatorRetryDelay,
		CostConstants: cost.Constants{
			VOTPlnPerHour:        cfg.VOTPlnPerHour,
			DriverWagePlnPerHour: cfg.DriverWagePlnPerHour,
			EnergyPlnPerHour:     cfg.EnergyPlnPerHour,
		},
		RetentionDays: cfg.RetentionDays,
	}
}

func reapLoop(ctx context.Context, registry *tracker.Registry, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := registry.ReapIdle(ctx)
			if n > 0 {
				log.Printf("delaywatchd: reaped %d idle tracker(s)", n)
			}
		}
	}
}

func seedReferenceData(ctx context.Context, geoStore *geo.Store, cfg *config.Config) {
	if cfg.StopsCSVPath != "" {
		f, err := os.Open(cfg.StopsCSVPath)
		if err != nil {
			log.Printf("delaywatchd: skipping stops seed, cannot open %s: %v", cfg.StopsCSVPath, err)
		} else {
			defer f.Close()
			n, err := geoStore.SeedStops(ctx, f)
			if err != nil {
				log.Printf("delaywatchd: seed stops failed: %v", err)
			} else {
				log.Printf("delaywatchd: seeded %d stop(s)", n)
			}
		}
	}
	if cfg.IntersectionsCSVPath != "" {
		f, err := os.Open(cfg.IntersectionsCSVPath)
		if err != nil {
			log.Printf("delaywatchd: skipping intersections seed, cannot open %s: %v", cfg.IntersectionsCSVPath, err)
		} else {
			defer f.Close()
			n, err := geoStore.SeedIntersections(ctx, f)
			if err != nil {
				log.Printf("delaywatchd: seed intersections failed: %v", err)
			} else {
				log.Printf("delaywatchd: seeded %d intersection(s)", n)
			}
		}
	}
}
