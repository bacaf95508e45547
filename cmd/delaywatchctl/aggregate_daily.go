package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wawtrams/delaywatch/internal/aggregator"
	"github.com/wawtrams/delaywatch/internal/config"
	"github.com/wawtrams/delaywatch/internal/cost"
	"github.com/wawtrams/delaywatch/internal/geo"
)

const dateLayout = "2006-01-02"

var (
	aggregateDate      string
	aggregateBackfill  int
	aggregateDryRun    bool
)

var aggregateDailyCmd = &cobra.Command{
	Use:   "aggregate-daily",
	Short: "Run the hourly rollup for a date, or backfill N days",
	RunE:  runAggregateDaily,
}

func init() {
	aggregateDailyCmd.Flags().StringVar(&aggregateDate, "date", "", "date to aggregate (YYYY-MM-DD), defaults to yesterday")
	aggregateDailyCmd.Flags().IntVar(&aggregateBackfill, "backfill", 0, "aggregate the last N days instead of a single date")
	aggregateDailyCmd.Flags().BoolVar(&aggregateDryRun, "dry-run", false, "run the startup catch-up scan instead of forcing specific hours")
}

func runAggregateDaily(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	cfg := config.Load()
	geoStore := geo.NewStore(db.Conn(), cfg.NearStopRadiusMeters, cfg.NearIntersectionRadiusMeters, cfg.TerminalRadiusMeters)
	agg := aggregator.New(db, db, geoStore, aggregator.Config{
		BucketDecimals: cfg.AggregationBucketDecimals,
		RetryDelay:     cfg.AggregatorRetryDelay,
		CostConstants: cost.Constants{
			VOTPlnPerHour:        cfg.VOTPlnPerHour,
			DriverWagePlnPerHour: cfg.DriverWagePlnPerHour,
			EnergyPlnPerHour:     cfg.EnergyPlnPerHour,
		},
		RetentionDays: cfg.RetentionDays,
	}, nil)

	if aggregateDryRun {
		fmt.Println("running catch-up scan (dry-run only skips forcing explicit dates)")
		return agg.RunCatchUp(ctx)
	}

	dates := []string{}
	switch {
	case aggregateBackfill > 0:
		today := time.Now().UTC().Truncate(24 * time.Hour)
		for i := aggregateBackfill; i >= 1; i-- {
			dates = append(dates, today.AddDate(0, 0, -i).Format(dateLayout))
		}
	case aggregateDate != "":
		dates = append(dates, aggregateDate)
	default:
		yesterday := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
		dates = append(dates, yesterday.Format(dateLayout))
	}

	for _, date := range dates {
		for hour := 0; hour < 24; hour++ {
			if err := agg.RunHour(ctx, date, hour); err != nil {
				return fmt.Errorf("aggregate %s hour %02d: %w", date, hour, err)
			}
		}
		fmt.Printf("aggregated %s\n", date)
	}
	return nil
}
