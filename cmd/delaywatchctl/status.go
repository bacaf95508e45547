package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd is a read-only debugging convenience (§6.6): it reports
// store-observable aggregation progress (raw-event dates aggregated vs.
// pending) rather than the live poller's in-memory stats, which only
// exist inside the running delaywatchd process. It does not count
// unresolved events.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report aggregation progress of raw-event dates",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	dates, err := db.DistinctRawEventDates(ctx)
	if err != nil {
		return fmt.Errorf("list raw event dates: %w", err)
	}

	var aggregated, pending int
	for _, date := range dates {
		ok, err := db.HasDailyLineStat(ctx, date)
		if err != nil {
			return fmt.Errorf("check aggregation state for %s: %w", date, err)
		}
		if ok {
			aggregated++
		} else {
			pending++
		}
	}

	fmt.Printf("raw event dates: %d (%d aggregated, %d pending)\n", len(dates), aggregated, pending)
	if len(dates) > 0 {
		fmt.Printf("most recent raw event date: %s\n", dates[len(dates)-1])
	}
	fmt.Printf("checked at: %s\n", time.Now().UTC().Format(time.RFC3339))
	return nil
}
