package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wawtrams/delaywatch/internal/cleanup"
	"github.com/wawtrams/delaywatch/internal/config"
)

var (
	cleanupExecute       bool
	cleanupOlderThanDays int
	cleanupResetAll      bool
	cleanupIKnow         bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete raw delay events past their retention window",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupExecute, "execute", false, "actually delete (default is dry-run)")
	cleanupCmd.Flags().IntVar(&cleanupOlderThanDays, "older-than", 0, "retention window in days (0 uses the configured default)")
	cleanupCmd.Flags().BoolVar(&cleanupResetAll, "reset-all", false, "wipe every delay/aggregate table")
	cleanupCmd.Flags().BoolVar(&cleanupIKnow, "i-know-what-i-am-doing", false, "required alongside --reset-all")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()

	if cleanupResetAll {
		c := cleanup.New(db, db, cleanup.Config{}, nil)
		if err := c.ResetAll(ctx, cleanupIKnow); err != nil {
			return err
		}
		fmt.Println("all delay/aggregate tables wiped")
		return nil
	}

	retentionDays := cleanupOlderThanDays
	if retentionDays <= 0 {
		retentionDays = config.Load().RetentionDays
	}
	cfg := cleanup.Config{RetentionDays: retentionDays}
	c := cleanup.New(db, db, cfg, nil)

	report, err := c.Run(ctx, !cleanupExecute)
	if err != nil {
		return fmt.Errorf("run cleanup: %w", err)
	}

	fmt.Printf("cutoff date: %s (dry_run=%t)\n", report.CutoffDate, report.DryRun)
	for _, d := range report.Dates {
		switch {
		case !d.Eligible:
			fmt.Printf("  %s: skipped (%s)\n", d.Date, d.Reason)
		case d.Deleted:
			fmt.Printf("  %s: deleted %d event(s)\n", d.Date, d.RowsFound)
		default:
			fmt.Printf("  %s: would delete (eligible)\n", d.Date)
		}
	}
	if report.DryRun {
		fmt.Println("dry-run: nothing was deleted, pass --execute to delete")
	} else {
		fmt.Printf("freed %d event row(s)\n", report.EventsFreed)
	}
	return nil
}
