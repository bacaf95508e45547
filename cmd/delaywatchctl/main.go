// Command delaywatchctl is the operational CLI (C11, §6.6): a cobra
// command tree for retention cleanup, manual/backfill aggregation, and
// read-only status reporting. Grounded on the teacher's
// tidbyt-gtfs-style cobra root (cmd/main.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wawtrams/delaywatch/internal/config"
	"github.com/wawtrams/delaywatch/internal/store"
)

var rootCmd = &cobra.Command{
	Use:          "delaywatchctl",
	Short:        "Operational CLI for the delay-watch service",
	SilenceUsage: true,
}

var dbPath string

func init() {
	cfg := config.Load()
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", cfg.DatabasePath, "path to the SQLite database")
	rootCmd.AddCommand(cleanupCmd, aggregateDailyCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func openStore() (*store.DB, error) {
	return store.Connect(dbPath)
}
