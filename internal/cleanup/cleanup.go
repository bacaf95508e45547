// Package cleanup implements retention cleanup of raw delay events
// (C9, §4.8). Safety is layered: dry-run by default, per-date
// eligibility gated on the aggregate store having already rolled the
// date up, and a separate confirmation gate for wiping everything.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// ErrResetNotConfirmed is returned by ResetAll when confirmed is
// false (§4.8: "--reset-all requires an extra explicit confirmation").
var ErrResetNotConfirmed = errors.New("cleanup: reset-all requires explicit confirmation")

// EventStore is the subset of C2 cleanup reads and deletes from.
// *store.DB satisfies this.
type EventStore interface {
	DistinctRawEventDates(ctx context.Context) ([]string, error)
	DeleteEventsForDate(ctx context.Context, date string) (int, error)
	ResetAll(ctx context.Context) error
}

// AggregateChecker reports whether a date has been rolled up.
// *store.DB satisfies this.
type AggregateChecker interface {
	HasDailyLineStat(ctx context.Context, date string) (bool, error)
}

// Config holds cleanup's tunables.
type Config struct {
	RetentionDays int
}

// Cleaner runs retention cleanup (C9).
type Cleaner struct {
	events EventStore
	aggs   AggregateChecker
	cfg    Config
	now    func() time.Time
}

// New builds a Cleaner.
func New(events EventStore, aggs AggregateChecker, cfg Config, now func() time.Time) *Cleaner {
	if now == nil {
		now = time.Now
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	return &Cleaner{events: events, aggs: aggs, cfg: cfg, now: now}
}

// DateDisposition is the cleanup plan's verdict for one candidate date.
type DateDisposition struct {
	Date      string
	Eligible  bool
	Reason    string // set when Eligible is false
	Deleted   bool
	RowsFound int
}

// Report is the result of a Run call.
type Report struct {
	DryRun      bool
	CutoffDate  string
	Dates       []DateDisposition
	EventsFreed int
}

// Run scans raw event dates older than the retention window and either
// reports what would be deleted (dryRun) or deletes eligible dates
// (§4.8). A date older than the cutoff is only deleted if the
// aggregate store already has a DailyLineStat row for it; dates not
// yet aggregated are reported and skipped regardless of mode.
func (c *Cleaner) Run(ctx context.Context, dryRun bool) (Report, error) {
	cutoff := c.now().AddDate(0, 0, -c.cfg.RetentionDays).Format(dateLayout)

	dates, err := c.events.DistinctRawEventDates(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("cleanup: list raw event dates: %w", err)
	}
	sort.Strings(dates)

	report := Report{DryRun: dryRun, CutoffDate: cutoff}
	for _, date := range dates {
		if date >= cutoff {
			continue // within retention window, not a candidate
		}

		aggregated, err := c.aggs.HasDailyLineStat(ctx, date)
		if err != nil {
			return report, fmt.Errorf("cleanup: check aggregation state for %s: %w", date, err)
		}
		if !aggregated {
			report.Dates = append(report.Dates, DateDisposition{
				Date: date, Eligible: false, Reason: "not yet aggregated",
			})
			continue
		}

		disposition := DateDisposition{Date: date, Eligible: true}
		if !dryRun {
			n, err := c.events.DeleteEventsForDate(ctx, date)
			if err != nil {
				return report, fmt.Errorf("cleanup: delete events for %s: %w", date, err)
			}
			disposition.Deleted = true
			disposition.RowsFound = n
			report.EventsFreed += n
		}
		report.Dates = append(report.Dates, disposition)
	}
	return report, nil
}

// ResetAll wipes every delay/aggregate table. Requires confirmed to be
// true, set only when the caller passed both --reset-all and
// --i-know-what-i-am-doing (§4.8).
func (c *Cleaner) ResetAll(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrResetNotConfirmed
	}
	if err := c.events.ResetAll(ctx); err != nil {
		return fmt.Errorf("cleanup: reset all: %w", err)
	}
	return nil
}
