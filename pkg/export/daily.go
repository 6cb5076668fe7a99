package export

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/sample"
	"github.com/tinypipe/tinypipe/pkg/window"
)

// Sweeper closes partial trailing windows before a roll-up.
type Sweeper interface {
	SweepPartial(ctx context.Context, cutoff time.Time) error
}

// DailyJob rolls up the prior calendar date's aggregates into one CSV
// and one spreadsheet, exactly once per date.
type DailyJob struct {
	gw        gateway.Gateway
	sweeper   Sweeper
	exportDir string
	hour      int
}

// NewDailyJob creates the daily export job. The job is due once per day
// at the given hour; RunIfDue is cheap to call on a short interval
// because the per-date export record makes re-runs no-ops.
func NewDailyJob(gw gateway.Gateway, sweeper Sweeper, exportDir string, hour int) *DailyJob {
	return &DailyJob{gw: gw, sweeper: sweeper, exportDir: exportDir, hour: hour}
}

// RunIfDue runs the export when now has passed the scheduled hour.
func (j *DailyJob) RunIfDue(ctx context.Context, now time.Time) error {
	if now.Hour() < j.hour {
		return nil
	}
	return j.Run(ctx, now)
}

// Run exports the calendar date prior to now. An existing export record
// for that date makes the run a safe no-op, as does a date with zero
// un-exported aggregates (no file, no record).
func (j *DailyJob) Run(ctx context.Context, now time.Time) error {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	date := now.AddDate(0, 0, -1).Format(sample.DateLayout)

	existing, err := j.gw.FindDailyExport(ctx, date)
	if err != nil {
		return fmt.Errorf("lookup daily export %s: %w", date, err)
	}
	if existing != nil {
		return nil
	}

	// Close partial trailing windows from before today so the roll-up
	// covers every sample of the exported date.
	if err := j.sweeper.SweepPartial(ctx, dayStart); err != nil {
		return fmt.Errorf("partial sweep before %s: %w", date, err)
	}

	aggs, err := j.gw.ListUnexportedDaily(ctx, date)
	if err != nil {
		return fmt.Errorf("list aggregates for %s: %w", date, err)
	}
	if len(aggs) == 0 {
		log.Printf("Daily export %s: nothing to export", date)
		return nil
	}

	csvPath := filepath.Join(j.exportDir, "daily", date+".csv")
	xlsxPath := filepath.Join(j.exportDir, "daily", date+".xlsx")

	// Files are written before the record that references them, so no
	// record ever points at a missing file.
	if err := WriteCSV(aggs, csvPath); err != nil {
		return fmt.Errorf("daily export %s: %w", date, err)
	}
	if err := WriteSpreadsheet(aggs, xlsxPath); err != nil {
		return fmt.Errorf("daily export %s: %w", date, err)
	}

	mean, min, max := summarize(aggs)
	record := sample.DailyExport{
		Date:            date,
		CSVPath:         csvPath,
		SpreadsheetPath: xlsxPath,
		RecordCount:     len(aggs),
		Mean:            mean,
		Min:             min,
		Max:             max,
		ExportedAt:      now,
	}

	err = gateway.Retry(ctx, "insert daily export", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return j.gw.InsertDailyExport(ctx, record)
		})
	if err != nil {
		return err
	}

	err = gateway.Retry(ctx, "mark daily exported", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return j.gw.MarkDailyExported(ctx, aggregateIDs(aggs))
		})
	if err != nil {
		return err
	}

	log.Printf("Daily export %s: %d aggregates -> %s", date, len(aggs), csvPath)
	return nil
}

// summarize computes the roll-up statistics across aggregates: mean of
// window means, min of mins, max of maxes.
func summarize(aggs []sample.WindowAggregate) (mean, min, max float64) {
	means := make([]float64, len(aggs))
	min, max = aggs[0].Min, aggs[0].Max
	for i, a := range aggs {
		means[i] = a.Mean
		if a.Min < min {
			min = a.Min
		}
		if a.Max > max {
			max = a.Max
		}
	}
	stats := window.Compute(means)
	return stats.Mean, min, max
}

func aggregateIDs(aggs []sample.WindowAggregate) []int64 {
	ids := make([]int64, len(aggs))
	for i, a := range aggs {
		ids[i] = a.ID
	}
	return ids
}
