package export

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/sample"
)

// BatchJob rolls up one six-hour bucket of aggregates (00-06, 06-12,
// 12-18, 18-24) into CSV + spreadsheet once the bucket has closed and
// enough aggregates exist.
type BatchJob struct {
	gw        gateway.Gateway
	exportDir string
	expected  int
	notifier  *Notifier
}

// NewBatchJob creates the batch export job. expected is the aggregate
// count required before a bucket is exported (36 at 10-minute slots).
func NewBatchJob(gw gateway.Gateway, exportDir string, expected int, notifier *Notifier) *BatchJob {
	return &BatchJob{gw: gw, exportDir: exportDir, expected: expected, notifier: notifier}
}

// Run checks the most recently closed bucket. It is a no-op when the
// bucket was already exported or not enough aggregates exist yet; the
// scheduler re-runs it until the bucket fills or the daily sweep takes
// over the leftovers.
func (j *BatchJob) Run(ctx context.Context, now time.Time) error {
	date, bucket, slotFrom, slotTo := lastClosedBucket(now)
	batchID := date + "_" + bucket

	existing, err := j.gw.FindBatchExport(ctx, batchID)
	if err != nil {
		return fmt.Errorf("lookup batch export %s: %w", batchID, err)
	}
	if existing != nil {
		return nil
	}

	aggs, err := j.gw.ListUnexportedBatch(ctx, date, slotFrom, slotTo)
	if err != nil {
		return fmt.Errorf("list aggregates for %s: %w", batchID, err)
	}
	if len(aggs) < j.expected {
		log.Printf("Batch export %s: %d/%d aggregates, waiting", batchID, len(aggs), j.expected)
		return nil
	}

	csvPath := filepath.Join(j.exportDir, "batch", batchID+".csv")
	xlsxPath := filepath.Join(j.exportDir, "batch", batchID+".xlsx")

	if err := WriteCSV(aggs, csvPath); err != nil {
		return fmt.Errorf("batch export %s: %w", batchID, err)
	}
	if err := WriteSpreadsheet(aggs, xlsxPath); err != nil {
		return fmt.Errorf("batch export %s: %w", batchID, err)
	}

	mean, min, max := summarize(aggs)
	record := sample.BatchExport{
		BatchID:         batchID,
		Date:            date,
		Bucket:          bucket,
		CSVPath:         csvPath,
		SpreadsheetPath: xlsxPath,
		RecordCount:     len(aggs),
		Mean:            mean,
		Min:             min,
		Max:             max,
		ExportedAt:      now,
	}

	err = gateway.Retry(ctx, "insert batch export", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return j.gw.InsertBatchExport(ctx, record)
		})
	if err != nil {
		return err
	}

	err = gateway.Retry(ctx, "mark batch exported", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return j.gw.MarkBatchExported(ctx, aggregateIDs(aggs), batchID)
		})
	if err != nil {
		return err
	}

	log.Printf("Batch export %s: %d aggregates -> %s", batchID, len(aggs), csvPath)

	if j.notifier != nil {
		j.notifier.Notify(BatchReadyEvent{
			BatchID:     batchID,
			FilePaths:   []string{csvPath, xlsxPath},
			RecordCount: len(aggs),
			Mean:        mean,
			Min:         min,
			Max:         max,
		})
	}
	return nil
}

// lastClosedBucket returns the most recently ended six-hour bucket and
// its slot range. Before 06:00 that is the previous day's 18-24 bucket.
func lastClosedBucket(now time.Time) (date, bucket, slotFrom, slotTo string) {
	idx := now.Hour()/6 - 1
	day := now
	if idx < 0 {
		idx = 3
		day = now.AddDate(0, 0, -1)
	}

	startHour := idx * 6
	endHour := startHour + 6
	date = day.Format(sample.DateLayout)
	bucket = fmt.Sprintf("%02d-%02d", startHour, endHour)
	slotFrom = fmt.Sprintf("%02d:00", startHour)
	slotTo = fmt.Sprintf("%02d:00", endHour)
	return date, bucket, slotFrom, slotTo
}
