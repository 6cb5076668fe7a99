package gateway

import (
	"context"
	"time"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Gateway is the persistence boundary for the whole pipeline.
// Implementations: sqlite (production), memory (testing).
//
// Writes that must be atomic (aggregate creation plus sample consumption)
// are single methods so each backend can use its own transaction
// mechanism. Callers wrap calls in Retry for the uniform retry policy.
type Gateway interface {
	// Readings: bulk-persisted accepted values from the feed.
	InsertReadings(ctx context.Context, readings []sample.Reading) error
	InsertReading(ctx context.Context, r sample.Reading) error
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Raw samples: one per populated minute, consumed by the aggregator.
	InsertRawSample(ctx context.Context, s sample.RawSample) error
	ListUnconsumedSamples(ctx context.Context, limit int) ([]sample.RawSample, error)
	ConsumeSamples(ctx context.Context, ids []int64) error
	DeleteConsumedSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateAggregate inserts the aggregate and marks the consumed
	// samples in one transaction, so no sample can feed two windows.
	CreateAggregate(ctx context.Context, agg sample.WindowAggregate, consumeIDs []int64) error

	// Window aggregates.
	FindAggregate(ctx context.Context, date, slot string) (*sample.WindowAggregate, error)
	ListUnexportedDaily(ctx context.Context, date string) ([]sample.WindowAggregate, error)
	ListUnexportedBatch(ctx context.Context, date, slotFrom, slotTo string) ([]sample.WindowAggregate, error)
	MarkDailyExported(ctx context.Context, ids []int64) error
	MarkBatchExported(ctx context.Context, ids []int64, batchID string) error
	DeleteExportedAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Export records. Find methods return (nil, nil) when absent so
	// export jobs can do lookup-before-create.
	FindDailyExport(ctx context.Context, date string) (*sample.DailyExport, error)
	InsertDailyExport(ctx context.Context, e sample.DailyExport) error
	FindBatchExport(ctx context.Context, batchID string) (*sample.BatchExport, error)
	InsertBatchExport(ctx context.Context, e sample.BatchExport) error

	// DeleteExportsBefore removes export records older than cutoff and
	// returns the file paths they referenced so the caller can unlink
	// the files.
	DeleteExportsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}
