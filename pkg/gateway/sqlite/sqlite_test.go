package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

func openTest(t *testing.T) *Gateway {
	t.Helper()
	gw, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func TestReadingsRoundTrip(t *testing.T) {
	gw := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	readings := []sample.Reading{
		{Value: 20.5, CapturedAt: base},
		{Value: 21.0, CapturedAt: base.Add(time.Second)},
	}
	if err := gw.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("Bulk insert failed: %v", err)
	}
	if err := gw.InsertReading(ctx, sample.Reading{Value: 22, CapturedAt: base.Add(2 * time.Second)}); err != nil {
		t.Fatalf("Single insert failed: %v", err)
	}

	removed, err := gw.DeleteReadingsBefore(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 reading removed, got %d", removed)
	}
}

func TestSampleLifecycle(t *testing.T) {
	gw := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	// Insert out of order; listing must return oldest first.
	for _, offset := range []int{2, 0, 1} {
		s := sample.RawSample{Value: float64(offset), CapturedAt: base.Add(time.Duration(offset) * time.Minute)}
		if err := gw.InsertRawSample(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	samples, err := gw.ListUnconsumedSamples(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(samples))
	}
	for i, s := range samples {
		if s.Value != float64(i) {
			t.Errorf("Sample %d = %v, want %v (oldest first)", i, s.Value, float64(i))
		}
	}

	limited, err := gw.ListUnconsumedSamples(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit respected, got %d samples", len(limited))
	}

	if err := gw.ConsumeSamples(ctx, []int64{samples[0].ID}); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	remaining, err := gw.ListUnconsumedSamples(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Expected 2 unconsumed after consume, got %d", len(remaining))
	}

	// Consumed samples past the cutoff get deleted; unconsumed survive.
	removed, err := gw.DeleteConsumedSamplesBefore(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 consumed sample removed, got %d", removed)
	}
}

func TestAggregateUniquePerDateSlot(t *testing.T) {
	gw := openTest(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		s := sample.RawSample{Value: 20, CapturedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := gw.InsertRawSample(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	samples, _ := gw.ListUnconsumedSamples(ctx, 0)

	agg := sample.WindowAggregate{
		Date: "2026-03-10", Slot: "08:00-08:10",
		Mean: 20, Median: 20, Mode: 20, Min: 20, Max: 20,
		SampleCount: 2, CreatedAt: base,
	}
	if err := gw.CreateAggregate(ctx, agg, []int64{samples[0].ID, samples[1].ID}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The insert and the consume are one transaction.
	unconsumed, _ := gw.ListUnconsumedSamples(ctx, 0)
	if len(unconsumed) != 0 {
		t.Errorf("Expected samples consumed with the aggregate, %d left", len(unconsumed))
	}

	if err := gw.CreateAggregate(ctx, agg, nil); err == nil {
		t.Fatal("Expected unique constraint violation for duplicate (date, slot)")
	}

	got, err := gw.FindAggregate(ctx, "2026-03-10", "08:00-08:10")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got == nil || got.Mean != 20 || got.SampleCount != 2 {
		t.Errorf("Unexpected aggregate: %+v", got)
	}

	missing, err := gw.FindAggregate(ctx, "2026-03-10", "08:10-08:20")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for a missing slot, got %+v", missing)
	}
}

func TestBatchSlotRangeFilter(t *testing.T) {
	gw := openTest(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	slots := []string{"05:50-06:00", "06:00-06:10", "11:50-12:00", "12:00-12:10"}
	for _, slot := range slots {
		agg := sample.WindowAggregate{
			Date: "2026-03-10", Slot: slot,
			Mean: 20, Median: 20, Mode: 20, Min: 20, Max: 20,
			SampleCount: 10, CreatedAt: created,
		}
		if err := gw.CreateAggregate(ctx, agg, nil); err != nil {
			t.Fatalf("Create %s failed: %v", slot, err)
		}
	}

	aggs, err := gw.ListUnexportedBatch(ctx, "2026-03-10", "06:00", "12:00")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("Expected 2 aggregates in [06:00, 12:00), got %d", len(aggs))
	}
	if aggs[0].Slot != "06:00-06:10" || aggs[1].Slot != "11:50-12:00" {
		t.Errorf("Unexpected slots: %s, %s", aggs[0].Slot, aggs[1].Slot)
	}

	// Marked aggregates leave the unexported set.
	if err := gw.MarkBatchExported(ctx, []int64{aggs[0].ID}, "2026-03-10_06-12"); err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	aggs, err = gw.ListUnexportedBatch(ctx, "2026-03-10", "06:00", "12:00")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Errorf("Expected 1 unexported aggregate after mark, got %d", len(aggs))
	}

	marked, _ := gw.FindAggregate(ctx, "2026-03-10", "06:00-06:10")
	if !marked.ExportedBatch || marked.BatchID != "2026-03-10_06-12" {
		t.Errorf("Expected batch flags set, got %+v", marked)
	}
}

func TestExportRecordsAndRetention(t *testing.T) {
	gw := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	daily := sample.DailyExport{
		Date: "2026-03-09", CSVPath: "/tmp/d.csv", SpreadsheetPath: "/tmp/d.xlsx",
		RecordCount: 144, Mean: 20, Min: 10, Max: 30, ExportedAt: now.Add(-40 * 24 * time.Hour),
	}
	if err := gw.InsertDailyExport(ctx, daily); err != nil {
		t.Fatalf("Insert daily failed: %v", err)
	}
	if err := gw.InsertDailyExport(ctx, daily); err == nil {
		t.Fatal("Expected unique constraint violation for duplicate date")
	}

	batch := sample.BatchExport{
		BatchID: "2026-03-10_00-06", Date: "2026-03-10", Bucket: "00-06",
		CSVPath: "/tmp/b.csv", SpreadsheetPath: "/tmp/b.xlsx",
		RecordCount: 36, Mean: 20, Min: 10, Max: 30, ExportedAt: now,
	}
	if err := gw.InsertBatchExport(ctx, batch); err != nil {
		t.Fatalf("Insert batch failed: %v", err)
	}
	if err := gw.InsertBatchExport(ctx, batch); err == nil {
		t.Fatal("Expected unique constraint violation for duplicate batch id")
	}

	found, err := gw.FindBatchExport(ctx, "2026-03-10_00-06")
	if err != nil || found == nil {
		t.Fatalf("Find batch failed: %v (%v)", found, err)
	}
	if found.Bucket != "00-06" || found.RecordCount != 36 {
		t.Errorf("Unexpected batch record: %+v", found)
	}

	// Only the expired daily export goes; its file paths come back.
	paths, err := gw.DeleteExportsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExportsBefore failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Expected 2 file paths returned, got %v", paths)
	}
	if rec, _ := gw.FindDailyExport(ctx, "2026-03-09"); rec != nil {
		t.Error("Expired daily export record survived")
	}
	if rec, _ := gw.FindBatchExport(ctx, "2026-03-10_00-06"); rec == nil {
		t.Error("Fresh batch export record was deleted")
	}
}
