package export

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway/memory"
)

func TestLastClosedBucket(t *testing.T) {
	cases := []struct {
		hour     int
		wantDate string
		wantKey  string
		wantFrom string
		wantTo   string
	}{
		{0, "2026-03-09", "18-24", "18:00", "24:00"},
		{5, "2026-03-09", "18-24", "18:00", "24:00"},
		{6, "2026-03-10", "00-06", "00:00", "06:00"},
		{11, "2026-03-10", "00-06", "00:00", "06:00"},
		{12, "2026-03-10", "06-12", "06:00", "12:00"},
		{18, "2026-03-10", "12-18", "12:00", "18:00"},
		{23, "2026-03-10", "12-18", "12:00", "18:00"},
	}
	for _, c := range cases {
		now := time.Date(2026, 3, 10, c.hour, 30, 0, 0, time.UTC)
		date, bucket, from, to := lastClosedBucket(now)
		if date != c.wantDate || bucket != c.wantKey || from != c.wantFrom || to != c.wantTo {
			t.Errorf("lastClosedBucket(hour %d) = (%s, %s, %s, %s), want (%s, %s, %s, %s)",
				c.hour, date, bucket, from, to, c.wantDate, c.wantKey, c.wantFrom, c.wantTo)
		}
	}
}

func TestBatchExport(t *testing.T) {
	gw := memory.New()
	notifier := &Notifier{}
	events := make(chan BatchReadyEvent, 1)
	notifier.Register(ListenerFunc(func(ev BatchReadyEvent) { events <- ev }))

	job := NewBatchJob(gw, t.TempDir(), 2, notifier)

	insertAggregate(t, gw, "2026-03-10", "06:00-06:10", 20)
	insertAggregate(t, gw, "2026-03-10", "06:10-06:20", 30)
	// Outside the 06-12 bucket.
	insertAggregate(t, gw, "2026-03-10", "12:00-12:10", 99)

	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	if err := job.Run(context.Background(), now); err != nil {
		t.Fatalf("Batch export failed: %v", err)
	}

	record, err := gw.FindBatchExport(context.Background(), "2026-03-10_06-12")
	if err != nil || record == nil {
		t.Fatalf("Expected batch export record, got %v (err %v)", record, err)
	}
	if record.RecordCount != 2 || record.Bucket != "06-12" {
		t.Errorf("Unexpected record: count=%d bucket=%s", record.RecordCount, record.Bucket)
	}
	for _, path := range []string{record.CSVPath, record.SpreadsheetPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Batch record points at a missing file %s: %v", path, err)
		}
	}

	select {
	case ev := <-events:
		if ev.BatchID != "2026-03-10_06-12" || ev.RecordCount != 2 {
			t.Errorf("Unexpected event: %+v", ev)
		}
		if len(ev.FilePaths) != 2 {
			t.Errorf("Expected 2 file paths in event, got %v", ev.FilePaths)
		}
	case <-time.After(time.Second):
		t.Fatal("No batch-ready notification delivered")
	}

	for _, a := range gw.Aggregates() {
		switch a.Slot {
		case "06:00-06:10", "06:10-06:20":
			if !a.ExportedBatch || a.BatchID != "2026-03-10_06-12" {
				t.Errorf("Aggregate %s not marked batch exported", a.Slot)
			}
		default:
			if a.ExportedBatch {
				t.Errorf("Aggregate %s outside the bucket was exported", a.Slot)
			}
		}
	}
}

func TestBatchExportWaitsForExpectedCount(t *testing.T) {
	gw := memory.New()
	job := NewBatchJob(gw, t.TempDir(), 36, nil)

	insertAggregate(t, gw, "2026-03-10", "06:00-06:10", 20)

	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	if err := job.Run(context.Background(), now); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	_, _, _, _, batch := gw.Counts()
	if batch != 0 {
		t.Errorf("Expected no export below the expected count, got %d records", batch)
	}
}

func TestBatchExportRerunIsNoOp(t *testing.T) {
	gw := memory.New()
	job := NewBatchJob(gw, t.TempDir(), 2, nil)

	insertAggregate(t, gw, "2026-03-10", "06:00-06:10", 20)
	insertAggregate(t, gw, "2026-03-10", "06:10-06:20", 30)

	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	if err := job.Run(context.Background(), now); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if err := job.Run(context.Background(), now.Add(time.Hour)); err != nil {
		t.Fatalf("Re-run failed: %v", err)
	}

	_, _, _, _, batch := gw.Counts()
	if batch != 1 {
		t.Errorf("Expected exactly 1 batch record after re-run, got %d", batch)
	}
}
