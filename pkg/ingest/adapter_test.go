package ingest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway/memory"
	"github.com/tinypipe/tinypipe/pkg/ingest/journal"
)

type recordingSink struct {
	values []float64
}

func (s *recordingSink) Ingest(ctx context.Context, value float64, now time.Time) error {
	s.values = append(s.values, value)
	return nil
}

func newTestAdapter(gw *memory.Gateway, jnl *journal.Journal, maxQueue int) (*Adapter, *recordingSink) {
	sink := &recordingSink{}
	a := New(gw, sink, jnl, Config{
		MinValue:  -50,
		MaxValue:  150,
		MaxQueue:  maxQueue,
		BatchSize: 3,
	})
	return a, sink
}

func TestOnReadingValidation(t *testing.T) {
	gw := memory.New()
	a, sink := newTestAdapter(gw, nil, 10)
	ctx := context.Background()
	now := time.Now()

	cases := []struct {
		name  string
		value float64
	}{
		{"nan", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
		{"below range", -51},
		{"above range", 151},
	}
	for _, c := range cases {
		if a.OnReading(ctx, c.value, now) {
			t.Errorf("Expected %s to be rejected", c.name)
		}
	}

	if len(sink.values) != 0 {
		t.Errorf("Rejected readings reached the reducer: %v", sink.values)
	}
	if a.QueueLen() != 0 {
		t.Errorf("Rejected readings were queued: %d", a.QueueLen())
	}
	_, rejected, _ := a.Stats()
	if rejected != uint64(len(cases)) {
		t.Errorf("Expected %d rejections, got %d", len(cases), rejected)
	}

	if !a.OnReading(ctx, 21.5, now) {
		t.Error("Expected in-range reading to be accepted")
	}
	if len(sink.values) != 1 || sink.values[0] != 21.5 {
		t.Errorf("Expected reducer to receive 21.5, got %v", sink.values)
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	gw := memory.New()
	a, _ := newTestAdapter(gw, nil, 3)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.OnReading(ctx, float64(i+1), base.Add(time.Duration(i)*time.Second))
	}

	if a.QueueLen() != 3 {
		t.Fatalf("Expected queue bounded at 3, got %d", a.QueueLen())
	}
	_, _, dropped := a.Stats()
	if dropped != 2 {
		t.Errorf("Expected 2 drops, got %d", dropped)
	}

	// Drain and check the survivors are the newest three.
	if err := a.DrainAll(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	readings, _, _, _, _ := gw.Counts()
	if readings != 3 {
		t.Fatalf("Expected 3 persisted readings, got %d", readings)
	}
}

func TestHandleMessageFormats(t *testing.T) {
	gw := memory.New()
	a, sink := newTestAdapter(gw, nil, 10)
	ctx := context.Background()

	for _, payload := range []string{`{"value": 21.5}`, `23.75`, ` 19 `} {
		if err := a.HandleMessage(ctx, []byte(payload)); err != nil {
			t.Fatalf("HandleMessage(%q) failed: %v", payload, err)
		}
	}
	if len(sink.values) != 3 {
		t.Fatalf("Expected 3 accepted readings, got %v", sink.values)
	}
	if sink.values[0] != 21.5 || sink.values[1] != 23.75 || sink.values[2] != 19 {
		t.Errorf("Unexpected parsed values: %v", sink.values)
	}

	// Garbage is rejected, never an error: the feed must keep flowing.
	for _, payload := range []string{`{"value": "warm"}`, `not json`, `{}`} {
		if err := a.HandleMessage(ctx, []byte(payload)); err != nil {
			t.Errorf("HandleMessage(%q) returned error: %v", payload, err)
		}
	}
	_, rejected, _ := a.Stats()
	if rejected != 3 {
		t.Errorf("Expected 3 rejections, got %d", rejected)
	}
	if len(sink.values) != 3 {
		t.Errorf("Malformed payloads reached the reducer: %v", sink.values)
	}
}

func TestDrainBulkInsert(t *testing.T) {
	gw := memory.New()
	a, _ := newTestAdapter(gw, nil, 10)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a.OnReading(ctx, 20, base.Add(time.Duration(i)*time.Second))
	}

	// One drain moves one batch (batchSize = 3).
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	readings, _, _, _, _ := gw.Counts()
	if readings != 3 {
		t.Errorf("Expected one batch of 3 persisted, got %d", readings)
	}
	if a.QueueLen() != 2 {
		t.Errorf("Expected 2 left queued, got %d", a.QueueLen())
	}

	if err := a.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll failed: %v", err)
	}
	readings, _, _, _, _ = gw.Counts()
	if readings != 5 || a.QueueLen() != 0 {
		t.Errorf("Expected all 5 persisted and queue empty, got %d persisted, %d queued", readings, a.QueueLen())
	}
}

func TestDrainFallsBackToPerRecord(t *testing.T) {
	gw := memory.New()
	a, _ := newTestAdapter(gw, nil, 10)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		a.OnReading(ctx, 20, base.Add(time.Duration(i)*time.Second))
	}

	// Fail all three bulk attempts; the per-record fallback then succeeds.
	gw.FailNextWrites(3)
	if err := a.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	readings, _, _, _, _ := gw.Counts()
	if readings != 3 {
		t.Errorf("Expected per-record fallback to persist all 3, got %d", readings)
	}
	if a.QueueLen() != 0 {
		t.Errorf("Expected queue drained, got %d", a.QueueLen())
	}
}

func TestJournalRestoreAfterRestart(t *testing.T) {
	gw := memory.New()
	jnl, err := journal.Open(journal.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open journal failed: %v", err)
	}
	defer jnl.Close()

	a, _ := newTestAdapter(gw, jnl, 10)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		a.OnReading(ctx, float64(i+1), base.Add(time.Duration(i)*time.Second))
	}

	// Simulate a crash before the drain: a fresh adapter over the same
	// journal recovers the queue.
	restarted, _ := newTestAdapter(gw, jnl, 10)
	if err := restarted.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restarted.QueueLen() != 4 {
		t.Fatalf("Expected 4 readings restored, got %d", restarted.QueueLen())
	}

	if err := restarted.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll failed: %v", err)
	}
	readings, _, _, _, _ := gw.Counts()
	if readings != 4 {
		t.Errorf("Expected 4 readings persisted after restore, got %d", readings)
	}

	// The drain trimmed the journal: another restore finds nothing.
	again, _ := newTestAdapter(gw, jnl, 10)
	if err := again.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if again.QueueLen() != 0 {
		t.Errorf("Expected empty journal after trim, got %d entries", again.QueueLen())
	}
}
