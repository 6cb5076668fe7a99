package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Gateway stores all pipeline records in memory. Data is lost on
// restart. Useful for testing and development.
type Gateway struct {
	mu sync.RWMutex

	readings   []sample.Reading
	samples    []sample.RawSample
	aggregates []sample.WindowAggregate
	daily      []sample.DailyExport
	batch      []sample.BatchExport

	nextReading   int64
	nextSample    int64
	nextAggregate int64
	nextDaily     int64
	nextBatch     int64

	// FailNextWrites makes the next N writes fail, for exercising the
	// retry policy in tests.
	failNextWrites int
}

// New creates an in-memory gateway.
func New() *Gateway {
	return &Gateway{}
}

// FailNextWrites arms a transient failure for the next n write calls.
func (g *Gateway) FailNextWrites(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNextWrites = n
}

func (g *Gateway) failWrite() error {
	if g.failNextWrites > 0 {
		g.failNextWrites--
		return fmt.Errorf("injected transient failure")
	}
	return nil
}

func (g *Gateway) InsertReadings(ctx context.Context, readings []sample.Reading) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failWrite(); err != nil {
		return err
	}
	for _, r := range readings {
		g.nextReading++
		r.ID = g.nextReading
		g.readings = append(g.readings, r)
	}
	return nil
}

func (g *Gateway) InsertReading(ctx context.Context, r sample.Reading) error {
	return g.InsertReadings(ctx, []sample.Reading{r})
}

func (g *Gateway) DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.readings[:0]
	var removed int64
	for _, r := range g.readings {
		if r.CapturedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	g.readings = kept
	return removed, nil
}

func (g *Gateway) InsertRawSample(ctx context.Context, s sample.RawSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failWrite(); err != nil {
		return err
	}
	g.nextSample++
	s.ID = g.nextSample
	s.Consumed = false
	g.samples = append(g.samples, s)
	return nil
}

func (g *Gateway) ListUnconsumedSamples(ctx context.Context, limit int) ([]sample.RawSample, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []sample.RawSample
	for _, s := range g.samples {
		if !s.Consumed {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapturedAt.Equal(out[j].CapturedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Gateway) ConsumeSamples(ctx context.Context, ids []int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consumeLocked(ids)
	return nil
}

func (g *Gateway) consumeLocked(ids []int64) {
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range g.samples {
		if idSet[g.samples[i].ID] {
			g.samples[i].Consumed = true
		}
	}
}

func (g *Gateway) CreateAggregate(ctx context.Context, agg sample.WindowAggregate, consumeIDs []int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failWrite(); err != nil {
		return err
	}
	for _, existing := range g.aggregates {
		if existing.Date == agg.Date && existing.Slot == agg.Slot {
			return fmt.Errorf("aggregate %s %s already exists", agg.Date, agg.Slot)
		}
	}
	g.nextAggregate++
	agg.ID = g.nextAggregate
	g.aggregates = append(g.aggregates, agg)
	g.consumeLocked(consumeIDs)
	return nil
}

func (g *Gateway) DeleteConsumedSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.samples[:0]
	var removed int64
	for _, s := range g.samples {
		if s.Consumed && s.CapturedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	g.samples = kept
	return removed, nil
}

func (g *Gateway) FindAggregate(ctx context.Context, date, slot string) (*sample.WindowAggregate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, a := range g.aggregates {
		if a.Date == date && a.Slot == slot {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (g *Gateway) ListUnexportedDaily(ctx context.Context, date string) ([]sample.WindowAggregate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []sample.WindowAggregate
	for _, a := range g.aggregates {
		if a.Date == date && !a.ExportedDaily {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (g *Gateway) ListUnexportedBatch(ctx context.Context, date, slotFrom, slotTo string) ([]sample.WindowAggregate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []sample.WindowAggregate
	for _, a := range g.aggregates {
		if a.Date != date || a.ExportedBatch {
			continue
		}
		start := a.Slot[:5]
		if start >= slotFrom && start < slotTo {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (g *Gateway) MarkDailyExported(ctx context.Context, ids []int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range g.aggregates {
		if idSet[g.aggregates[i].ID] {
			g.aggregates[i].ExportedDaily = true
		}
	}
	return nil
}

func (g *Gateway) MarkBatchExported(ctx context.Context, ids []int64, batchID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range g.aggregates {
		if idSet[g.aggregates[i].ID] {
			g.aggregates[i].ExportedBatch = true
			g.aggregates[i].BatchID = batchID
		}
	}
	return nil
}

func (g *Gateway) DeleteExportedAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.aggregates[:0]
	var removed int64
	for _, a := range g.aggregates {
		if a.ExportedDaily && a.ExportedBatch && a.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	g.aggregates = kept
	return removed, nil
}

func (g *Gateway) FindDailyExport(ctx context.Context, date string) (*sample.DailyExport, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.daily {
		if e.Date == date {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (g *Gateway) InsertDailyExport(ctx context.Context, e sample.DailyExport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failWrite(); err != nil {
		return err
	}
	for _, existing := range g.daily {
		if existing.Date == e.Date {
			return fmt.Errorf("daily export %s already exists", e.Date)
		}
	}
	g.nextDaily++
	e.ID = g.nextDaily
	g.daily = append(g.daily, e)
	return nil
}

func (g *Gateway) FindBatchExport(ctx context.Context, batchID string) (*sample.BatchExport, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.batch {
		if e.BatchID == batchID {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (g *Gateway) InsertBatchExport(ctx context.Context, e sample.BatchExport) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failWrite(); err != nil {
		return err
	}
	for _, existing := range g.batch {
		if existing.BatchID == e.BatchID {
			return fmt.Errorf("batch export %s already exists", e.BatchID)
		}
	}
	g.nextBatch++
	e.ID = g.nextBatch
	g.batch = append(g.batch, e)
	return nil
}

func (g *Gateway) DeleteExportsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var paths []string

	keptDaily := g.daily[:0]
	for _, e := range g.daily {
		if e.ExportedAt.Before(cutoff) {
			paths = append(paths, e.CSVPath, e.SpreadsheetPath)
			continue
		}
		keptDaily = append(keptDaily, e)
	}
	g.daily = keptDaily

	keptBatch := g.batch[:0]
	for _, e := range g.batch {
		if e.ExportedAt.Before(cutoff) {
			paths = append(paths, e.CSVPath, e.SpreadsheetPath)
			continue
		}
		keptBatch = append(keptBatch, e)
	}
	g.batch = keptBatch

	return paths, nil
}

func (g *Gateway) Close() error { return nil }

// Counts returns table sizes for test assertions.
func (g *Gateway) Counts() (readings, samples, aggregates, daily, batch int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.readings), len(g.samples), len(g.aggregates), len(g.daily), len(g.batch)
}

// Samples returns a copy of all raw samples for test assertions.
func (g *Gateway) Samples() []sample.RawSample {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]sample.RawSample, len(g.samples))
	copy(out, g.samples)
	return out
}

// Aggregates returns a copy of all window aggregates for test assertions.
func (g *Gateway) Aggregates() []sample.WindowAggregate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]sample.WindowAggregate, len(g.aggregates))
	copy(out, g.aggregates)
	return out
}
