package window

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Aggregator reduces fixed-count windows of raw samples into one
// WindowAggregate per (date, slot).
//
// Aggregation is idempotent: an existing (date, slot) aggregate means a
// window was already built for those samples (e.g. a re-run after a
// crash mid-consume), so the samples are consumed without creating a
// second aggregate.
type Aggregator struct {
	gw          gateway.Gateway
	windowSize  int
	slotMinutes int

	mu       sync.Mutex
	lastSlot string
}

// New creates an aggregator over windows of windowSize samples, mapped
// onto slotMinutes-wide wall-clock slots.
func New(gw gateway.Gateway, windowSize, slotMinutes int) *Aggregator {
	return &Aggregator{
		gw:          gw,
		windowSize:  windowSize,
		slotMinutes: slotMinutes,
	}
}

// MaybeAggregate builds aggregates while at least windowSize unconsumed
// samples exist, always consuming the oldest window first. Returns the
// number of aggregates created.
func (a *Aggregator) MaybeAggregate(ctx context.Context) (int, error) {
	created := 0
	for {
		samples, err := a.gw.ListUnconsumedSamples(ctx, a.windowSize)
		if err != nil {
			return created, fmt.Errorf("list unconsumed samples: %w", err)
		}
		if len(samples) < a.windowSize {
			return created, nil
		}

		ok, err := a.aggregate(ctx, samples)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
}

// SweepPartial aggregates leftover samples captured before cutoff even
// when fewer than windowSize remain. The daily export calls this so
// partial trailing windows from the prior date are closed before the
// roll-up; nothing else auto-closes them.
func (a *Aggregator) SweepPartial(ctx context.Context, cutoff time.Time) error {
	for {
		samples, err := a.gw.ListUnconsumedSamples(ctx, a.windowSize)
		if err != nil {
			return fmt.Errorf("list unconsumed samples: %w", err)
		}

		// Keep only samples strictly older than the boundary.
		old := samples[:0]
		for _, s := range samples {
			if s.CapturedAt.Before(cutoff) {
				old = append(old, s)
			}
		}
		if len(old) == 0 {
			return nil
		}

		if _, err := a.aggregate(ctx, old); err != nil {
			return err
		}
	}
}

// aggregate reduces one ordered window of samples. Returns false when
// the (date, slot) already existed and only consumption happened.
func (a *Aggregator) aggregate(ctx context.Context, samples []sample.RawSample) (bool, error) {
	oldest := samples[0]
	date := oldest.CapturedAt.Format(sample.DateLayout)
	slot := a.slotFor(oldest.CapturedAt)

	ids := make([]int64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
		values[i] = s.Value
	}

	existing, err := a.gw.FindAggregate(ctx, date, slot)
	if err != nil {
		return false, fmt.Errorf("lookup aggregate %s %s: %w", date, slot, err)
	}
	if existing != nil {
		// Duplicate window: consume the samples, keep the first aggregate.
		log.Printf("Aggregate for %s %s already exists, consuming %d samples without a new window", date, slot, len(ids))
		err := gateway.Retry(ctx, "consume duplicate window", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
			func(ctx context.Context) error {
				return a.gw.ConsumeSamples(ctx, ids)
			})
		if err != nil {
			return false, err
		}
		a.setLastSlot(slot)
		return false, nil
	}

	stats := Compute(values)
	agg := sample.WindowAggregate{
		Date:        date,
		Slot:        slot,
		Mean:        stats.Mean,
		Median:      stats.Median,
		Mode:        stats.Mode,
		Min:         stats.Min,
		Max:         stats.Max,
		SampleCount: len(samples),
		CreatedAt:   time.Now(),
	}

	err = gateway.Retry(ctx, "create aggregate", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return a.gw.CreateAggregate(ctx, agg, ids)
		})
	if err != nil {
		return false, fmt.Errorf("create aggregate %s %s: %w", date, slot, err)
	}

	log.Printf("Created aggregate %s %s (mean=%.2f, n=%d)", date, slot, agg.Mean, agg.SampleCount)
	a.setLastSlot(slot)
	return true, nil
}

func (a *Aggregator) setLastSlot(slot string) {
	a.mu.Lock()
	a.lastSlot = slot
	a.mu.Unlock()
}

// LastSlot returns the most recently processed slot label.
func (a *Aggregator) LastSlot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSlot
}

// slotFor returns the slot label containing t, e.g. "08:10-08:20".
// The end of the :50 slot wraps to the next hour ("23:50-00:00").
func (a *Aggregator) slotFor(t time.Time) string {
	startMin := (t.Minute() / a.slotMinutes) * a.slotMinutes
	start := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), startMin, 0, 0, t.Location())
	end := start.Add(time.Duration(a.slotMinutes) * time.Minute)
	return start.Format("15:04") + "-" + end.Format("15:04")
}

// Stats are the descriptive statistics of one window.
type Stats struct {
	Mean   float64
	Median float64
	Mode   float64
	Min    float64
	Max    float64
}

// Compute calculates window statistics:
//   - mean rounded to 2 decimals
//   - median as the sorted middle (averaged pair for even counts)
//   - mode as the most frequent value after 1-decimal rounding, first
//     value to reach the winning count wins ties
func Compute(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	var sum float64
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := round2(sum / float64(len(values)))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	counts := make(map[float64]int, len(values))
	mode := round1(values[0])
	best := 0
	for _, v := range values {
		r := round1(v)
		counts[r]++
		if counts[r] > best {
			best = counts[r]
			mode = r
		}
	}

	return Stats{Mean: mean, Median: median, Mode: mode, Min: min, Max: max}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
