package reduce

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Trigger is invoked after every flushed sample so the window
// aggregator can check whether a full window is available.
type Trigger interface {
	MaybeAggregate(ctx context.Context) (int, error)
}

// Reducer accumulates readings within the current wall-clock minute and
// reduces each completed minute to one RawSample (the mean).
//
// The buffer is owned exclusively by the reducer; a mutex serializes
// the data-triggered path against the fallback-timer path so a minute
// is never flushed twice.
type Reducer struct {
	gw        gateway.Gateway
	trigger   Trigger
	maxBuffer int

	mu          sync.Mutex
	minuteStart time.Time
	values      []float64
	lastSaved   time.Time
}

// New creates a reducer. trigger may be nil (tests).
func New(gw gateway.Gateway, trigger Trigger, maxBuffer int) *Reducer {
	return &Reducer{
		gw:        gw,
		trigger:   trigger,
		maxBuffer: maxBuffer,
	}
}

// Ingest buffers one accepted value. Crossing a minute boundary flushes
// the previous minute first. A buffer at capacity is flushed
// immediately, bounding memory under bursts.
func (r *Reducer) Ingest(ctx context.Context, value float64, now time.Time) error {
	minute := now.Truncate(time.Minute)

	r.mu.Lock()
	var pending []flushBatch
	if !r.minuteStart.IsZero() && !minute.Equal(r.minuteStart) {
		pending = append(pending, r.takeLocked())
	}
	if r.minuteStart.IsZero() || !minute.Equal(r.minuteStart) {
		r.minuteStart = minute
	}
	r.values = append(r.values, value)
	if len(r.values) >= r.maxBuffer {
		log.Printf("Minute buffer hit capacity (%d), emergency flush for %s", r.maxBuffer, minute.Format("15:04"))
		batch := r.takeLocked()
		r.minuteStart = minute // later values this minute start a fresh buffer
		pending = append(pending, batch)
	}
	r.mu.Unlock()

	for _, b := range pending {
		if err := r.persist(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// FlushStale flushes a buffer left over from a previous minute even
// when no new data has arrived, so quiet periods never silently drop a
// minute. No-op while the buffer still belongs to the current minute.
func (r *Reducer) FlushStale(ctx context.Context, now time.Time) error {
	r.mu.Lock()
	if len(r.values) == 0 || now.Truncate(time.Minute).Equal(r.minuteStart) {
		r.mu.Unlock()
		return nil
	}
	batch := r.takeLocked()
	r.mu.Unlock()

	return r.persist(ctx, batch)
}

// Flush drains whatever is buffered, current minute included. Used by
// the manual trigger and the shutdown drain.
func (r *Reducer) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.values) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.takeLocked()
	r.mu.Unlock()

	return r.persist(ctx, batch)
}

type flushBatch struct {
	minute time.Time
	values []float64
}

// takeLocked detaches the buffered minute. Callers hold r.mu.
func (r *Reducer) takeLocked() flushBatch {
	batch := flushBatch{minute: r.minuteStart, values: r.values}
	r.values = nil
	r.minuteStart = time.Time{}
	return batch
}

func (r *Reducer) persist(ctx context.Context, b flushBatch) error {
	if len(b.values) == 0 {
		return nil
	}

	var sum float64
	for _, v := range b.values {
		sum += v
	}
	s := sample.RawSample{
		Value:      sum / float64(len(b.values)),
		CapturedAt: b.minute,
	}

	err := gateway.Retry(ctx, "insert raw sample", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return r.gw.InsertRawSample(ctx, s)
		})
	if err != nil {
		return fmt.Errorf("flush minute %s (%d values): %w", b.minute.Format("15:04"), len(b.values), err)
	}

	r.mu.Lock()
	if b.minute.After(r.lastSaved) {
		r.lastSaved = b.minute
	}
	r.mu.Unlock()

	if r.trigger != nil {
		if _, err := r.trigger.MaybeAggregate(ctx); err != nil {
			log.Printf("Aggregation check after minute %s failed: %v", b.minute.Format("15:04"), err)
		}
	}
	return nil
}

// BufferSize returns the number of values buffered for the current minute.
func (r *Reducer) BufferSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// LastSavedMinute returns the most recently flushed minute boundary.
func (r *Reducer) LastSavedMinute() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSaved
}
