package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/ingest/journal"
	"github.com/tinypipe/tinypipe/pkg/sample"
)

// Sink receives accepted readings; in production it is the minute
// reducer.
type Sink interface {
	Ingest(ctx context.Context, value float64, now time.Time) error
}

// Adapter validates feed messages, tracks the last seen value, queues
// accepted readings for batched persistence, and forwards them to the
// reducer.
//
// The save queue is bounded with a drop-oldest policy: under sustained
// overload the newest readings win. The optional journal mirrors the
// queue to disk so a crash does not lose queued readings.
type Adapter struct {
	gw      gateway.Gateway
	sink    Sink
	journal *journal.Journal

	minValue  float64
	maxValue  float64
	maxQueue  int
	batchSize int

	mu        sync.Mutex
	queue     []queued
	lastValue float64
	lastSeen  time.Time

	dropped  atomic.Uint64
	rejected atomic.Uint64
	accepted atomic.Uint64

	draining atomic.Bool
}

type queued struct {
	seq     uint64
	reading sample.Reading
}

// Config bounds the adapter.
type Config struct {
	MinValue  float64
	MaxValue  float64
	MaxQueue  int
	BatchSize int
}

// New creates an adapter. jnl may be nil to run without a journal.
func New(gw gateway.Gateway, sink Sink, jnl *journal.Journal, cfg Config) *Adapter {
	return &Adapter{
		gw:        gw,
		sink:      sink,
		journal:   jnl,
		minValue:  cfg.MinValue,
		maxValue:  cfg.MaxValue,
		maxQueue:  cfg.MaxQueue,
		batchSize: cfg.BatchSize,
	}
}

// Restore replays journaled readings into the save queue. Called once
// at startup, before the feed subscription starts.
func (a *Adapter) Restore() error {
	if a.journal == nil {
		return nil
	}

	restored := 0
	err := a.journal.Replay(func(seq uint64, r sample.Reading) error {
		a.mu.Lock()
		a.queue = append(a.queue, queued{seq: seq, reading: r})
		a.mu.Unlock()
		restored++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	if restored > 0 {
		log.Printf("Restored %d queued readings from journal", restored)
	}
	return nil
}

// HandleMessage parses one feed payload and ingests it. Payloads are
// either a JSON object {"value": 21.5} or a bare number.
func (a *Adapter) HandleMessage(ctx context.Context, payload []byte) error {
	value, err := parsePayload(payload)
	if err != nil {
		a.rejected.Add(1)
		log.Printf("Rejected malformed reading %q: %v", truncate(payload), err)
		return nil
	}
	a.OnReading(ctx, value, time.Now())
	return nil
}

// OnReading validates and ingests one value. Non-finite or out-of-range
// values are rejected with a logged warning and no side effect.
func (a *Adapter) OnReading(ctx context.Context, value float64, now time.Time) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < a.minValue || value > a.maxValue {
		a.rejected.Add(1)
		log.Printf("Rejected out-of-range reading %v (plausible range %v..%v)", value, a.minValue, a.maxValue)
		return false
	}

	r := sample.Reading{Value: value, CapturedAt: now}

	var seq uint64
	if a.journal != nil {
		var err error
		seq, err = a.journal.Append(r)
		if err != nil {
			// The in-memory queue still holds the reading; only crash
			// durability is degraded.
			log.Printf("Journal append failed: %v", err)
		}
	}

	a.mu.Lock()
	a.lastValue = value
	a.lastSeen = now
	a.queue = append(a.queue, queued{seq: seq, reading: r})
	var droppedEntry *queued
	if len(a.queue) > a.maxQueue {
		dropped := a.queue[0]
		droppedEntry = &dropped
		a.queue = a.queue[1:]
	}
	a.mu.Unlock()

	if droppedEntry != nil {
		a.dropped.Add(1)
		log.Printf("Save queue full (%d), dropped oldest reading from %s", a.maxQueue, droppedEntry.reading.CapturedAt.Format(time.RFC3339))
		if a.journal != nil {
			if err := a.journal.Delete(droppedEntry.seq); err != nil {
				log.Printf("Journal delete failed: %v", err)
			}
		}
	}

	a.accepted.Add(1)

	if err := a.sink.Ingest(ctx, value, now); err != nil {
		// Persistence already retried inside the reducer; the reading
		// is still queued for the raw bulk insert.
		log.Printf("Reducer ingest failed: %v", err)
	}
	return true
}

// Drain persists up to one batch of queued readings through a single
// bulk insert. On bulk failure it falls back to per-record inserts
// before giving up on the failing records. The atomic guard keeps a
// slow drain from overlapping the next tick.
func (a *Adapter) Drain(ctx context.Context) error {
	if !a.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer a.draining.Store(false)

	a.mu.Lock()
	n := len(a.queue)
	if n == 0 {
		a.mu.Unlock()
		return nil
	}
	if n > a.batchSize {
		n = a.batchSize
	}
	batch := make([]queued, n)
	copy(batch, a.queue[:n])
	a.queue = a.queue[n:]
	a.mu.Unlock()

	readings := make([]sample.Reading, n)
	for i, q := range batch {
		readings[i] = q.reading
	}

	err := gateway.Retry(ctx, "bulk insert readings", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
		func(ctx context.Context) error {
			return a.gw.InsertReadings(ctx, readings)
		})
	if err != nil {
		log.Printf("Bulk insert of %d readings failed, falling back to per-record: %v", n, err)
		failed := 0
		for _, r := range readings {
			rerr := gateway.Retry(ctx, "insert reading", gateway.DefaultAttempts, gateway.DefaultBaseDelay,
				func(ctx context.Context) error {
					return a.gw.InsertReading(ctx, r)
				})
			if rerr != nil {
				failed++
			}
		}
		if failed > 0 {
			log.Printf("Gave up on %d/%d readings after per-record retries", failed, n)
		}
	}

	if a.journal != nil {
		if err := a.journal.Trim(batch[n-1].seq); err != nil {
			log.Printf("Journal trim failed: %v", err)
		}
	}
	return nil
}

// DrainAll empties the save queue, used by the shutdown drain.
func (a *Adapter) DrainAll(ctx context.Context) error {
	for a.QueueLen() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// QueueLen returns the number of queued readings.
func (a *Adapter) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// LastSeen returns the last accepted value and when it arrived.
func (a *Adapter) LastSeen() (float64, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastValue, a.lastSeen
}

// Stats returns accepted/rejected/dropped totals.
func (a *Adapter) Stats() (accepted, rejected, dropped uint64) {
	return a.accepted.Load(), a.rejected.Load(), a.dropped.Load()
}

func parsePayload(payload []byte) (float64, error) {
	var obj struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && obj.Value != nil {
		return *obj.Value, nil
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		return 0, fmt.Errorf("payload is neither a value object nor a number")
	}
	return value, nil
}

func truncate(payload []byte) string {
	const max = 64
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}
