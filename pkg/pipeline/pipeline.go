package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/tinypipe/tinypipe/pkg/config"
	"github.com/tinypipe/tinypipe/pkg/export"
	"github.com/tinypipe/tinypipe/pkg/gateway"
	"github.com/tinypipe/tinypipe/pkg/ingest"
	"github.com/tinypipe/tinypipe/pkg/ingest/journal"
	"github.com/tinypipe/tinypipe/pkg/reduce"
	"github.com/tinypipe/tinypipe/pkg/retention"
	"github.com/tinypipe/tinypipe/pkg/schedule"
	"github.com/tinypipe/tinypipe/pkg/status"
	"github.com/tinypipe/tinypipe/pkg/window"
)

// Config collects the pipeline tunables. Defaults mirror pkg/config.
type Config struct {
	ExportDir string

	MinValue        float64
	MaxValue        float64
	MaxQueue        int
	BatchSize       int
	MaxMinuteBuffer int

	WindowSize  int
	SlotMinutes int

	SaveInterval       time.Duration
	FallbackFlushEvery time.Duration
	DailyCheckEvery    time.Duration
	BatchCheckEvery    time.Duration
	CleanupInterval    time.Duration
	JournalGCInterval  time.Duration

	DailyExportHour  int
	ExpectedPerBatch int

	SampleRetention    time.Duration
	AggregateRetention time.Duration
	ExportRetention    time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExportDir:          config.DefaultExportDir,
		MinValue:           config.MinPlausibleValue,
		MaxValue:           config.MaxPlausibleValue,
		MaxQueue:           config.MaxSaveQueue,
		BatchSize:          config.SaveBatchSize,
		MaxMinuteBuffer:    config.MaxMinuteBuffer,
		WindowSize:         config.WindowSize,
		SlotMinutes:        config.SlotMinutes,
		SaveInterval:       config.SaveInterval,
		FallbackFlushEvery: config.FallbackFlushEvery,
		DailyCheckEvery:    config.DailyCheckEvery,
		BatchCheckEvery:    config.BatchCheckEvery,
		CleanupInterval:    config.CleanupInterval,
		JournalGCInterval:  config.JournalGCInterval,
		DailyExportHour:    config.DailyExportHour,
		ExpectedPerBatch:   config.ExpectedPerBatch,
		SampleRetention:    config.SampleRetention,
		AggregateRetention: config.AggregateRetention,
		ExportRetention:    config.ExportRetention,
		ShutdownTimeout:    config.ShutdownTimeout,
	}
}

// Pipeline owns all pipeline state and wires the components together.
// Collaborators receive handles at construction; nothing reads ambient
// globals.
type Pipeline struct {
	cfg Config

	gw       gateway.Gateway
	feed     ingest.Feed
	jnl      *journal.Journal
	adapter  *ingest.Adapter
	reducer  *reduce.Reducer
	agg      *window.Aggregator
	daily    *export.DailyJob
	batch    *export.BatchJob
	cleaner  *retention.Cleaner
	sched    *schedule.Scheduler
	notifier *export.Notifier

	// processing guards the flush/aggregate path: the fallback timer
	// skips its tick while a data-triggered flush is in flight.
	processing atomic.Bool

	monitors map[string]*status.JobMonitor
}

// New builds the pipeline. jnl may be nil to run without a journal.
func New(gw gateway.Gateway, feed ingest.Feed, jnl *journal.Journal, cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		gw:       gw,
		feed:     feed,
		jnl:      jnl,
		sched:    schedule.New(),
		notifier: &export.Notifier{},
		monitors: make(map[string]*status.JobMonitor),
	}

	p.agg = window.New(gw, cfg.WindowSize, cfg.SlotMinutes)
	p.reducer = reduce.New(gw, p.agg, cfg.MaxMinuteBuffer)
	p.adapter = ingest.New(gw, guardedSink{p}, jnl, ingest.Config{
		MinValue:  cfg.MinValue,
		MaxValue:  cfg.MaxValue,
		MaxQueue:  cfg.MaxQueue,
		BatchSize: cfg.BatchSize,
	})
	p.daily = export.NewDailyJob(gw, p.agg, cfg.ExportDir, cfg.DailyExportHour)
	p.batch = export.NewBatchJob(gw, cfg.ExportDir, cfg.ExpectedPerBatch, p.notifier)
	p.cleaner = retention.New(gw, cfg.SampleRetention, cfg.AggregateRetention, cfg.ExportRetention)
	return p
}

// guardedSink marks the flush/aggregate path busy while a reading moves
// through the reducer.
type guardedSink struct{ p *Pipeline }

func (s guardedSink) Ingest(ctx context.Context, value float64, now time.Time) error {
	release := s.p.beginProcessing()
	defer release()
	return s.p.reducer.Ingest(ctx, value, now)
}

func (p *Pipeline) beginProcessing() func() {
	if p.processing.CompareAndSwap(false, true) {
		return func() { p.processing.Store(false) }
	}
	return func() {}
}

// Notifier exposes batch export notifications for listener registration.
func (p *Pipeline) Notifier() *export.Notifier {
	return p.notifier
}

// Start restores the journal, registers the recurring tasks, and starts
// the feed subscription. It returns once everything is running.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.adapter.Restore(); err != nil {
		return fmt.Errorf("restore save queue: %w", err)
	}

	p.sched.Add("save-drain", p.cfg.SaveInterval, p.monitored("save-drain",
		func(ctx context.Context, _ time.Time) error {
			return p.adapter.Drain(ctx)
		}))

	p.sched.Add("minute-fallback", p.cfg.FallbackFlushEvery, p.monitored("minute-fallback",
		func(ctx context.Context, now time.Time) error {
			// Skip the tick when a data-triggered flush is in flight;
			// the reducer's own lock makes this safe either way.
			if !p.processing.CompareAndSwap(false, true) {
				return nil
			}
			defer p.processing.Store(false)
			return p.reducer.FlushStale(ctx, now)
		}))

	p.sched.Add("daily-export", p.cfg.DailyCheckEvery, p.monitored("daily-export", p.daily.RunIfDue))
	p.sched.Add("batch-export", p.cfg.BatchCheckEvery, p.monitored("batch-export", p.batch.Run))
	p.sched.Add("cleanup", p.cfg.CleanupInterval, p.monitored("cleanup", p.cleaner.Run))

	if p.jnl != nil {
		p.sched.Add("journal-gc", p.cfg.JournalGCInterval, func(ctx context.Context, _ time.Time) error {
			// Badger reports an error when no rewrite was needed.
			p.jnl.RunGC(0.5)
			return nil
		})
	}

	p.sched.Start(ctx)

	go func() {
		err := p.feed.Subscribe(ctx, func(payload []byte) error {
			return p.adapter.HandleMessage(ctx, payload)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Feed subscription ended: %v", err)
		}
	}()

	return nil
}

func (p *Pipeline) monitored(name string, fn func(ctx context.Context, now time.Time) error) func(ctx context.Context, now time.Time) error {
	m := &status.JobMonitor{}
	p.monitors[name] = m
	return func(ctx context.Context, now time.Time) error {
		if err := fn(ctx, now); err != nil {
			m.RecordFailure(err)
			return err
		}
		m.RecordSuccess()
		return nil
	}
}

// Shutdown stops all timers, then drains the minute buffer and the save
// queue. The drain is bounded: past the timeout remaining in-memory
// data is lost and logged.
func (p *Pipeline) Shutdown() error {
	p.sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		if err := p.reducer.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain minute buffer: %w", err))
		}
		if err := p.adapter.DrainAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain save queue: %w", err))
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		log.Println("Pipeline drained cleanly")
		return nil
	case <-ctx.Done():
		log.Printf("DATA LOSS: shutdown drain exceeded %v, %d buffered values and %d queued readings lost",
			p.cfg.ShutdownTimeout, p.reducer.BufferSize(), p.adapter.QueueLen())
		return fmt.Errorf("shutdown drain timed out after %v", p.cfg.ShutdownTimeout)
	}
}

// Snapshot implements status.Controller.
func (p *Pipeline) Snapshot() status.Snapshot {
	lastValue, lastSeen := p.adapter.LastSeen()
	accepted, rejected, dropped := p.adapter.Stats()

	s := status.Snapshot{
		MinuteBufferSize: p.reducer.BufferSize(),
		SaveQueueSize:    p.adapter.QueueLen(),
		LastValue:        lastValue,
		LastSlot:         p.agg.LastSlot(),
		Processing:       p.processing.Load(),
		FeedState:        p.feed.State().String(),
		Accepted:         accepted,
		Rejected:         rejected,
		Dropped:          dropped,
		Jobs:             make(map[string]status.JobStatus, len(p.monitors)),
	}
	if !lastSeen.IsZero() {
		s.LastSeenAt = lastSeen.Format(time.RFC3339)
	}
	if last := p.reducer.LastSavedMinute(); !last.IsZero() {
		s.LastSavedMinute = last.Format("2006-01-02 15:04")
	}
	for name, m := range p.monitors {
		s.Jobs[name] = m.Status()
	}
	return s
}

// ForceFlush drains the current minute buffer immediately.
func (p *Pipeline) ForceFlush(ctx context.Context) error {
	release := p.beginProcessing()
	defer release()
	return p.reducer.Flush(ctx)
}

// ForceAggregate runs one aggregation check immediately.
func (p *Pipeline) ForceAggregate(ctx context.Context) (int, error) {
	release := p.beginProcessing()
	defer release()
	return p.agg.MaybeAggregate(ctx)
}

// ForceDailyExport runs the daily export now, ignoring the schedule hour.
func (p *Pipeline) ForceDailyExport(ctx context.Context) error {
	return p.daily.Run(ctx, time.Now())
}

// ForceBatchExport runs the batch export check now.
func (p *Pipeline) ForceBatchExport(ctx context.Context) error {
	return p.batch.Run(ctx, time.Now())
}

// ForceCleanup runs one cleanup pass now.
func (p *Pipeline) ForceCleanup(ctx context.Context) error {
	return p.cleaner.Run(ctx, time.Now())
}

// ForceReconnect resets a feed stuck in the terminal retry state.
func (p *Pipeline) ForceReconnect() error {
	return p.feed.ForceReconnect()
}
