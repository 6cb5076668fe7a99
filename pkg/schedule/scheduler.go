package schedule

import (
	"context"
	"log"
	"sync"
	"time"
)

// Task is one named recurring job. Run receives the tick time so jobs
// stay testable with synthetic clocks.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context, now time.Time) error
}

// Scheduler runs named recurring tasks on individual tickers and stops
// them all through one cancellation, so shutdown is deterministic.
//
// A task failure is caught at the task boundary: logged with the task
// name and abandoned until the next tick. One failing task never blocks
// its siblings and never crashes the process.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(name string, every time.Duration, run func(ctx context.Context, now time.Time) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Every: every, Run: run})
}

// Start launches every registered task loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
	log.Printf("Scheduler started with %d tasks", len(s.tasks))
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runOne(ctx, task, now)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, task Task, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Task %q panicked: %v", task.Name, r)
		}
	}()

	if err := task.Run(ctx, now); err != nil {
		log.Printf("Task %q failed, retrying on next tick: %v", task.Name, err)
	}
}

// Stop cancels all task loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
