package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs named functions on fixed intervals. Each task runs its
// function synchronously in its own goroutine, so one task never overlaps
// itself; a slow run simply delays the next tick.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *slog.Logger
}

type task struct {
	cancel context.CancelFunc
}

// NewScheduler returns a Scheduler ready for registrations.
func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   make(map[string]*task),
		baseCtx: ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Register starts running fn every interval under the given id and returns
// an unregister handle. Re-registering an id replaces the previous task.
// With immediate set, fn runs once right away.
func (s *Scheduler) Register(id string, fn func(context.Context), interval time.Duration, immediate bool) (unregister func()) {
	s.mu.Lock()
	if prev, ok := s.tasks[id]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{cancel: cancel}
	s.tasks[id] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		s.mu.Lock()
		// Re-registration swaps the map entry; a stale unregister must not
		// remove its replacement.
		if s.tasks[id] == t {
			delete(s.tasks, id)
		}
		s.mu.Unlock()
		cancel()
	}
}

// Name returns the worker identifier.
func (s *Scheduler) Name() string { return "scheduler" }

// Run blocks until ctx is cancelled, then stops all tasks and waits for
// in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()
	s.cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}
