package graphd

import (
	"context"
	"sync"

	"github.com/vergedb/verge/pkg/status"
)

// Scheduler caps one query's parallelism without starving others: a batch
// of tasks queues up and at most maxThreads run at once, a slot freeing
// when a task completes. One scheduler serves one query; different
// queries' schedulers share nothing, so a greedy query cannot drain the
// pool for everyone.
type Scheduler struct {
	slots chan struct{}
}

// NewScheduler creates a per-query scheduler.
func NewScheduler(maxThreads int) *Scheduler {
	if maxThreads <= 0 {
		maxThreads = 4
	}
	return &Scheduler{slots: make(chan struct{}, maxThreads)}
}

// RunBatch runs every task, bounded by the slot count, and waits for the
// batch. The first task error (or the context cancellation) wins.
func (s *Scheduler) RunBatch(ctx context.Context, tasks []func(ctx context.Context) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(ctx context.Context) error) {
			defer wg.Done()
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
				record(status.New(status.ErrCancelled, "query cancelled"))
				return
			}
			defer func() { <-s.slots }()
			if err := task(ctx); err != nil {
				record(err)
			}
		}(task)
	}
	wg.Wait()
	return firstErr
}
