package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hallucheck-backend/internal/queue"
	"hallucheck-backend/internal/shared/metrics"
)

// ErrDispatcherClosed is returned once a dispatcher has begun shutting down.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Task is one job handed off for background processing.
type Task struct {
	JobID     string
	RequestID string
	// Run is the in-process body. Dispatchers that hand off to another
	// process ignore it.
	Run func(ctx context.Context)
}

// Dispatcher starts background processing of a job and returns without
// waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// PoolDispatcher runs tasks on goroutines in this process, at most
// concurrency at a time. Tasks beyond that wait their turn.
type PoolDispatcher struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPoolDispatcher returns a dispatcher bounded to concurrency running tasks.
func NewPoolDispatcher(concurrency int) *PoolDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &PoolDispatcher{sem: semaphore.NewWeighted(int64(concurrency))}
}

// Dispatch schedules task.Run with ctx.
func (d *PoolDispatcher) Dispatch(ctx context.Context, task Task) error {
	if task.Run == nil {
		return errors.New("task has no body")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		task.Run(ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends.
func (d *PoolDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDispatcher hands tasks to queue workers.
type QueueDispatcher struct {
	Queue queue.Client
	Now   func() time.Time
}

// Dispatch enqueues a message naming the job.
func (d *QueueDispatcher) Dispatch(ctx context.Context, task Task) error {
	if d.Queue == nil {
		return errors.New("job queue not configured")
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if err := d.Queue.Send(ctx, queue.NewMessage(task.JobID, task.RequestID, now())); err != nil {
		metrics.IncQueueMessage("send_failed")
		return err
	}
	metrics.IncQueueMessage("sent")
	return nil
}

var (
	_ Dispatcher = (*PoolDispatcher)(nil)
	_ Dispatcher = (*QueueDispatcher)(nil)
)
