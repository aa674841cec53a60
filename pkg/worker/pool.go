// Package worker provides a generic worker pool used to fan out inbound
// transport messages without blocking the subscription callback.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/fleetlink/errors"
)

// Sentinel errors for pool lifecycle
var (
	ErrPoolNotStarted     = stderrors.New("worker pool not started")
	ErrPoolStopped        = stderrors.New("worker pool stopped")
	ErrPoolAlreadyStarted = stderrors.New("worker pool already started")
	ErrNilProcessor       = stderrors.New("processor function cannot be nil")
	ErrStopTimeout        = stderrors.New("timeout waiting for workers to stop")
)

// Pool is a fixed-size worker pool processing items of type T from a
// bounded queue. Submit is non-blocking: a full queue returns
// errors.ErrQueueFull so callers get a backpressure signal instead of a
// stalled transport callback.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a worker pool. Workers and queueSize fall back to
// defaults when non-positive.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	return &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
}

// Start launches the workers. The context cancels in-flight processing.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit enqueues work without blocking. Returns errors.ErrQueueFull when
// the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	// The send stays under the lifecycle mutex: Stop closes workChan
	// under the same mutex, so a send can never race the close.
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return errors.ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to drain it, up to timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of pool statistics.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.processor(ctx, work); err != nil {
				p.failed.Add(1)
			} else {
				p.processed.Add(1)
			}
		}
	}
}
