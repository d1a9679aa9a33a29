package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrQueueFull is returned when the buffer has no room. The message is not lost:
	// the reconciliation sweep picks pending orders up again.
	ErrQueueFull = errors.New("jobs: queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("jobs: queue closed")
)

// Handler processes one message.
type Handler func(ctx context.Context, msg Message) error

// LocalQueue is a bounded in-process worker pool implementing Publisher.
type LocalQueue struct {
	handler Handler
	onError func(ctx context.Context, msg Message, err error)
	items   chan Message

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	pending atomic.Int64
}

// QueueOption customises a LocalQueue.
type QueueOption func(*LocalQueue)

// WithErrorHandler receives handler failures.
func WithErrorHandler(fn func(ctx context.Context, msg Message, err error)) QueueOption {
	return func(q *LocalQueue) { q.onError = fn }
}

// NewLocalQueue starts workers goroutines draining a buffer of size buffer.
// Workers run with ctx, so cancelling it abandons queued work.
func NewLocalQueue(ctx context.Context, workers, buffer int, handler Handler, opts ...QueueOption) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	q := &LocalQueue{handler: handler, items: make(chan Message, buffer)}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work(ctx)
	}
	return q
}

func (q *LocalQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for msg := range q.items {
		if ctx.Err() == nil {
			if err := q.handler(ctx, msg); err != nil && q.onError != nil {
				q.onError(ctx, msg, err)
			}
		}
		q.pending.Add(-1)
	}
}

// Publish enqueues without blocking.
func (q *LocalQueue) Publish(_ context.Context, msg Message) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	q.pending.Add(1)
	select {
	case q.items <- msg:
		return ulid.Make().String(), nil
	default:
		q.pending.Add(-1)
		return "", ErrQueueFull
	}
}

// Pending reports queued plus in-flight messages.
func (q *LocalQueue) Pending() int64 {
	return q.pending.Load()
}

// Close stops intake and waits for workers to drain the buffer or for ctx.
func (q *LocalQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
