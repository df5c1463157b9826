package queue

import (
	"context"
	"sync"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// MemoryQueue is the in-process backend: visibility is immediate and there
// is no redelivery. Suitable for single-process runs and tests.
type MemoryQueue struct {
	items chan task.Key

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{items: make(chan task.Key, capacity)}
}

func (q *MemoryQueue) Put(ctx context.Context, key task.Key) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	select {
	case q.items <- key:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Get(ctx context.Context, timeout time.Duration) (Delivery, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case key, ok := <-q.items:
		if !ok {
			return Delivery{}, false, ErrClosed
		}
		return Delivery{Key: key, Deliveries: 1}, true, nil
	case <-timer.C:
		return Delivery{}, false, nil
	case <-ctx.Done():
		return Delivery{}, false, ctx.Err()
	}
}

func (q *MemoryQueue) Empty(context.Context) (bool, error) {
	return len(q.items) == 0, nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
	return nil
}
