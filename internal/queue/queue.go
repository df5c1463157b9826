package queue

import (
	"context"
	"errors"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// ErrUnavailable reports that the queue backend cannot currently be
// reached. Consumers suspend and retry; work already claimed is unaffected.
var ErrUnavailable = errors.New("task queue unavailable")

// ErrClosed reports use of a queue after Close.
var ErrClosed = errors.New("task queue closed")

// Delivery is one received task identity. Durable backends keep the
// message invisible to other consumers until Ack; Nak returns it for
// redelivery up to the backend's retry bound, after which it is
// dead-lettered with the recorded reason.
type Delivery struct {
	Key        task.Key
	Deliveries int

	ack func() error
	nak func(reason string) error
}

// Ack signals successful hand-off. A nil receiver function means the
// backend needs no acknowledgement (memory queue).
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak signals the delivery was not processed and should be retried.
func (d Delivery) Nak(reason string) error {
	if d.nak == nil {
		return nil
	}
	return d.nak(reason)
}

// Queue hands task identities from producers to consumers. Delivery is
// at-least-once; exactly-once processing comes from the remote label
// compare-and-swap, not from the queue.
type Queue interface {
	Put(ctx context.Context, key task.Key) error
	// Get blocks up to timeout for the next delivery. ok is false when the
	// queue was empty for the whole window.
	Get(ctx context.Context, timeout time.Duration) (delivery Delivery, ok bool, err error)
	Empty(ctx context.Context) (bool, error)
	Close() error
}
