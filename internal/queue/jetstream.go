package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

type jsMsg interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
	Metadata() (*nats.MsgMetadata, error)
}

type jsSubscription interface {
	Fetch(batch int, timeout time.Duration) ([]jsMsg, error)
}

type jsContext interface {
	Publish(subject string, data []byte) error
	PullSubscribe(subject, durable string, opts ...nats.SubOpt) (jsSubscription, error)
	EnsureStream(cfg *nats.StreamConfig) error
	PendingCount(stream string) (uint64, error)
	Close() error
}

// JetStreamConfig wires a durable queue onto a NATS JetStream stream.
type JetStreamConfig struct {
	Address    string
	Stream     string
	Subject    string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
}

// JetStreamQueue is the durable backend: deliveries stay invisible to
// other consumers until acked, un-acked work is redelivered up to
// MaxDeliver attempts, and exhausted deliveries are dead-lettered with a
// recorded reason. Connection loss surfaces as ErrUnavailable; the next
// call reconnects under exponential backoff.
type JetStreamQueue struct {
	js         jsContext
	stream     string
	subject    string
	deadLetter string
	durable    string
	maxDeliver int
	ackWait    time.Duration

	mu     sync.Mutex
	sub    jsSubscription
	closed bool
}

// DeadLetterRecord is what operators find on the dead-letter subject.
type DeadLetterRecord struct {
	Key          string    `json:"key"`
	Reason       string    `json:"reason"`
	Deliveries   int       `json:"deliveries"`
	DeadLettered time.Time `json:"dead_lettered_at"`
}

func NewJetStreamQueue(cfg JetStreamConfig) (*JetStreamQueue, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	return newJetStreamQueue(&jsContextAdapter{conn: conn, js: js}, cfg)
}

func newJetStreamQueue(js jsContext, cfg JetStreamConfig) (*JetStreamQueue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	durable := strings.TrimSpace(cfg.Durable)
	if durable == "" {
		durable = "agent-workers"
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 4
	}
	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}

	q := &JetStreamQueue{
		js:         js,
		stream:     stream,
		subject:    subject,
		deadLetter: subject + ".dead",
		durable:    durable,
		maxDeliver: maxDeliver,
		ackWait:    ackWait,
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *JetStreamQueue) ensureStream() error {
	return q.js.EnsureStream(&nats.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.subject, q.deadLetter},
		Retention: nats.WorkQueuePolicy,
	})
}

func (q *JetStreamQueue) Put(ctx context.Context, key task.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := q.js.Publish(q.subject, []byte(key.String())); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *JetStreamQueue) Get(ctx context.Context, timeout time.Duration) (Delivery, bool, error) {
	sub, err := q.subscription(ctx)
	if err != nil {
		return Delivery{}, false, err
	}

	msgs, err := sub.Fetch(1, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, false, nil
		}
		q.dropSubscription()
		return Delivery{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(msgs) == 0 {
		return Delivery{}, false, nil
	}

	msg := msgs[0]
	key, err := task.ParseKey(string(msg.Data()))
	if err != nil {
		// Poison payload: never parseable, so retrying cannot help.
		_ = q.publishDeadLetter(string(msg.Data()), "unparseable task key: "+err.Error(), q.deliveries(msg))
		_ = msg.Term()
		return Delivery{}, false, nil
	}

	deliveries := q.deliveries(msg)
	return Delivery{
		Key:        key,
		Deliveries: deliveries,
		ack:        msg.Ack,
		nak: func(reason string) error {
			if deliveries >= q.maxDeliver {
				if err := q.publishDeadLetter(key.String(), reason, deliveries); err != nil {
					return err
				}
				return msg.Term()
			}
			return msg.Nak()
		},
	}, true, nil
}

func (q *JetStreamQueue) Empty(context.Context) (bool, error) {
	pending, err := q.js.PendingCount(q.stream)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return pending == 0, nil
}

func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.sub = nil
	q.mu.Unlock()
	return q.js.Close()
}

func (q *JetStreamQueue) deliveries(msg jsMsg) int {
	meta, err := msg.Metadata()
	if err != nil || meta == nil {
		return 1
	}
	return int(meta.NumDelivered)
}

func (q *JetStreamQueue) publishDeadLetter(key, reason string, deliveries int) error {
	record := DeadLetterRecord{
		Key:          key,
		Reason:       strings.TrimSpace(reason),
		Deliveries:   deliveries,
		DeadLettered: time.Now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return q.js.Publish(q.deadLetter, raw)
}

// subscription returns the pull consumer, (re)creating it under backoff
// after connection loss. Claimed-but-unacked work survives: it rides the
// server-side ack wait and is redelivered.
func (q *JetStreamQueue) subscription(ctx context.Context) (jsSubscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.sub != nil {
		return q.sub, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		sub, err := q.js.PullSubscribe(q.subject, q.durable,
			nats.AckExplicit(),
			nats.MaxDeliver(q.maxDeliver),
			nats.AckWait(q.ackWait),
		)
		if err != nil {
			return err
		}
		q.sub = sub
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return q.sub, nil
}

func (q *JetStreamQueue) dropSubscription() {
	q.mu.Lock()
	q.sub = nil
	q.mu.Unlock()
}

type jsContextAdapter struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func (a *jsContextAdapter) Publish(subject string, data []byte) error {
	_, err := a.js.Publish(subject, data)
	return err
}

func (a *jsContextAdapter) PullSubscribe(subject, durable string, opts ...nats.SubOpt) (jsSubscription, error) {
	sub, err := a.js.PullSubscribe(subject, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &jsSubscriptionAdapter{sub: sub}, nil
}

func (a *jsContextAdapter) EnsureStream(cfg *nats.StreamConfig) error {
	_, err := a.js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("inspect stream %q: %w", cfg.Name, err)
	}
	if _, err := a.js.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream %q: %w", cfg.Name, err)
	}
	return nil
}

func (a *jsContextAdapter) PendingCount(stream string) (uint64, error) {
	info, err := a.js.StreamInfo(stream)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

func (a *jsContextAdapter) Close() error {
	a.conn.Close()
	return nil
}

type jsSubscriptionAdapter struct {
	sub *nats.Subscription
}

func (a *jsSubscriptionAdapter) Fetch(batch int, timeout time.Duration) ([]jsMsg, error) {
	msgs, err := a.sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		return nil, err
	}
	out := make([]jsMsg, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, &jsMsgAdapter{msg: msg})
	}
	return out, nil
}

type jsMsgAdapter struct {
	msg *nats.Msg
}

func (a *jsMsgAdapter) Data() []byte { return a.msg.Data }

func (a *jsMsgAdapter) Ack() error { return a.msg.Ack() }

func (a *jsMsgAdapter) Nak() error { return a.msg.Nak() }

func (a *jsMsgAdapter) Term() error { return a.msg.Term() }

func (a *jsMsgAdapter) Metadata() (*nats.MsgMetadata, error) { return a.msg.Metadata() }
