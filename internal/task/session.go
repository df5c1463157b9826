package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Labels is the remote label vocabulary. Exactly one of these is attached
// to a live item at any time; the vocabulary doubles as the lock protocol.
type Labels struct {
	Pending    string
	Processing string
	Paused     string
	Done       string
	Error      string
	Stopped    string
}

// FinishStatus is the terminal outcome a session reports exactly once.
type FinishStatus string

const (
	FinishDone    FinishStatus = "done"
	FinishError   FinishStatus = "error"
	FinishPaused  FinishStatus = "paused"
	FinishStopped FinishStatus = "stopped"
)

func (l Labels) forStatus(status FinishStatus) (string, error) {
	switch status {
	case FinishDone:
		return l.Done, nil
	case FinishError:
		return l.Error, nil
	case FinishPaused:
		return l.Paused, nil
	case FinishStopped:
		return l.Stopped, nil
	default:
		return "", fmt.Errorf("unknown finish status %q", status)
	}
}

// SessionOptions configures one processing session for one work item.
type SessionOptions struct {
	Remote     Remote
	Labels     Labels
	BotUser    string
	MaxRetries int
	RetryBase  time.Duration
	Clock      func() time.Time
}

// Session is the live handle bound to one Key for the duration of one
// processing attempt. It owns the label lifecycle: Prepare claims the item
// via compare-and-swap and Finish releases it into a terminal state,
// exactly once. The session itself carries no business state beyond the
// lifecycle guard; it is a capability object for remote reads and writes.
type Session struct {
	key        Key
	id         string
	remote     Remote
	labels     Labels
	botUser    string
	maxRetries int
	retryBase  time.Duration
	clock      func() time.Time

	mu       sync.Mutex
	prepared bool
	finished bool
}

// NewSession binds a key to a fresh session. The session ID tags every log
// line and remote comment produced by this processing attempt.
func NewSession(key Key, opts SessionOptions) (*Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("session remote is required")
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Session{
		key:        key,
		id:         uuid.NewString(),
		remote:     opts.Remote,
		labels:     opts.Labels,
		botUser:    strings.TrimSpace(opts.BotUser),
		maxRetries: retries,
		retryBase:  base,
		clock:      func() time.Time { return clock().UTC() },
	}, nil
}

func (s *Session) Key() Key   { return s.key }
func (s *Session) ID() string { return s.id }

// Prepare claims the item by swapping the pending label for processing.
// ErrAlreadyClaimed means another consumer got there first (or this is a
// stale redelivery); the caller skips the delivery without error handling.
func (s *Session) Prepare(ctx context.Context) error {
	s.mu.Lock()
	if s.prepared {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var swapped bool
	err := s.retryTransient(ctx, func() error {
		ok, err := s.remote.SwapLabel(ctx, s.key, s.labels.Pending, s.labels.Processing)
		if err != nil {
			return err
		}
		swapped = ok
		return nil
	})
	if err != nil {
		return err
	}
	if !swapped {
		return ErrAlreadyClaimed
	}
	s.mu.Lock()
	s.prepared = true
	s.mu.Unlock()
	return nil
}

// GetPrompt renders the initial conversation seed from the item's current
// remote content: title, body and prior human comments in arrival order.
func (s *Session) GetPrompt(ctx context.Context) (string, error) {
	var content Content
	err := s.retryTransient(ctx, func() error {
		fetched, err := s.remote.GetContent(ctx, s.key)
		if err != nil {
			return err
		}
		content = fetched
		return nil
	})
	if err != nil {
		return "", err
	}
	return RenderPrompt(s.key, content), nil
}

// Comment appends a remote comment, retrying transient failures. The
// returned ID can be fed to UpdateComment to rewrite the comment in place.
func (s *Session) Comment(ctx context.Context, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", nil
	}
	var commentID string
	err := s.retryTransient(ctx, func() error {
		id, err := s.remote.AddComment(ctx, s.key, body)
		if err != nil {
			return err
		}
		commentID = id
		return nil
	})
	return commentID, err
}

// UpdateComment rewrites an existing remote comment in place. Used by the
// planner's progress artifact so observers see current state, not a log.
func (s *Session) UpdateComment(ctx context.Context, commentID, body string) error {
	return s.retryTransient(ctx, func() error {
		return s.remote.UpdateComment(ctx, s.key, commentID, body)
	})
}

// Check polls for external cancellation: when the configured bot user has
// been unassigned from the item, the session must stop. Check never
// blocks beyond one remote read and reports cancellation, not errors, on
// transient trouble (the next poll will see the truth).
func (s *Session) Check(ctx context.Context) bool {
	if s.botUser == "" {
		return false
	}
	assignees, err := s.remote.ListAssignees(ctx, s.key)
	if err != nil {
		return false
	}
	for _, assignee := range assignees {
		if strings.EqualFold(strings.TrimSpace(assignee), s.botUser) {
			return false
		}
	}
	return true
}

// CommentsSince lists human comments newer than the given time, excluding
// the bot's own output.
func (s *Session) CommentsSince(ctx context.Context, since time.Time) ([]Comment, error) {
	comments, err := s.remote.ListCommentsSince(ctx, s.key, since)
	if err != nil {
		return nil, err
	}
	filtered := comments[:0]
	for _, comment := range comments {
		if s.botUser != "" && strings.EqualFold(strings.TrimSpace(comment.Author), s.botUser) {
			continue
		}
		filtered = append(filtered, comment)
	}
	return filtered, nil
}

// Finish releases the lock by swapping processing into a terminal label.
// It must be called exactly once per prepared session; a second call is a
// programming error and is rejected so the label history stays truthful.
func (s *Session) Finish(ctx context.Context, status FinishStatus) error {
	target, err := s.labels.forStatus(status)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.prepared {
		s.mu.Unlock()
		return fmt.Errorf("finish before prepare on %s", s.key)
	}
	if s.finished {
		s.mu.Unlock()
		return fmt.Errorf("finish called twice on %s", s.key)
	}
	s.finished = true
	s.mu.Unlock()

	return s.retryTransient(ctx, func() error {
		swapped, err := s.remote.SwapLabel(ctx, s.key, s.labels.Processing, target)
		if err != nil {
			return err
		}
		if !swapped {
			return fmt.Errorf("finish(%s): processing label missing on %s", status, s.key)
		}
		return nil
	})
}

// Finished reports whether Finish already ran.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func (s *Session) retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(s.retryBase)),
		uint64(s.maxRetries),
	), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// RenderPrompt builds the conversation seed for a work item.
func RenderPrompt(key Key, content Content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work item: %s\n", key)
	fmt.Fprintf(&b, "Title: %s\n\n", strings.TrimSpace(content.Title))
	body := strings.TrimSpace(content.Body)
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(content.Comments) > 0 {
		b.WriteString("\nPrior discussion:\n")
		for _, comment := range content.Comments {
			fmt.Fprintf(&b, "- %s: %s\n", comment.Author, strings.TrimSpace(comment.Body))
		}
	}
	return b.String()
}
