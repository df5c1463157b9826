package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Content is the remote item's current state used to seed a conversation.
type Content struct {
	Title     string
	Body      string
	Author    string
	Assignees []string
	Labels    []string
	Comments  []Comment
}

// Comment is one remote comment on a work item.
type Comment struct {
	ID        string
	Author    string
	Body      string
	CreatedAt time.Time
}

// Remote is the platform collaborator a session drives. SwapLabel is the
// compare-and-swap this design uses as its only cross-process lock: it
// returns false (no error) when the expected source label was absent.
type Remote interface {
	GetContent(ctx context.Context, key Key) (Content, error)
	// AddComment returns the platform's ID for the new comment so callers
	// can rewrite it in place later.
	AddComment(ctx context.Context, key Key, body string) (string, error)
	UpdateComment(ctx context.Context, key Key, commentID string, body string) error
	SwapLabel(ctx context.Context, key Key, from, to string) (bool, error)
	ListAssignees(ctx context.Context, key Key) ([]string, error)
	ListCommentsSince(ctx context.Context, key Key, since time.Time) ([]Comment, error)
}

// ErrAlreadyClaimed reports that another consumer (or a stale redelivery)
// holds the item: the expected source label was already gone. Deliveries
// hitting this are skipped, never retried.
var ErrAlreadyClaimed = errors.New("task already claimed")

// TransientError marks a remote failure worth retrying: network trouble or
// a 5xx from the platform. Exhausting retries escalates per the session's
// failure policy.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
