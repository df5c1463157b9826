// Package interrupt implements the cooperative pause/stop/inject signals a
// session polls at loop iteration boundaries. Signals never preempt an
// in-flight model or tool call; the single arbitration call per iteration
// is the only place control flow can change.
package interrupt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// Kind is the closed set of arbitration outcomes.
type Kind int

const (
	KindContinue Kind = iota
	KindPause
	KindStop
	KindInject
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindPause:
		return "pause"
	case KindStop:
		return "stop"
	case KindInject:
		return "inject"
	default:
		return "unknown"
	}
}

// Decision is the result of one arbitration: a kind plus, for KindInject,
// the context text to hand the model on its next turn.
type Decision struct {
	Kind Kind
	Text string
}

var decisionContinue = Decision{Kind: KindContinue}

// Source produces at most one decision per poll. Sources must never block
// beyond a single bounded remote read.
type Source interface {
	Check(ctx context.Context) Decision
}

// Arbiter consults its sources in priority order and returns the first
// non-continue decision: Stop wins over Pause wins over Inject.
type Arbiter struct {
	stop   []Source
	pause  []Source
	inject []Source
}

func NewArbiter() *Arbiter { return &Arbiter{} }

func (a *Arbiter) AddStop(source Source) *Arbiter {
	if source != nil {
		a.stop = append(a.stop, source)
	}
	return a
}

func (a *Arbiter) AddPause(source Source) *Arbiter {
	if source != nil {
		a.pause = append(a.pause, source)
	}
	return a
}

func (a *Arbiter) AddInject(source Source) *Arbiter {
	if source != nil {
		a.inject = append(a.inject, source)
	}
	return a
}

// Check runs one arbitration pass. Called exactly once per loop iteration
// boundary, never mid tool-call.
func (a *Arbiter) Check(ctx context.Context) Decision {
	if a == nil {
		return decisionContinue
	}
	for _, source := range a.stop {
		if d := source.Check(ctx); d.Kind == KindStop {
			return d
		}
	}
	for _, source := range a.pause {
		if d := source.Check(ctx); d.Kind == KindPause {
			return d
		}
	}
	for _, source := range a.inject {
		if d := source.Check(ctx); d.Kind == KindInject {
			return d
		}
	}
	return decisionContinue
}

// PauseFlag is a local pause signal settable from another goroutine (a
// control socket, a signal handler). One request pauses one session: the
// flag is consumed by the Check that observes it, so later deliveries run
// normally until the next request. Reading it never blocks.
type PauseFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *PauseFlag) Request() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

func (f *PauseFlag) Check(context.Context) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		return Decision{Kind: KindPause}
	}
	return decisionContinue
}

// sessionChecker narrows task.Session to what the stop source needs.
type sessionChecker interface {
	Check(ctx context.Context) bool
}

// StopOnUnassign signals Stop when the session's bot user has been removed
// from the item's assignees.
type StopOnUnassign struct {
	Session sessionChecker
}

func (s StopOnUnassign) Check(ctx context.Context) Decision {
	if s.Session == nil {
		return decisionContinue
	}
	if s.Session.Check(ctx) {
		return Decision{Kind: KindStop}
	}
	return decisionContinue
}

// commentLister narrows task.Session to what the comment detector needs.
type commentLister interface {
	CommentsSince(ctx context.Context, since time.Time) ([]task.Comment, error)
}

// CommentDetector injects new human comments arriving mid-session as extra
// context for the next model turn. Control flow is otherwise unchanged.
type CommentDetector struct {
	Session commentLister
	Clock   func() time.Time

	mu    sync.Mutex
	since time.Time
}

func NewCommentDetector(session commentLister, clock func() time.Time) *CommentDetector {
	if clock == nil {
		clock = time.Now
	}
	return &CommentDetector{
		Session: session,
		Clock:   func() time.Time { return clock().UTC() },
		since:   clock().UTC(),
	}
}

func (d *CommentDetector) Check(ctx context.Context) Decision {
	if d == nil || d.Session == nil {
		return decisionContinue
	}
	d.mu.Lock()
	since := d.since
	d.mu.Unlock()

	comments, err := d.Session.CommentsSince(ctx, since)
	if err != nil || len(comments) == 0 {
		return decisionContinue
	}

	latest := since
	var parts []string
	for _, comment := range comments {
		body := strings.TrimSpace(comment.Body)
		if body != "" {
			parts = append(parts, comment.Author+": "+body)
		}
		if comment.CreatedAt.After(latest) {
			latest = comment.CreatedAt
		}
	}
	d.mu.Lock()
	d.since = latest
	d.mu.Unlock()

	if len(parts) == 0 {
		return decisionContinue
	}
	return Decision{Kind: KindInject, Text: "New comments on the work item:\n" + strings.Join(parts, "\n")}
}
