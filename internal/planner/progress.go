package planner

import (
	"context"
	"fmt"
	"strings"
)

// ProgressState is what an external observer sees: the current phase and
// checklist with completion marks. It is re-rendered wholesale on every
// transition so the remote artifact always shows current state, never a
// growing log.
type ProgressState struct {
	Phase     Phase
	Checklist Checklist
	Completed int
	Cycles    int
}

// ProgressSink publishes the full current state.
type ProgressSink interface {
	Publish(ctx context.Context, state ProgressState) error
}

// NoopSink discards progress. Used when planning runs without a remote
// status artifact.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, ProgressState) error { return nil }

// commenter narrows task.Session to what progress publication needs.
type commenter interface {
	Comment(ctx context.Context, body string) (string, error)
	UpdateComment(ctx context.Context, commentID, body string) error
}

// CommentSink maintains one remote comment as the status artifact: created
// on the first publish, rewritten in place afterwards.
type CommentSink struct {
	session   commenter
	commentID string
}

func NewCommentSink(session commenter) *CommentSink {
	return &CommentSink{session: session}
}

func (s *CommentSink) Publish(ctx context.Context, state ProgressState) error {
	if s == nil || s.session == nil {
		return nil
	}
	body := RenderProgress(state)
	if s.commentID == "" {
		id, err := s.session.Comment(ctx, body)
		if err != nil {
			return err
		}
		s.commentID = id
		return nil
	}
	return s.session.UpdateComment(ctx, s.commentID, body)
}

// RenderProgress builds the markdown body of the status artifact.
func RenderProgress(state ProgressState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Agent progress\n\n")
	fmt.Fprintf(&b, "Phase: `%s`", state.Phase)
	if state.Cycles > 0 {
		fmt.Fprintf(&b, " (replanning cycle %d)", state.Cycles)
	}
	b.WriteString("\n")
	if len(state.Checklist.Items) > 0 {
		b.WriteString("\n")
		for i, item := range state.Checklist.Items {
			mark := " "
			if item.Done {
				mark = "x"
			}
			arrow := ""
			if i == state.Completed && !item.Done && state.Phase == PhaseExecution {
				arrow = " ←"
			}
			fmt.Fprintf(&b, "- [%s] %s%s\n", mark, item.Description, arrow)
		}
	}
	return b.String()
}
