// Package llm defines the model and tool collaborators plus the strict
// boundary that turns free-form model output into a closed reply type.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Client is the model collaborator. One SendMessage per loop iteration;
// transport, provider and retry-at-the-wire details live behind it.
type Client interface {
	SendSystemPrompt(ctx context.Context, text string) error
	SendMessage(ctx context.Context, text string) (string, error)
}

// ToolInvoker executes one named tool. Invocation failures are reported as
// output to the model on the next turn, never as loop-fatal errors.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args json.RawMessage) (string, error)
}

// Reply is the closed result of parsing a model turn: exactly one of Tool
// or Completion is set. Downstream code never inspects raw payload shape.
type Reply struct {
	Tool       *ToolCommand
	Completion *Completion
}

// ToolCommand asks the orchestrator to run a tool and feed its output back.
type ToolCommand struct {
	Tool    string          `json:"tool"`
	Args    json.RawMessage `json:"args,omitempty"`
	Comment string          `json:"comment,omitempty"`
}

// Completion signals the model considers the task finished.
type Completion struct {
	Comment string `json:"comment,omitempty"`
}

// MalformedReplyError reports a model turn with no parseable structured
// payload. Bounded re-prompting is the caller's job.
type MalformedReplyError struct {
	Raw    string
	Reason string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed model reply: %s", e.Reason)
}
