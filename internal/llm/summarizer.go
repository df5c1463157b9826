package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent-sub002/internal/convo"
)

const summarizeInstruction = `Summarize the following conversation excerpt in a few sentences.
Preserve decisions, file names and open problems. Reply with plain text only.`

// Summarizer folds conversation prefixes through the model. The prior head
// summary, when present, is included so its content is absorbed rather
// than lost.
type Summarizer struct {
	Client Client
}

func (s Summarizer) Summarize(ctx context.Context, head *convo.Summary, messages []convo.Message) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("summarizer has no model client")
	}
	var b strings.Builder
	b.WriteString(summarizeInstruction)
	b.WriteString("\n\n")
	if head != nil && strings.TrimSpace(head.Content) != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(strings.TrimSpace(head.Content))
		b.WriteString("\n\n")
	}
	for _, message := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", message.Role, strings.TrimSpace(message.Content))
	}

	reply, err := s.Client.SendMessage(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize conversation: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return reply, nil
}
