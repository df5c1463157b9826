// Package convo holds the per-task conversation state: an append-only,
// causally ordered log of messages plus tool call records, with bounded
// compression that folds the oldest prefix into a summary while keeping
// total ordering intact.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation. Index is the 1-based causal
// sequence number; it never changes, even after the message itself has
// been folded into a summary.
type Message struct {
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary replaces a contiguous prefix of messages. FromIndex/ToIndex
// record the covered range so audit tooling can line summaries up against
// retained tool call records.
type Summary struct {
	Content   string    `json:"content"`
	Covers    int       `json:"covers"`
	FromIndex int       `json:"from_index"`
	ToIndex   int       `json:"to_index"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCall records one tool invocation, keyed by the message index whose
// reply requested it. Never mutated after write; retained independently of
// compression for audit.
type ToolCall struct {
	MessageIndex int             `json:"message_index"`
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args,omitempty"`
	Output       string          `json:"output"`
}

// Entry is one element of the visible log: exactly one of Summary or
// Message is set. The visible sequence is always [summary?, messages...].
type Entry struct {
	Summary *Summary
	Message *Message
}

// Summarizer folds messages into one summary text. The head summary (when
// present) is handed over as the first element so its content is absorbed
// rather than lost; production uses a model-backed implementation.
type Summarizer interface {
	Summarize(ctx context.Context, head *Summary, messages []Message) (string, error)
}

// StoreOptions configures a conversation store.
type StoreOptions struct {
	// CompressionThreshold is the estimated token count above which
	// CompressIfNeeded folds the oldest messages. Zero disables compression.
	CompressionThreshold int
	// KeepRecent is the minimum number of most-recent messages that survive
	// any compression pass. Defaults to 2.
	KeepRecent int
	Summarizer Summarizer
	Clock      func() time.Time
}

// Store is the conversation log for a single task session. A session is
// single-threaded, but the store locks anyway so interrupt snapshots can
// be taken from the arbitration path.
type Store struct {
	mu        sync.Mutex
	head      *Summary
	messages  []Message
	toolCalls map[int]ToolCall
	nextIndex int

	threshold  int
	keepRecent int
	summarizer Summarizer
	clock      func() time.Time

	// compressedThrough is the next index observed by the last compression
	// pass; a pass with no intervening append is a no-op.
	compressedThrough int
}

func NewStore(opts StoreOptions) *Store {
	keep := opts.KeepRecent
	if keep <= 0 {
		keep = 2
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		toolCalls:  map[int]ToolCall{},
		nextIndex:  1,
		threshold:  opts.CompressionThreshold,
		keepRecent: keep,
		summarizer: opts.Summarizer,
		clock:      func() time.Time { return clock().UTC() },
	}
}

// Append adds a message to the tail of the log and returns its index.
func (s *Store) Append(role Role, content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.nextIndex
	s.nextIndex++
	s.messages = append(s.messages, Message{
		Index:     index,
		Role:      role,
		Content:   content,
		Timestamp: s.clock(),
	})
	return index
}

// AppendTool records a tool invocation against the message index that
// requested it.
func (s *Store) AppendTool(call ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.MessageIndex <= 0 || call.MessageIndex >= s.nextIndex {
		return fmt.Errorf("tool call references unknown message index %d", call.MessageIndex)
	}
	if _, exists := s.toolCalls[call.MessageIndex]; exists {
		return fmt.Errorf("tool call for message %d already recorded", call.MessageIndex)
	}
	s.toolCalls[call.MessageIndex] = call
	return nil
}

// CurrentLog returns the visible ordered sequence: the head summary when
// present, then the surviving messages in causal order.
func (s *Store) CurrentLog() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.messages)+1)
	if s.head != nil {
		head := *s.head
		entries = append(entries, Entry{Summary: &head})
	}
	for i := range s.messages {
		message := s.messages[i]
		entries = append(entries, Entry{Message: &message})
	}
	return entries
}

// ToolCallFor returns the recorded invocation for a message index, if any.
// Records survive summarization of the triggering message.
func (s *Store) ToolCallFor(index int) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.toolCalls[index]
	return call, ok
}

// EstimatedTokens approximates the visible log's token count as
// ceil(text length / 4).
func (s *Store) EstimatedTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimatedTokensLocked()
}

func (s *Store) estimatedTokensLocked() int {
	total := 0
	if s.head != nil {
		total += len(s.head.Content)
	}
	for _, message := range s.messages {
		total += len(message.Content)
	}
	return (total + 3) / 4
}

// CompressIfNeeded folds the oldest contiguous run of messages into one
// new summary when the estimated token count exceeds the threshold. The
// new summary absorbs the previous head, so the visible sequence stays
// [summary?, remaining-messages...] with ordering preserved. Calling it
// again without an intervening Append is a no-op.
func (s *Store) CompressIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.threshold <= 0 || s.summarizer == nil {
		s.mu.Unlock()
		return false, nil
	}
	if s.nextIndex == s.compressedThrough {
		s.mu.Unlock()
		return false, nil
	}
	if s.estimatedTokensLocked() <= s.threshold {
		s.mu.Unlock()
		return false, nil
	}
	if len(s.messages) <= s.keepRecent {
		s.compressedThrough = s.nextIndex
		s.mu.Unlock()
		return false, nil
	}

	fold := s.foldCountLocked()
	folded := make([]Message, fold)
	copy(folded, s.messages[:fold])
	var head *Summary
	if s.head != nil {
		prior := *s.head
		head = &prior
	}
	s.mu.Unlock()

	text, err := s.summarizer.Summarize(ctx, head, folded)
	if err != nil {
		return false, fmt.Errorf("summarize conversation prefix: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fromIndex := folded[0].Index
	if head != nil {
		fromIndex = head.FromIndex
	}
	covers := fold
	if head != nil {
		covers += head.Covers
	}
	s.head = &Summary{
		Content:   strings.TrimSpace(text),
		Covers:    covers,
		FromIndex: fromIndex,
		ToIndex:   folded[fold-1].Index,
		CreatedAt: s.clock(),
	}
	s.messages = s.messages[fold:]
	s.compressedThrough = s.nextIndex
	return true, nil
}

// foldCountLocked picks how many of the oldest messages to fold: enough to
// bring the surviving suffix under the threshold, while keeping at least
// keepRecent messages visible.
func (s *Store) foldCountLocked() int {
	maxFold := len(s.messages) - s.keepRecent
	remaining := s.estimatedTokensLocked()
	fold := 0
	for fold < maxFold && remaining > s.threshold {
		remaining -= (len(s.messages[fold].Content) + 3) / 4
		fold++
	}
	if fold == 0 {
		fold = 1
	}
	return fold
}
