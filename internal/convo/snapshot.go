package convo

import (
	"fmt"
	"sort"
)

// Snapshot is the full serializable state of a conversation store, taken
// when a session pauses and replayed verbatim on resume so the next model
// input is identical to an uninterrupted run.
type Snapshot struct {
	Head              *Summary   `json:"summary,omitempty"`
	Messages          []Message  `json:"messages"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	NextIndex         int        `json:"next_index"`
	CompressedThrough int        `json:"compressed_through"`
}

// Snapshot copies the store's current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Messages:          append([]Message(nil), s.messages...),
		NextIndex:         s.nextIndex,
		CompressedThrough: s.compressedThrough,
	}
	if s.head != nil {
		head := *s.head
		snap.Head = &head
	}
	for _, call := range s.toolCalls {
		snap.ToolCalls = append(snap.ToolCalls, call)
	}
	sort.Slice(snap.ToolCalls, func(i, j int) bool {
		return snap.ToolCalls[i].MessageIndex < snap.ToolCalls[j].MessageIndex
	})
	return snap
}

// Restore replaces the store's state with a snapshot. Only valid on a
// freshly constructed store; resuming into a store that already accepted
// appends would corrupt the causal ordering.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextIndex != 1 || len(s.messages) > 0 || s.head != nil {
		return fmt.Errorf("restore into non-empty conversation store")
	}
	if snap.NextIndex < 1 {
		return fmt.Errorf("snapshot has invalid next index %d", snap.NextIndex)
	}
	lastSeen := 0
	if snap.Head != nil {
		lastSeen = snap.Head.ToIndex
	}
	for _, message := range snap.Messages {
		if message.Index <= lastSeen {
			return fmt.Errorf("snapshot message ordering broken at index %d", message.Index)
		}
		lastSeen = message.Index
	}
	if lastSeen >= snap.NextIndex {
		return fmt.Errorf("snapshot next index %d behind last message %d", snap.NextIndex, lastSeen)
	}

	if snap.Head != nil {
		head := *snap.Head
		s.head = &head
	}
	s.messages = append([]Message(nil), snap.Messages...)
	s.toolCalls = make(map[int]ToolCall, len(snap.ToolCalls))
	for _, call := range snap.ToolCalls {
		s.toolCalls[call.MessageIndex] = call
	}
	s.nextIndex = snap.NextIndex
	s.compressedThrough = snap.CompressedThrough
	return nil
}
