// Package pausestate persists the snapshot that lets an interrupted
// session resume exactly where it stopped: same mode, same phase, same
// iteration counters, same conversation log.
package pausestate

import (
	"context"
	"errors"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/convo"
	"github.com/notfolder/coding-agent-sub002/internal/planner"
	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// ErrCorruptState reports a pause record that exists but cannot be
// deserialized. Such a task surfaces as failed; it is never resumed from a
// guessed state and never silently dropped.
var ErrCorruptState = errors.New("corrupt pause state")

// ErrNotFound reports that no unexpired record exists for the key.
var ErrNotFound = errors.New("pause state not found")

// Record is the persisted layout: everything a session needs to produce an
// identical next model input to an uninterrupted run.
type Record struct {
	Key       task.Key          `json:"key"`
	Mode      string            `json:"mode"`
	Phase     planner.Phase     `json:"phase,omitempty"`
	Checklist planner.Checklist `json:"checklist,omitempty"`
	Completed int               `json:"completed"`
	Cycles    int               `json:"replanning_cycles"`
	Iteration int               `json:"iteration"`
	// Pending is the user-turn content that was awaiting delivery when the
	// interrupt landed, usually the last tool output. Resuming with it makes
	// the next model input identical to the uninterrupted run's.
	Pending      string         `json:"pending,omitempty"`
	ItemTurns    int            `json:"item_turns,omitempty"`
	Injected     string         `json:"injected,omitempty"`
	ReplanReason string         `json:"replan_reason,omitempty"`
	Conversation convo.Snapshot `json:"conversation"`
	SavedAt      time.Time      `json:"saved_at"`
}

// Store holds at most one record per task key. Save overwrites; Load of an
// expired or absent record reports ErrNotFound; Delete is idempotent.
type Store interface {
	Save(ctx context.Context, record Record) error
	Load(ctx context.Context, key task.Key) (Record, error)
	Delete(ctx context.Context, key task.Key) error
	// List returns the keys of all unexpired records, oldest first, so the
	// producer can prioritize resumable work.
	List(ctx context.Context) ([]task.Key, error)
}
