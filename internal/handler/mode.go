package handler

// Mode selects how a claimed task is driven.
type Mode string

const (
	// PlanningMode runs the six-phase planning coordinator.
	PlanningMode Mode = "planning"
	// DurableMode runs the plain agent loop with a persistable
	// conversation, so the task can pause and resume.
	DurableMode Mode = "durable"
	// LegacyMode runs the plain agent loop with in-memory state only.
	LegacyMode Mode = "legacy"
)

// SelectMode is a pure function of two feature flags and whether the item
// carries a stable identifier. Planning needs an identity for its progress
// artifact and pause records; so does durable context storage. Everything
// else degrades to the legacy loop.
func SelectMode(planningEnabled, contextStorageEnabled, hasID bool) Mode {
	switch {
	case planningEnabled && hasID:
		return PlanningMode
	case contextStorageEnabled && hasID:
		return DurableMode
	default:
		return LegacyMode
	}
}
