// Package planner implements the six-phase planning state machine: a
// bounded coordinator that produces a checklist, executes it item by item
// with reflection between items, verifies the outcome and replans a
// bounded number of times before giving up.
package planner

import "fmt"

// Phase is one state of the planning machine.
type Phase string

const (
	PhasePrePlanning  Phase = "pre_planning"
	PhasePlanning     Phase = "planning"
	PhaseExecution    Phase = "execution"
	PhaseReflection   Phase = "reflection"
	PhaseVerification Phase = "verification"
	PhaseReplanning   Phase = "replanning"
	PhaseDone         Phase = "done"
	PhaseFailed       Phase = "failed"
)

func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Event is one observed phase outcome.
type Event string

const (
	EventAnalyzed           Event = "analyzed"
	EventPlanReady          Event = "plan_ready"
	EventPlanMalformed      Event = "plan_malformed"
	EventItemCompleted      Event = "item_completed"
	EventReflectionClean    Event = "reflection_clean"
	EventReflectionAnomaly  Event = "reflection_anomaly"
	EventVerificationPassed Event = "verification_passed"
	EventVerificationFailed Event = "verification_failed"
	EventReplan             Event = "replan"
)

// Machine is the pure transition core. It holds the checklist cursor and
// the replanning cycle counter; anything involving a model call lives in
// the Coordinator.
type Machine struct {
	phase     Phase
	checklist Checklist
	completed int
	cycles    int
	maxCycles int
}

func NewMachine(maxReplanningCycles int) *Machine {
	if maxReplanningCycles < 0 {
		maxReplanningCycles = 0
	}
	return &Machine{phase: PhasePrePlanning, maxCycles: maxReplanningCycles}
}

func (m *Machine) Phase() Phase {
	if m == nil {
		return PhasePrePlanning
	}
	return m.phase
}

// Cycles is the monotonically non-decreasing replanning cycle count.
func (m *Machine) Cycles() int {
	if m == nil {
		return 0
	}
	return m.cycles
}

func (m *Machine) Checklist() Checklist {
	if m == nil {
		return Checklist{}
	}
	return m.checklist.clone()
}

// Completed is the number of checklist items finished in the current pass.
func (m *Machine) Completed() int {
	if m == nil {
		return 0
	}
	return m.completed
}

// CurrentItem returns the next not-yet-executed checklist item.
func (m *Machine) CurrentItem() (Action, bool) {
	if m == nil || m.completed >= len(m.checklist.Items) {
		return Action{}, false
	}
	return m.checklist.Items[m.completed], true
}

// SetChecklist installs the plan produced by a PLANNING pass. Only legal
// while planning; the checklist is immutable once EXECUTION starts. A
// replanning pass keeps the completed prefix and replaces the remainder.
func (m *Machine) SetChecklist(list Checklist) error {
	if m == nil {
		return fmt.Errorf("machine is nil")
	}
	if m.phase != PhasePlanning {
		return fmt.Errorf("checklist can only be set during planning, not %q", m.phase)
	}
	if len(list.Items) == 0 {
		return fmt.Errorf("checklist is empty")
	}
	kept := m.checklist.Items[:m.completed]
	m.checklist = Checklist{Items: append(append([]Action{}, kept...), list.Items...)}
	return nil
}

// Apply advances the machine by one event, enforcing the transition guards.
func (m *Machine) Apply(event Event) error {
	if m == nil {
		return fmt.Errorf("machine is nil")
	}
	if m.phase.IsTerminal() {
		return fmt.Errorf("cannot apply %q in terminal phase %q", event, m.phase)
	}

	switch m.phase {
	case PhasePrePlanning:
		if event != EventAnalyzed {
			return m.invalid(event)
		}
		m.phase = PhasePlanning
		return nil

	case PhasePlanning:
		switch event {
		case EventPlanReady:
			if m.completed >= len(m.checklist.Items) {
				return fmt.Errorf("plan ready without a checklist")
			}
			m.phase = PhaseExecution
			return nil
		case EventPlanMalformed:
			m.phase = PhaseFailed
			return nil
		default:
			return m.invalid(event)
		}

	case PhaseExecution:
		if event != EventItemCompleted {
			return m.invalid(event)
		}
		if m.completed >= len(m.checklist.Items) {
			return fmt.Errorf("item completed past end of checklist")
		}
		m.checklist.Items[m.completed].Done = true
		m.completed++
		if m.completed == len(m.checklist.Items) {
			m.phase = PhaseVerification
		} else {
			m.phase = PhaseReflection
		}
		return nil

	case PhaseReflection:
		switch event {
		case EventReflectionClean:
			m.phase = PhaseExecution
			return nil
		case EventReflectionAnomaly:
			m.cycles++
			m.phase = PhaseReplanning
			return nil
		default:
			return m.invalid(event)
		}

	case PhaseVerification:
		switch event {
		case EventVerificationPassed:
			m.phase = PhaseDone
			return nil
		case EventVerificationFailed:
			m.cycles++
			m.phase = PhaseReplanning
			return nil
		default:
			return m.invalid(event)
		}

	case PhaseReplanning:
		if event != EventReplan {
			return m.invalid(event)
		}
		if m.cycles > m.maxCycles {
			m.phase = PhaseFailed
			return nil
		}
		m.phase = PhasePlanning
		return nil
	}

	return m.invalid(event)
}

func (m *Machine) invalid(event Event) error {
	return fmt.Errorf("invalid planning transition: phase=%q event=%q", m.phase, event)
}

// restore rebuilds a machine from persisted pause state.
func restoreMachine(maxCycles int, phase Phase, checklist Checklist, completed, cycles int) *Machine {
	m := NewMachine(maxCycles)
	m.phase = phase
	m.checklist = checklist.clone()
	m.completed = completed
	m.cycles = cycles
	return m
}
