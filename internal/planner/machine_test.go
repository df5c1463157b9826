package planner

import (
	"strings"
	"testing"
)

func plan(descriptions ...string) Checklist {
	items := make([]Action, 0, len(descriptions))
	for _, description := range descriptions {
		items = append(items, Action{Description: description})
	}
	return Checklist{Items: items}
}

func advanceToPlanning(t *testing.T, m *Machine) {
	t.Helper()
	if err := m.Apply(EventAnalyzed); err != nil {
		t.Fatalf("pre-planning -> planning: %v", err)
	}
}

func startExecution(t *testing.T, m *Machine, list Checklist) {
	t.Helper()
	if err := m.SetChecklist(list); err != nil {
		t.Fatalf("set checklist: %v", err)
	}
	if err := m.Apply(EventPlanReady); err != nil {
		t.Fatalf("planning -> execution: %v", err)
	}
}

func TestHappyPathThroughAllPhases(t *testing.T) {
	m := NewMachine(3)
	if m.Phase() != PhasePrePlanning {
		t.Fatalf("fresh machine must start pre-planning, got %q", m.Phase())
	}

	advanceToPlanning(t, m)
	startExecution(t, m, plan("write test", "fix bug"))

	if err := m.Apply(EventItemCompleted); err != nil {
		t.Fatalf("first item: %v", err)
	}
	if m.Phase() != PhaseReflection {
		t.Fatalf("after non-final item expected reflection, got %q", m.Phase())
	}
	if err := m.Apply(EventReflectionClean); err != nil {
		t.Fatalf("reflection clean: %v", err)
	}
	if err := m.Apply(EventItemCompleted); err != nil {
		t.Fatalf("last item: %v", err)
	}
	if m.Phase() != PhaseVerification {
		t.Fatalf("after final item expected verification, got %q", m.Phase())
	}
	if err := m.Apply(EventVerificationPassed); err != nil {
		t.Fatalf("verification: %v", err)
	}
	if m.Phase() != PhaseDone || !m.Phase().IsTerminal() {
		t.Fatalf("expected done, got %q", m.Phase())
	}
}

func TestReflectionAnomalyTriggersReplanning(t *testing.T) {
	m := NewMachine(3)
	advanceToPlanning(t, m)
	startExecution(t, m, plan("a", "b", "c"))

	// Complete items one and two, then flag an anomaly.
	if err := m.Apply(EventItemCompleted); err != nil {
		t.Fatalf("item 1: %v", err)
	}
	if err := m.Apply(EventReflectionClean); err != nil {
		t.Fatalf("reflection 1: %v", err)
	}
	if err := m.Apply(EventItemCompleted); err != nil {
		t.Fatalf("item 2: %v", err)
	}
	if err := m.Apply(EventReflectionAnomaly); err != nil {
		t.Fatalf("anomaly: %v", err)
	}

	if m.Phase() != PhaseReplanning {
		t.Fatalf("anomaly must enter replanning, got %q", m.Phase())
	}
	if m.Cycles() != 1 {
		t.Fatalf("cycle count must go 0 -> 1, got %d", m.Cycles())
	}
	if m.Completed() != 2 {
		t.Fatalf("completed prefix must survive, got %d", m.Completed())
	}
}

func TestReplanningKeepsCompletedPrefix(t *testing.T) {
	m := NewMachine(3)
	advanceToPlanning(t, m)
	startExecution(t, m, plan("a", "b", "c"))

	_ = m.Apply(EventItemCompleted)
	_ = m.Apply(EventReflectionAnomaly)
	if err := m.Apply(EventReplan); err != nil {
		t.Fatalf("replan: %v", err)
	}
	if m.Phase() != PhasePlanning {
		t.Fatalf("replanning with cycles remaining must return to planning, got %q", m.Phase())
	}

	if err := m.SetChecklist(plan("b2", "c2")); err != nil {
		t.Fatalf("set revised checklist: %v", err)
	}
	items := m.Checklist().Items
	if len(items) != 3 {
		t.Fatalf("checklist must be completed prefix + revision, got %d items", len(items))
	}
	if items[0].Description != "a" || !items[0].Done {
		t.Fatalf("first item must be the completed original, got %+v", items[0])
	}
	if items[1].Description != "b2" {
		t.Fatalf("revision must replace the remainder, got %+v", items[1])
	}
}

func TestReplanningBoundFails(t *testing.T) {
	m := NewMachine(1)
	advanceToPlanning(t, m)

	for cycle := 0; cycle < 2; cycle++ {
		startExecution(t, m, plan("only item"))
		if err := m.Apply(EventItemCompleted); err != nil {
			t.Fatalf("cycle %d item: %v", cycle, err)
		}
		if err := m.Apply(EventVerificationFailed); err != nil {
			t.Fatalf("cycle %d verification: %v", cycle, err)
		}
		if err := m.Apply(EventReplan); err != nil {
			t.Fatalf("cycle %d replan: %v", cycle, err)
		}
		if m.Phase() == PhaseFailed {
			if cycle != 1 {
				t.Fatalf("bound of 1 must allow exactly one replanning pass, failed at cycle %d", cycle)
			}
			return
		}
	}
	t.Fatalf("machine never reached FAILED within the bound")
}

func TestSetChecklistOnlyDuringPlanning(t *testing.T) {
	m := NewMachine(3)
	if err := m.SetChecklist(plan("too early")); err == nil {
		t.Fatalf("checklist before planning must be rejected")
	}

	advanceToPlanning(t, m)
	if err := m.SetChecklist(Checklist{}); err == nil {
		t.Fatalf("empty checklist must be rejected")
	}
	startExecution(t, m, plan("a"))
	if err := m.SetChecklist(plan("too late")); err == nil {
		t.Fatalf("checklist during execution must be rejected")
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	m := NewMachine(3)
	if err := m.Apply(EventItemCompleted); err == nil {
		t.Fatalf("item completion in pre-planning must be invalid")
	}

	advanceToPlanning(t, m)
	err := m.Apply(EventVerificationPassed)
	if err == nil || !strings.Contains(err.Error(), "invalid planning transition") {
		t.Fatalf("expected invalid-transition error, got %v", err)
	}

	startExecution(t, m, plan("a"))
	_ = m.Apply(EventItemCompleted)
	_ = m.Apply(EventVerificationPassed)
	if err := m.Apply(EventAnalyzed); err == nil {
		t.Fatalf("events in terminal phase must be rejected")
	}
}

func TestPlanReadyWithoutChecklistIsRejected(t *testing.T) {
	m := NewMachine(3)
	advanceToPlanning(t, m)
	if err := m.Apply(EventPlanReady); err == nil {
		t.Fatalf("plan ready with no checklist must fail")
	}
}
