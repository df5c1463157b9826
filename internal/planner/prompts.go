package planner

import "fmt"

const prePlanningInstruction = `Before planning, analyze the work item above.
Identify the goal, the affected components and any constraints you can see.
Reply with your analysis in plain text.`

const planningInstruction = `Produce an ordered checklist of concrete actions
that will complete the work item. Reply with exactly one JSON object:
{"checklist": ["first action", "second action", ...]}
Each action must be independently executable and verifiable.`

const executionInstructionTemplate = `Work on checklist item %d: %q.
Reply with exactly one JSON object per turn:
{"action": "tool", "tool": "<name>", "args": {...}, "comment": "..."} to run a tool, or
{"action": "done", "comment": "..."} once this item is complete.`

const reflectionInstructionTemplate = `Checklist item %d (%q) was just completed.
Review the conversation so far. Does anything suggest the remaining plan is
no longer valid (unexpected errors, wrong assumptions, scope changes)?
Reply with exactly one JSON object: {"anomaly": true|false, "comment": "..."}`

const verificationInstruction = `All checklist items are complete. Verify the
work item's goal is actually achieved by the work above.
Reply with exactly one JSON object: {"passed": true|false, "comment": "..."}`

const replanningInstructionTemplate = `The previous plan needs revision: %s
Items already completed stay done. Produce a new checklist covering only the
remaining work, as {"checklist": [...]}.`

func executionInstruction(itemNumber int, description string) string {
	return fmt.Sprintf(executionInstructionTemplate, itemNumber, description)
}

func reflectionInstruction(itemNumber int, description string) string {
	return fmt.Sprintf(reflectionInstructionTemplate, itemNumber, description)
}

func replanningInstruction(reason string) string {
	return fmt.Sprintf(replanningInstructionTemplate, reason)
}
