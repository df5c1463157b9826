package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/notfolder/coding-agent-sub002/internal/convo"
	"github.com/notfolder/coding-agent-sub002/internal/interrupt"
	"github.com/notfolder/coding-agent-sub002/internal/llm"
	"github.com/notfolder/coding-agent-sub002/internal/logging"
)

// ErrPhaseBudgetExhausted reports that a phase spent its whole turn budget
// without reaching an outcome.
var ErrPhaseBudgetExhausted = errors.New("phase turn budget exhausted")

// CoordinatorOptions wires a coordinator to its collaborators.
type CoordinatorOptions struct {
	Client     llm.Client
	Invoker    llm.ToolInvoker
	Store      *convo.Store
	Sink       ProgressSink
	Interrupts *interrupt.Arbiter
	Log        *logging.Logger

	MaxReplanningCycles int
	// MaxRetries bounds re-prompting after a malformed reply, per phase.
	MaxRetries int
	// PhaseTurnBudget bounds model turns per phase; during execution the
	// budget applies per checklist item.
	PhaseTurnBudget int
}

// Result is the terminal outcome of a coordinator run.
type Result struct {
	Phase Phase
	// Interrupted is set when a pause or stop decision ended the run
	// before a terminal phase.
	Interrupted *interrupt.Decision
	// Comment is the model's final verification or failure commentary.
	Comment string
}

// Coordinator drives the planning machine, performing the model
// interaction each phase requires. Interrupts are polled once per model
// turn boundary; a pause or stop surfaces in the Result and the machine
// state stays restorable from a snapshot.
type Coordinator struct {
	machine    *Machine
	client     llm.Client
	invoker    llm.ToolInvoker
	store      *convo.Store
	sink       ProgressSink
	interrupts *interrupt.Arbiter
	log        *logging.Logger

	maxRetries int
	turnBudget int

	// pending is the next user-turn content during execution: the previous
	// tool output, or empty when the item instruction should be sent.
	pending string
	// injected is context from an inject decision, prepended to the next
	// outgoing message so it actually reaches the model transport.
	injected     string
	itemTurns    int
	malformed    int
	replanReason string
	finalComment string
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("coordinator model client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator conversation store is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = NoopSink{}
	}
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	budget := opts.PhaseTurnBudget
	if budget <= 0 {
		budget = 10
	}
	return &Coordinator{
		machine:    NewMachine(opts.MaxReplanningCycles),
		client:     opts.Client,
		invoker:    opts.Invoker,
		store:      opts.Store,
		sink:       sink,
		interrupts: opts.Interrupts,
		log:        opts.Log,
		maxRetries: retries,
		turnBudget: budget,
	}, nil
}

// Machine exposes the transition core for snapshotting.
func (c *Coordinator) Machine() *Machine { return c.machine }

// ResumeState is everything beyond the conversation log a suspended run
// needs to produce the exact next model input it would have sent: the
// machine position plus the in-flight turn content.
type ResumeState struct {
	Phase        Phase
	Checklist    Checklist
	Completed    int
	Cycles       int
	Pending      string
	ItemTurns    int
	Injected     string
	ReplanReason string
}

// Suspend captures the coordinator mid-run, after an interrupt surfaced.
func (c *Coordinator) Suspend() ResumeState {
	return ResumeState{
		Phase:        c.machine.Phase(),
		Checklist:    c.machine.Checklist(),
		Completed:    c.machine.Completed(),
		Cycles:       c.machine.Cycles(),
		Pending:      c.pending,
		ItemTurns:    c.itemTurns,
		Injected:     c.injected,
		ReplanReason: c.replanReason,
	}
}

// Restore rebuilds the coordinator from persisted pause state.
func (c *Coordinator) Restore(state ResumeState) {
	c.machine = restoreMachine(c.machine.maxCycles, state.Phase, state.Checklist, state.Completed, state.Cycles)
	c.pending = state.Pending
	c.itemTurns = state.ItemTurns
	c.injected = state.Injected
	c.replanReason = state.ReplanReason
}

// Run advances the machine until a terminal phase or an interrupt. The
// guarantee: at most max_replanning_cycles+1 planning passes, so the run
// always terminates.
func (c *Coordinator) Run(ctx context.Context) (Result, error) {
	for !c.machine.Phase().IsTerminal() {
		if decision := c.arbitrate(ctx); decision != nil {
			return Result{Phase: c.machine.Phase(), Interrupted: decision}, nil
		}

		before := c.machine.Phase()
		var err error
		switch before {
		case PhasePrePlanning:
			err = c.runPrePlanning(ctx)
		case PhasePlanning:
			err = c.runPlanning(ctx)
		case PhaseExecution:
			err = c.runExecutionTurn(ctx)
		case PhaseReflection:
			err = c.runReflection(ctx)
		case PhaseVerification:
			err = c.runVerification(ctx)
		case PhaseReplanning:
			err = c.machine.Apply(EventReplan)
		default:
			err = fmt.Errorf("coordinator in unknown phase %q", before)
		}
		if err != nil {
			return Result{Phase: c.machine.Phase()}, err
		}

		if c.machine.Phase() != before {
			c.publishProgress(ctx)
		}
		if _, err := c.store.CompressIfNeeded(ctx); err != nil {
			c.logWarn("conversation compression failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return Result{Phase: c.machine.Phase(), Comment: c.finalComment}, nil
}

// arbitrate polls the interrupt sources once. Inject decisions queue their
// text for the next model turn and let the run continue; pause and stop
// end it.
func (c *Coordinator) arbitrate(ctx context.Context) *interrupt.Decision {
	if c.interrupts == nil {
		return nil
	}
	decision := c.interrupts.Check(ctx)
	switch decision.Kind {
	case interrupt.KindPause, interrupt.KindStop:
		return &decision
	case interrupt.KindInject:
		if c.injected == "" {
			c.injected = decision.Text
		} else {
			c.injected += "\n" + decision.Text
		}
	}
	return nil
}

func (c *Coordinator) runPrePlanning(ctx context.Context) error {
	if _, _, err := c.turn(ctx, prePlanningInstruction); err != nil {
		return err
	}
	return c.machine.Apply(EventAnalyzed)
}

func (c *Coordinator) runPlanning(ctx context.Context) error {
	instruction := planningInstruction
	if c.replanReason != "" {
		instruction = replanningInstruction(c.replanReason)
		c.replanReason = ""
	}
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		reply, _, err := c.turn(ctx, instruction)
		if err != nil {
			return err
		}
		checklist, parseErr := ParseChecklist(reply)
		if parseErr == nil {
			if err := c.machine.SetChecklist(checklist); err != nil {
				return err
			}
			c.pending = ""
			c.itemTurns = 0
			c.malformed = 0
			return c.machine.Apply(EventPlanReady)
		}
		c.logWarn("malformed checklist", map[string]interface{}{"attempt": attempt + 1, "error": parseErr.Error()})
		instruction = "Your previous reply was not a valid checklist (" + parseErr.Error() + "). " + planningInstruction
	}
	return c.machine.Apply(EventPlanMalformed)
}

// runExecutionTurn performs exactly one model turn of the current
// checklist item, so interrupts stay polled between turns.
func (c *Coordinator) runExecutionTurn(ctx context.Context) error {
	item, ok := c.machine.CurrentItem()
	if !ok {
		return fmt.Errorf("execution with no remaining checklist items")
	}
	if c.itemTurns >= c.turnBudget {
		return fmt.Errorf("%w: item %d", ErrPhaseBudgetExhausted, c.machine.Completed()+1)
	}
	c.itemTurns++

	message := c.pending
	if message == "" {
		message = executionInstruction(c.machine.Completed()+1, item.Description)
	}
	raw, replyIndex, err := c.turn(ctx, message)
	if err != nil {
		return err
	}

	reply, parseErr := llm.ParseReply(raw)
	if parseErr != nil {
		var malformed *llm.MalformedReplyError
		if !errors.As(parseErr, &malformed) {
			return parseErr
		}
		c.malformed++
		if c.malformed > c.maxRetries {
			return parseErr
		}
		c.pending = "Your previous reply was not valid (" + malformed.Reason + "). Reply with exactly one JSON object."
		return nil
	}
	c.malformed = 0

	switch {
	case reply.Tool != nil:
		output := c.invoke(ctx, reply.Tool)
		_ = c.store.AppendTool(convo.ToolCall{
			MessageIndex: replyIndex,
			Tool:         reply.Tool.Tool,
			Args:         reply.Tool.Args,
			Output:       output,
		})
		c.pending = "Tool output:\n" + output
		return nil
	case reply.Completion != nil:
		c.pending = ""
		c.itemTurns = 0
		return c.machine.Apply(EventItemCompleted)
	default:
		return fmt.Errorf("reply parsed to neither tool nor completion")
	}
}

// invoke runs a tool; failures become the model's next input, never fatal.
func (c *Coordinator) invoke(ctx context.Context, command *llm.ToolCommand) string {
	if c.invoker == nil {
		return "tool error: no tool invoker configured"
	}
	output, err := c.invoker.Invoke(ctx, command.Tool, command.Args)
	if err != nil {
		return "tool error: " + err.Error()
	}
	return output
}

func (c *Coordinator) runReflection(ctx context.Context) error {
	completed := c.machine.Completed()
	item := c.machine.Checklist().Items[completed-1]

	type reflectionReply struct {
		Anomaly bool   `json:"anomaly"`
		Comment string `json:"comment"`
	}
	var decoded reflectionReply
	if err := c.structuredTurn(ctx, reflectionInstruction(completed, item.Description), &decoded); err != nil {
		return err
	}
	if decoded.Anomaly {
		c.replanReason = strings.TrimSpace(decoded.Comment)
		if c.replanReason == "" {
			c.replanReason = "reflection flagged an anomaly"
		}
		return c.machine.Apply(EventReflectionAnomaly)
	}
	return c.machine.Apply(EventReflectionClean)
}

func (c *Coordinator) runVerification(ctx context.Context) error {
	type verificationReply struct {
		Passed  bool   `json:"passed"`
		Comment string `json:"comment"`
	}
	var decoded verificationReply
	if err := c.structuredTurn(ctx, verificationInstruction, &decoded); err != nil {
		return err
	}
	c.finalComment = strings.TrimSpace(decoded.Comment)
	if decoded.Passed {
		return c.machine.Apply(EventVerificationPassed)
	}
	c.replanReason = c.finalComment
	if c.replanReason == "" {
		c.replanReason = "verification failed"
	}
	return c.machine.Apply(EventVerificationFailed)
}

// structuredTurn sends an instruction and decodes the JSON object reply,
// re-prompting within the malformed-reply budget.
func (c *Coordinator) structuredTurn(ctx context.Context, instruction string, out interface{}) error {
	message := instruction
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, _, err := c.turn(ctx, message)
		if err != nil {
			return err
		}
		payload, ok := llm.ExtractJSONObject(raw)
		if ok {
			if err := json.Unmarshal([]byte(payload), out); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = fmt.Errorf("no JSON object in reply")
		}
		message = fmt.Sprintf("Your previous reply was not valid (%v). %s", lastErr, instruction)
	}
	return &llm.MalformedReplyError{Reason: fmt.Sprintf("retries exhausted: %v", lastErr)}
}

// turn sends one message, appending both sides to the conversation log.
// Queued injected context rides along on the front of the message, so it
// reaches the model transport and the log in one place. The returned index
// is the assistant reply's sequence index, used to key tool call records.
func (c *Coordinator) turn(ctx context.Context, message string) (string, int, error) {
	if c.injected != "" {
		message = c.injected + "\n\n" + message
		c.injected = ""
	}
	c.store.Append(convo.RoleUser, message)
	reply, err := c.client.SendMessage(ctx, message)
	if err != nil {
		return "", 0, fmt.Errorf("model request failed: %w", err)
	}
	index := c.store.Append(convo.RoleAssistant, reply)
	return reply, index, nil
}

func (c *Coordinator) publishProgress(ctx context.Context) {
	state := ProgressState{
		Phase:     c.machine.Phase(),
		Checklist: c.machine.Checklist(),
		Completed: c.machine.Completed(),
		Cycles:    c.machine.Cycles(),
	}
	if err := c.sink.Publish(ctx, state); err != nil {
		c.logWarn("progress publication failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Coordinator) logWarn(msg string, fields map[string]interface{}) {
	if c.log != nil {
		c.log.Warn(msg, fields)
	}
}
