// Package handler turns one queue delivery into one finished task: it
// claims the item, selects an execution mode, drives the agent loop (or
// the planning coordinator) and guarantees exactly one terminal label
// swap per processing attempt.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/config"
	"github.com/notfolder/coding-agent-sub002/internal/convo"
	"github.com/notfolder/coding-agent-sub002/internal/interrupt"
	"github.com/notfolder/coding-agent-sub002/internal/llm"
	"github.com/notfolder/coding-agent-sub002/internal/logging"
	"github.com/notfolder/coding-agent-sub002/internal/pausestate"
	"github.com/notfolder/coding-agent-sub002/internal/planner"
	"github.com/notfolder/coding-agent-sub002/internal/task"
)

const (
	systemInstructions = `You are a coding agent working on one remote work item.
Reply to every message with exactly one JSON object:
  {"action": "tool", "tool": "<name>", "args": {...}, "comment": "..."}
or, when the work is finished:
  {"action": "done", "comment": "<summary of what was done>"}`

	continueInstruction = "Continue working on the item. Reply with one JSON object."
)

// Options wires a handler to its collaborators. Client and Remote are
// required; PauseStates may be nil when pause/resume is disabled.
type Options struct {
	Config      config.Config
	Remote      task.Remote
	Client      llm.Client
	Invoker     llm.ToolInvoker
	Summarizer  convo.Summarizer
	PauseStates pausestate.Store
	PauseSignal *interrupt.PauseFlag
	Log         *logging.Logger
	Clock       func() time.Time
}

// Handler processes claimed tasks one at a time. It is safe to share one
// handler across sequential deliveries; each delivery gets a fresh session
// and conversation store.
type Handler struct {
	cfg         config.Config
	remote      task.Remote
	client      llm.Client
	invoker     llm.ToolInvoker
	summarizer  convo.Summarizer
	pauseStates pausestate.Store
	pauseSignal *interrupt.PauseFlag
	log         *logging.Logger
	clock       func() time.Time
}

// Outcome reports how one delivery ended.
type Outcome struct {
	Status task.FinishStatus
	Mode   Mode
	// Iterations is the number of loop iterations (or coordinator turns)
	// this attempt consumed, counted from any resumed offset.
	Iterations int
}

func New(opts Options) (*Handler, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("handler remote is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("handler model client is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		cfg:         opts.Config,
		remote:      opts.Remote,
		client:      opts.Client,
		invoker:     opts.Invoker,
		summarizer:  opts.Summarizer,
		pauseStates: opts.PauseStates,
		pauseSignal: opts.PauseSignal,
		log:         opts.Log,
		clock:       clock,
	}, nil
}

// Handle processes one delivery end to end. task.ErrAlreadyClaimed is
// returned unwrapped so the caller can ack-and-skip the delivery; every
// other path swaps the processing label into exactly one terminal state
// before returning.
func (h *Handler) Handle(ctx context.Context, key task.Key) (Outcome, error) {
	session, err := task.NewSession(key, task.SessionOptions{
		Remote:     h.remote,
		Labels:     sessionLabels(h.cfg.Labels),
		BotUser:    h.cfg.Remote.BotUser,
		MaxRetries: h.cfg.MaxRetries,
		Clock:      h.clock,
	})
	if err != nil {
		return Outcome{}, err
	}
	log := h.taskLog(session)

	if err := session.Prepare(ctx); err != nil {
		if errors.Is(err, task.ErrAlreadyClaimed) {
			log.Info("delivery skipped: already claimed", nil)
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("prepare %s: %w", key, err)
	}

	record, resumed, err := h.loadPauseState(ctx, key)
	if err != nil {
		// Corrupt pause state is terminal: resuming from a guessed state
		// could replay or skip model turns.
		log.Error("pause state unusable", map[string]interface{}{"error": err.Error()})
		h.commentBestEffort(ctx, session, "Could not resume this task: its saved state is unreadable. Remove the `"+h.cfg.Labels.Error+"` label and re-add `"+h.cfg.Labels.Pending+"` to start over.")
		return h.finish(ctx, session, log, Outcome{Status: task.FinishError, Mode: LegacyMode}, err)
	}

	mode := SelectMode(h.cfg.Planning.Enabled, h.cfg.ContextStorage.Enabled, key.Validate() == nil)
	if resumed {
		mode = Mode(record.Mode)
	}
	log.Info("task claimed", map[string]interface{}{"mode": string(mode), "resumed": resumed})

	store := convo.NewStore(convo.StoreOptions{
		CompressionThreshold: h.cfg.CompressionThreshold,
		Summarizer:           h.summarizer,
		Clock:                h.clock,
	})

	if resumed {
		if err := store.Restore(record.Conversation); err != nil {
			log.Error("pause state unusable", map[string]interface{}{"error": err.Error()})
			h.commentBestEffort(ctx, session, "Could not resume this task: its saved conversation is inconsistent.")
			return h.finish(ctx, session, log, Outcome{Status: task.FinishError, Mode: mode}, fmt.Errorf("%w: %v", pausestate.ErrCorruptState, err))
		}
		if err := h.pauseStates.Delete(ctx, key); err != nil {
			log.Warn("stale pause record not deleted", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := h.seedConversation(ctx, session, store, resumed); err != nil {
		h.commentBestEffort(ctx, session, "Processing failed before the first model turn: "+err.Error())
		return h.finish(ctx, session, log, Outcome{Status: task.FinishError, Mode: mode}, err)
	}

	arbiter := h.buildArbiter(session)

	var outcome Outcome
	var runErr error
	switch mode {
	case PlanningMode:
		outcome, runErr = h.runPlanning(ctx, session, store, arbiter, log, record, resumed)
	default:
		outcome, runErr = h.runLoop(ctx, session, store, arbiter, log, mode, record, resumed)
	}
	return h.finish(ctx, session, log, outcome, runErr)
}

// runPlanning drives the six-phase coordinator and maps its result onto a
// terminal status, snapshotting on pause or stop.
func (h *Handler) runPlanning(ctx context.Context, session *task.Session, store *convo.Store, arbiter *interrupt.Arbiter, log *logging.Logger, record pausestate.Record, resumed bool) (Outcome, error) {
	coordinator, err := planner.NewCoordinator(planner.CoordinatorOptions{
		Client:              h.client,
		Invoker:             h.invoker,
		Store:               store,
		Sink:                planner.NewCommentSink(session),
		Interrupts:          arbiter,
		Log:                 log,
		MaxReplanningCycles: h.cfg.MaxReplanningCycles,
		MaxRetries:          h.cfg.MaxRetries,
	})
	if err != nil {
		return Outcome{Status: task.FinishError, Mode: PlanningMode}, err
	}
	if resumed {
		coordinator.Restore(planner.ResumeState{
			Phase:        record.Phase,
			Checklist:    record.Checklist,
			Completed:    record.Completed,
			Cycles:       record.Cycles,
			Pending:      record.Pending,
			ItemTurns:    record.ItemTurns,
			Injected:     record.Injected,
			ReplanReason: record.ReplanReason,
		})
	}

	result, err := coordinator.Run(ctx)
	if err != nil {
		h.commentBestEffort(ctx, session, "Processing failed: "+err.Error())
		return Outcome{Status: task.FinishError, Mode: PlanningMode}, err
	}

	if result.Interrupted != nil {
		state := coordinator.Suspend()
		outcome, err := h.interruptedOutcome(ctx, session, store, log, *result.Interrupted, pausestate.Record{
			Key:          session.Key(),
			Mode:         string(PlanningMode),
			Phase:        state.Phase,
			Checklist:    state.Checklist,
			Completed:    state.Completed,
			Cycles:       state.Cycles,
			Pending:      state.Pending,
			ItemTurns:    state.ItemTurns,
			Injected:     state.Injected,
			ReplanReason: state.ReplanReason,
		})
		outcome.Mode = PlanningMode
		return outcome, err
	}

	switch result.Phase {
	case planner.PhaseDone:
		if result.Comment != "" {
			h.commentBestEffort(ctx, session, result.Comment)
		}
		return Outcome{Status: task.FinishDone, Mode: PlanningMode}, nil
	default:
		comment := result.Comment
		if comment == "" {
			comment = "Planning could not produce a passing result."
		}
		h.commentBestEffort(ctx, session, comment)
		return Outcome{Status: task.FinishError, Mode: PlanningMode}, nil
	}
}

// runLoop is the plain agent loop shared by durable and legacy modes: one
// model request per iteration, tool output fed back as the next turn,
// bounded by max_llm_process_num and the malformed-reply retry budget.
func (h *Handler) runLoop(ctx context.Context, session *task.Session, store *convo.Store, arbiter *interrupt.Arbiter, log *logging.Logger, mode Mode, record pausestate.Record, resumed bool) (Outcome, error) {
	iteration := 0
	pending := ""
	if resumed {
		iteration = record.Iteration
		pending = record.Pending
	}

	malformed := 0
	for ; iteration < h.cfg.MaxLLMProcessNum; iteration++ {
		decision := arbiter.Check(ctx)
		switch decision.Kind {
		case interrupt.KindStop, interrupt.KindPause:
			outcome, err := h.interruptedOutcome(ctx, session, store, log, decision, pausestate.Record{
				Key:       session.Key(),
				Mode:      string(mode),
				Iteration: iteration,
				Pending:   pending,
			})
			outcome.Mode = mode
			outcome.Iterations = iteration
			return outcome, err
		case interrupt.KindInject:
			// Folded into the outgoing message so the injected context
			// reaches the model transport, not just the local log.
			if pending == "" {
				pending = continueInstruction
			}
			pending = decision.Text + "\n\n" + pending
		}

		message := pending
		if message == "" {
			message = continueInstruction
		}
		store.Append(convo.RoleUser, message)
		raw, err := h.client.SendMessage(ctx, message)
		if err != nil {
			h.commentBestEffort(ctx, session, "Processing failed: "+err.Error())
			return Outcome{Status: task.FinishError, Mode: mode, Iterations: iteration}, fmt.Errorf("model request failed: %w", err)
		}
		replyIndex := store.Append(convo.RoleAssistant, raw)

		reply, parseErr := llm.ParseReply(raw)
		if parseErr != nil {
			malformed++
			if malformed > h.cfg.MaxRetries {
				h.commentBestEffort(ctx, session, "Processing failed: the model kept producing unparseable replies.")
				return Outcome{Status: task.FinishError, Mode: mode, Iterations: iteration}, parseErr
			}
			log.Warn("malformed model reply", map[string]interface{}{"attempt": malformed, "error": parseErr.Error()})
			pending = "Your previous reply was not valid. Reply with exactly one JSON object."
			continue
		}
		malformed = 0

		switch {
		case reply.Tool != nil:
			output := h.invoke(ctx, reply.Tool)
			_ = store.AppendTool(convo.ToolCall{
				MessageIndex: replyIndex,
				Tool:         reply.Tool.Tool,
				Args:         reply.Tool.Args,
				Output:       output,
			})
			pending = "Tool output:\n" + output
		case reply.Completion != nil:
			if reply.Completion.Comment != "" {
				h.commentBestEffort(ctx, session, reply.Completion.Comment)
			}
			return Outcome{Status: task.FinishDone, Mode: mode, Iterations: iteration + 1}, nil
		}

		if _, err := store.CompressIfNeeded(ctx); err != nil {
			log.Warn("conversation compression failed", map[string]interface{}{"error": err.Error()})
		}
	}

	h.commentBestEffort(ctx, session, fmt.Sprintf("Processing stopped after %d model requests without completion.", h.cfg.MaxLLMProcessNum))
	return Outcome{Status: task.FinishError, Mode: mode, Iterations: h.cfg.MaxLLMProcessNum},
		fmt.Errorf("iteration budget of %d exhausted on %s", h.cfg.MaxLLMProcessNum, session.Key())
}

// interruptedOutcome maps a pause or stop decision to its terminal status,
// persisting the snapshot first so the session can be resumed (pause) or
// inspected (stop).
func (h *Handler) interruptedOutcome(ctx context.Context, session *task.Session, store *convo.Store, log *logging.Logger, decision interrupt.Decision, record pausestate.Record) (Outcome, error) {
	record.Conversation = store.Snapshot()
	record.SavedAt = h.clock().UTC()

	status := task.FinishStopped
	if decision.Kind == interrupt.KindPause {
		status = task.FinishPaused
	}

	if h.cfg.PauseResume.Enabled && h.pauseStates != nil {
		if err := h.pauseStates.Save(ctx, record); err != nil {
			if decision.Kind == interrupt.KindPause {
				// A pause that cannot be persisted cannot be resumed.
				h.commentBestEffort(ctx, session, "Pause requested but saving the session state failed: "+err.Error())
				return Outcome{Status: task.FinishError}, fmt.Errorf("save pause state for %s: %w", session.Key(), err)
			}
			log.Warn("stop snapshot not persisted", map[string]interface{}{"error": err.Error()})
		}
	} else if decision.Kind == interrupt.KindPause {
		// Without a pause store there is nothing to resume from.
		status = task.FinishStopped
	}

	log.Info("session interrupted", map[string]interface{}{"decision": decision.Kind.String(), "status": string(status)})
	return Outcome{Status: status}, nil
}

// finish performs the single terminal label swap and reconciles errors: a
// failed run must still release the lock, and a failed release outranks
// the run error in the log.
func (h *Handler) finish(ctx context.Context, session *task.Session, log *logging.Logger, outcome Outcome, runErr error) (Outcome, error) {
	if err := session.Finish(ctx, outcome.Status); err != nil {
		log.Error("terminal label swap failed", map[string]interface{}{"status": string(outcome.Status), "error": err.Error()})
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("task finished", map[string]interface{}{
		"status":     string(outcome.Status),
		"mode":       string(outcome.Mode),
		"iterations": outcome.Iterations,
	})
	return outcome, runErr
}

func (h *Handler) loadPauseState(ctx context.Context, key task.Key) (pausestate.Record, bool, error) {
	if !h.cfg.PauseResume.Enabled || h.pauseStates == nil {
		return pausestate.Record{}, false, nil
	}
	record, err := h.pauseStates.Load(ctx, key)
	switch {
	case err == nil:
		return record, true, nil
	case errors.Is(err, pausestate.ErrNotFound):
		return pausestate.Record{}, false, nil
	case errors.Is(err, pausestate.ErrCorruptState):
		_ = h.pauseStates.Delete(ctx, key)
		return pausestate.Record{}, false, err
	default:
		return pausestate.Record{}, false, err
	}
}

// seedConversation sends the system instructions plus the rendered item
// content. A resumed session already carries its log; the seed is only
// re-sent to the model transport, not re-appended.
func (h *Handler) seedConversation(ctx context.Context, session *task.Session, store *convo.Store, resumed bool) error {
	prompt, err := session.GetPrompt(ctx)
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}
	seed := systemInstructions + "\n\n" + prompt
	if err := h.client.SendSystemPrompt(ctx, seed); err != nil {
		return fmt.Errorf("send system prompt: %w", err)
	}
	if !resumed {
		store.Append(convo.RoleSystem, seed)
	}
	return nil
}

func (h *Handler) buildArbiter(session *task.Session) *interrupt.Arbiter {
	arbiter := interrupt.NewArbiter().
		AddStop(interrupt.StopOnUnassign{Session: session})
	if h.pauseSignal != nil {
		arbiter.AddPause(h.pauseSignal)
	}
	if h.cfg.CommentDetection.Enabled {
		arbiter.AddInject(interrupt.NewCommentDetector(session, h.clock))
	}
	return arbiter
}

func (h *Handler) invoke(ctx context.Context, command *llm.ToolCommand) string {
	if h.invoker == nil {
		return "tool error: no tool invoker configured"
	}
	output, err := h.invoker.Invoke(ctx, command.Tool, command.Args)
	if err != nil {
		return "tool error: " + err.Error()
	}
	return output
}

func (h *Handler) commentBestEffort(ctx context.Context, session *task.Session, body string) {
	if _, err := session.Comment(ctx, strings.TrimSpace(body)); err != nil && h.log != nil {
		h.log.Warn("remote comment failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) taskLog(session *task.Session) *logging.Logger {
	if h.log == nil {
		return nil
	}
	return h.log.WithTask(session.Key().String(), session.ID())
}

func sessionLabels(l config.Labels) task.Labels {
	return task.Labels{
		Pending:    l.Pending,
		Processing: l.Processing,
		Paused:     l.Paused,
		Done:       l.Done,
		Error:      l.Error,
		Stopped:    l.Stopped,
	}
}
