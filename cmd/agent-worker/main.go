// Command agent-worker consumes task keys from the queue and processes
// each one through the handler: claim, agent loop, terminal label.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notfolder/coding-agent-sub002/internal/config"
	"github.com/notfolder/coding-agent-sub002/internal/handler"
	"github.com/notfolder/coding-agent-sub002/internal/interrupt"
	"github.com/notfolder/coding-agent-sub002/internal/llm"
	"github.com/notfolder/coding-agent-sub002/internal/logging"
	"github.com/notfolder/coding-agent-sub002/internal/pausestate"
	"github.com/notfolder/coding-agent-sub002/internal/queue"
	"github.com/notfolder/coding-agent-sub002/internal/remote/github"
	"github.com/notfolder/coding-agent-sub002/internal/remote/gitlab"
	"github.com/notfolder/coding-agent-sub002/internal/task"
)

const getTimeout = 5 * time.Second

func main() {
	os.Exit(WorkerMain(os.Args[1:], os.Stdout, os.Stderr))
}

// WorkerMain parses flags, wires the collaborators and runs the consume
// loop until SIGINT/SIGTERM. SIGUSR1 requests a cooperative pause of the
// task currently being processed.
func WorkerMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agent-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log := logging.New(stdout, cfg.Logging.Level, logging.SchemaFields{Component: cfg.Logging.Component + "-worker"})

	remote, err := buildRemote(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	q, err := buildQueue(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer q.Close()

	pauseStates, err := buildPauseStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	client, err := llm.NewCommandClient(llm.CommandClientConfig{
		Binary:  cfg.LLM.Command,
		Args:    cfg.LLM.Args,
		Workdir: cfg.LLM.Workdir,
		Timeout: cfg.LLM.Timeout.Std(),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	// Compression runs through its own model session so summarize turns
	// never leak into the task conversation.
	summaryClient, err := llm.NewCommandClient(llm.CommandClientConfig{
		Binary:  cfg.LLM.Command,
		Args:    cfg.LLM.Args,
		Workdir: cfg.LLM.Workdir,
		Timeout: cfg.LLM.Timeout.Std(),
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var invoker llm.ToolInvoker
	if cfg.Tools.Command != "" {
		commandInvoker, err := llm.NewCommandInvoker(cfg.Tools.Command, cfg.LLM.Workdir, cfg.Tools.Timeout.Std(), nil)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		invoker = commandInvoker
	}

	pauseSignal := &interrupt.PauseFlag{}
	h, err := handler.New(handler.Options{
		Config:      cfg,
		Remote:      remote,
		Client:      client,
		Invoker:     invoker,
		Summarizer:  llm.Summarizer{Client: summaryClient},
		PauseStates: pauseStates,
		PauseSignal: pauseSignal,
		Log:         log,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pauses := make(chan os.Signal, 1)
	signal.Notify(pauses, syscall.SIGUSR1)
	defer signal.Stop(pauses)
	go func() {
		for range pauses {
			log.Info("pause requested", nil)
			pauseSignal.Request()
		}
	}()

	log.Info("worker started", map[string]interface{}{"queue": cfg.Queue.Backend, "platform": cfg.Remote.Platform})
	if err := consume(ctx, q, h, log); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log.Info("worker stopped", nil)
	return 0
}

// consume is the worker loop: one delivery at a time, acked once the item
// reached a terminal label (or was claimed elsewhere), nak'd when
// processing never started so the queue can redeliver.
func consume(ctx context.Context, q queue.Queue, h *handler.Handler, log *logging.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivery, ok, err := q.Get(ctx, getTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			if errors.Is(err, queue.ErrUnavailable) {
				log.Warn("queue unavailable", map[string]interface{}{"error": err.Error()})
				select {
				case <-time.After(getTimeout):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return err
		}
		if !ok {
			continue
		}

		outcome, handleErr := h.Handle(ctx, delivery.Key)
		switch {
		case handleErr == nil, errors.Is(handleErr, task.ErrAlreadyClaimed):
			if err := delivery.Ack(); err != nil {
				log.Warn("ack failed", map[string]interface{}{"task_key": delivery.Key.String(), "error": err.Error()})
			}
		case outcome.Status != "":
			// The item reached a terminal label even though the run
			// failed; redelivering would only hit AlreadyClaimed.
			log.Error("task failed", map[string]interface{}{"task_key": delivery.Key.String(), "error": handleErr.Error()})
			if err := delivery.Ack(); err != nil {
				log.Warn("ack failed", map[string]interface{}{"task_key": delivery.Key.String(), "error": err.Error()})
			}
		default:
			log.Error("task not processed", map[string]interface{}{"task_key": delivery.Key.String(), "error": handleErr.Error()})
			if err := delivery.Nak(handleErr.Error()); err != nil {
				log.Warn("nak failed", map[string]interface{}{"task_key": delivery.Key.String(), "error": err.Error()})
			}
		}
	}
}

func buildRemote(cfg config.Config) (task.Remote, error) {
	switch cfg.Remote.Platform {
	case "github":
		return github.New(github.Config{Token: cfg.Remote.Token, APIEndpoint: cfg.Remote.Endpoint})
	case "gitlab":
		return gitlab.New(gitlab.Config{Token: cfg.Remote.Token, APIEndpoint: cfg.Remote.Endpoint})
	default:
		return nil, fmt.Errorf("remote platform must be github or gitlab, got %q", cfg.Remote.Platform)
	}
}

func buildQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(0), nil
	case "jetstream":
		return queue.NewJetStreamQueue(queue.JetStreamConfig{
			Address:    cfg.Queue.Address,
			Stream:     cfg.Queue.Stream,
			Subject:    cfg.Queue.Subject,
			Durable:    "agent-worker",
			MaxDeliver: cfg.MaxRetries + 1,
		})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildPauseStore(cfg config.Config) (pausestate.Store, error) {
	if !cfg.PauseResume.Enabled {
		return nil, nil
	}
	switch cfg.PauseStore.Backend {
	case "redis":
		return pausestate.NewRedisStore(cfg.PauseStore.Address, cfg.PausedTaskExpiry.Std(), nil)
	case "file":
		return pausestate.NewFileStore(cfg.PauseStore.StateDir, cfg.PausedTaskExpiry.Std(), nil)
	default:
		return nil, fmt.Errorf("unknown pause store backend %q", cfg.PauseStore.Backend)
	}
}
