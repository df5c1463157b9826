// Command agent-producer feeds the task queue: paused tasks with
// unexpired saved state first, then a remote scan for pending-labeled
// items. Items already processing are logged, never touched.
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
	"github.com/notfolder/coding-agent-sub002/internal/logging"
	"github.com/notfolder/coding-agent-sub002/internal/pausestate"
	"github.com/notfolder/coding-agent-sub002/internal/queue"
	"github.com/notfolder/coding-agent-sub002/internal/remote/github"
	"github.com/notfolder/coding-agent-sub002/internal/remote/gitlab"
	"github.com/notfolder/coding-agent-sub002/internal/task"
)

// remoteScanner is the producer's view of a platform client: the shared
// session operations plus the label scan.
type remoteScanner interface {
	task.Remote
	ListLabeled(ctx context.Context, owner, repo, label string) ([]task.Key, error)
}

func main() {
	os.Exit(ProducerMain(os.Args[1:], os.Stdout, os.Stderr))
}

func ProducerMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("agent-producer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	once := fs.Bool("once", false, "Run a single scan pass and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log := logging.New(stdout, cfg.Logging.Level, logging.SchemaFields{Component: cfg.Logging.Component + "-producer"})

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

	producer := &producer{
		cfg:         cfg,
		remote:      remote,
		queue:       q,
		pauseStates: pauseStates,
		log:         log,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := producer.scan(ctx); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	log.Info("producer started", map[string]interface{}{"interval": cfg.Producer.ScanInterval.Std().String()})
	if err := producer.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return 1
	}
	log.Info("producer stopped", nil)
	return 0
}

type producer struct {
	cfg         config.Config
	remote      remoteScanner
	queue       queue.Queue
	pauseStates pausestate.Store
	log         *logging.Logger
}

func (p *producer) run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Producer.ScanInterval.Std())
	defer ticker.Stop()
	for {
		if err := p.scan(ctx); err != nil {
			p.log.Error("scan failed", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scan is one production pass. Paused tasks with saved state go first so a
// worker resumes them before fresh work; their paused label is swapped
// back to pending so the normal claim protocol applies.
func (p *producer) scan(ctx context.Context) error {
	enqueued := map[task.Key]bool{}

	if p.pauseStates != nil {
		resumable, err := p.pauseStates.List(ctx)
		if err != nil {
			p.log.Warn("pause state listing failed", map[string]interface{}{"error": err.Error()})
		}
		for _, key := range resumable {
			swapped, err := p.remote.SwapLabel(ctx, key, p.cfg.Labels.Paused, p.cfg.Labels.Pending)
			if err != nil {
				p.log.Warn("paused item not released", map[string]interface{}{"task_key": key.String(), "error": err.Error()})
				continue
			}
			if !swapped {
				continue
			}
			if err := p.enqueue(ctx, key, enqueued); err != nil {
				return err
			}
			p.log.Info("resumable task enqueued", map[string]interface{}{"task_key": key.String()})
		}
	}

	pending, err := p.remote.ListLabeled(ctx, p.cfg.Remote.Owner, p.cfg.Remote.Repo, p.cfg.Labels.Pending)
	if err != nil {
		return fmt.Errorf("scan pending items: %w", err)
	}
	for _, key := range pending {
		if err := p.enqueue(ctx, key, enqueued); err != nil {
			return err
		}
	}

	// Items stuck on processing belong to a live or crashed session; the
	// producer only reports them.
	stuck, err := p.remote.ListLabeled(ctx, p.cfg.Remote.Owner, p.cfg.Remote.Repo, p.cfg.Labels.Processing)
	if err != nil {
		p.log.Warn("processing scan failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	for _, key := range stuck {
		p.log.Info("item still processing", map[string]interface{}{"task_key": key.String()})
	}
	return nil
}

func (p *producer) enqueue(ctx context.Context, key task.Key, enqueued map[task.Key]bool) error {
	if enqueued[key] {
		return nil
	}
	if err := p.queue.Put(ctx, key); err != nil {
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	enqueued[key] = true
	return nil
}

func buildRemote(cfg config.Config) (remoteScanner, error) {
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
			Address: cfg.Queue.Address,
			Stream:  cfg.Queue.Stream,
			Subject: cfg.Queue.Subject,
			Durable: "agent-worker",
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
