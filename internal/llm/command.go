package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandSpec is one subprocess invocation.
type CommandSpec struct {
	Binary string
	Args   []string
	Dir    string
	Stdin  string
}

// CommandRunner executes a subprocess and returns its stdout. Tests script
// this; production uses the os/exec runner.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (string, error)
}

type commandRunnerFunc func(ctx context.Context, spec CommandSpec) (string, error)

func (fn commandRunnerFunc) Run(ctx context.Context, spec CommandSpec) (string, error) {
	return fn(ctx, spec)
}

func runCommand(ctx context.Context, spec CommandSpec) (string, error) {
	cmd := exec.CommandContext(ctx, spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = strings.NewReader(spec.Stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("%s: %w: %s", spec.Binary, err, detail)
		}
		return "", fmt.Errorf("%s: %w", spec.Binary, err)
	}
	return stdout.String(), nil
}

// CommandClientConfig configures a subprocess-backed model client.
type CommandClientConfig struct {
	Binary  string
	Args    []string
	Workdir string
	Timeout time.Duration
	Runner  CommandRunner
}

// CommandClient drives a CLI coding agent: each message goes to the agent
// binary's stdin and the reply comes back on stdout. The binary owns the
// conversation session; this client only moves text.
type CommandClient struct {
	binary  string
	args    []string
	dir     string
	timeout time.Duration
	runner  CommandRunner
}

func NewCommandClient(cfg CommandClientConfig) (*CommandClient, error) {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		return nil, errors.New("model command binary is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = commandRunnerFunc(runCommand)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandClient{
		binary:  binary,
		args:    append([]string(nil), cfg.Args...),
		dir:     strings.TrimSpace(cfg.Workdir),
		timeout: timeout,
		runner:  runner,
	}, nil
}

func (c *CommandClient) SendSystemPrompt(ctx context.Context, text string) error {
	_, err := c.run(ctx, append(c.args, "--system"), text)
	return err
}

func (c *CommandClient) SendMessage(ctx context.Context, text string) (string, error) {
	reply, err := c.run(ctx, c.args, text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (c *CommandClient) run(ctx context.Context, args []string, stdin string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.runner.Run(runCtx, CommandSpec{
		Binary: c.binary,
		Args:   args,
		Dir:    c.dir,
		Stdin:  stdin,
	})
}

// CommandInvoker runs tools as subprocesses: the tool name is the first
// argument and the JSON arguments arrive on stdin. Stdout is the output
// handed back to the model.
type CommandInvoker struct {
	binary  string
	dir     string
	timeout time.Duration
	runner  CommandRunner
}

func NewCommandInvoker(binary, workdir string, timeout time.Duration, runner CommandRunner) (*CommandInvoker, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("tool command binary is required")
	}
	if runner == nil {
		runner = commandRunnerFunc(runCommand)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CommandInvoker{
		binary:  binary,
		dir:     strings.TrimSpace(workdir),
		timeout: timeout,
		runner:  runner,
	}, nil
}

func (i *CommandInvoker) Invoke(ctx context.Context, tool string, args json.RawMessage) (string, error) {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return "", errors.New("tool name is required")
	}
	stdin := string(args)
	if stdin == "" {
		stdin = "{}"
	}

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	output, err := i.runner.Run(runCtx, CommandSpec{
		Binary: i.binary,
		Args:   []string{tool},
		Dir:    i.dir,
		Stdin:  stdin,
	})
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", tool, err)
	}
	return strings.TrimSpace(output), nil
}
