package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface for both the producer and the
// worker processes. A single YAML file describes feature flags, numeric
// knobs, the remote label vocabulary and backend connection details.
type Config struct {
	Planning         FeatureFlag `yaml:"planning"`
	ContextStorage   FeatureFlag `yaml:"context_storage"`
	PauseResume      FeatureFlag `yaml:"pause_resume"`
	CommentDetection FeatureFlag `yaml:"comment_detection"`

	MaxLLMProcessNum     int      `yaml:"max_llm_process_num"`
	CompressionThreshold int      `yaml:"compression_threshold"`
	MaxReplanningCycles  int      `yaml:"max_replanning_cycles"`
	MaxRetries           int      `yaml:"max_retries"`
	PausedTaskExpiry     Duration `yaml:"paused_task_expiry"`

	Labels Labels `yaml:"labels"`

	Queue      QueueConfig      `yaml:"queue"`
	Remote     RemoteConfig     `yaml:"remote"`
	PauseStore PauseStoreConfig `yaml:"pause_store"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Producer   ProducerConfig   `yaml:"producer"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FeatureFlag struct {
	Enabled bool `yaml:"enabled"`
}

// Duration decodes YAML scalars like "24h" or "90s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Labels is the remote label vocabulary used as the cross-process lock.
type Labels struct {
	Pending    string `yaml:"pending"`
	Processing string `yaml:"processing"`
	Paused     string `yaml:"paused"`
	Done       string `yaml:"done"`
	Error      string `yaml:"error"`
	Stopped    string `yaml:"stopped"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"` // "memory" or "jetstream"
	Address string `yaml:"address"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

type RemoteConfig struct {
	Platform string `yaml:"platform"` // "github" or "gitlab"
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	BotUser  string `yaml:"bot_user"`
}

type PauseStoreConfig struct {
	Backend  string `yaml:"backend"` // "redis" or "file"
	Address  string `yaml:"address"`
	StateDir string `yaml:"state_dir"`
}

// LLMConfig names the CLI coding agent the worker drives. Messages go to
// the binary's stdin, replies come back on stdout.
type LLMConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Workdir string   `yaml:"workdir"`
	Timeout Duration `yaml:"timeout"`
}

// ToolsConfig names the tool dispatcher binary: tool name as the first
// argument, JSON arguments on stdin.
type ToolsConfig struct {
	Command string   `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// ProducerConfig tunes the remote scan loop.
type ProducerConfig struct {
	ScanInterval Duration `yaml:"scan_interval"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Component string `yaml:"component"`
}

// Load reads, expands and validates a configuration file. Environment
// references of the form ${VAR} inside the file are expanded before
// decoding so tokens never live in the file itself.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes raw YAML into a Config, applying defaults and validation.
func Parse(raw []byte) (Config, error) {
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when a knob is left unset.
func Default() Config {
	return Config{
		MaxLLMProcessNum:     50,
		CompressionThreshold: 20000,
		MaxReplanningCycles:  3,
		MaxRetries:           3,
		PausedTaskExpiry:     Duration(24 * time.Hour),
		Labels: Labels{
			Pending:    "agent:pending",
			Processing: "agent:processing",
			Paused:     "agent:paused",
			Done:       "agent:done",
			Error:      "agent:error",
			Stopped:    "agent:stopped",
		},
		Queue:      QueueConfig{Backend: "memory", Stream: "AGENT_TASKS", Subject: "agent.tasks"},
		PauseStore: PauseStoreConfig{Backend: "file", StateDir: ".agent-state"},
		LLM:        LLMConfig{Timeout: Duration(5 * time.Minute)},
		Tools:      ToolsConfig{Timeout: Duration(2 * time.Minute)},
		Producer:   ProducerConfig{ScanInterval: Duration(30 * time.Second)},
		Logging:    LoggingConfig{Level: "info", Component: "coding-agent"},
	}
}

func (c *Config) applyDefaults() {
	defaults := Default()
	if c.MaxLLMProcessNum <= 0 {
		c.MaxLLMProcessNum = defaults.MaxLLMProcessNum
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = defaults.CompressionThreshold
	}
	if c.MaxReplanningCycles < 0 {
		c.MaxReplanningCycles = defaults.MaxReplanningCycles
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.PausedTaskExpiry <= 0 {
		c.PausedTaskExpiry = defaults.PausedTaskExpiry
	}
	if strings.TrimSpace(c.Queue.Backend) == "" {
		c.Queue.Backend = defaults.Queue.Backend
	}
	if strings.TrimSpace(c.Queue.Stream) == "" {
		c.Queue.Stream = defaults.Queue.Stream
	}
	if strings.TrimSpace(c.Queue.Subject) == "" {
		c.Queue.Subject = defaults.Queue.Subject
	}
	if strings.TrimSpace(c.PauseStore.Backend) == "" {
		c.PauseStore.Backend = defaults.PauseStore.Backend
	}
	if strings.TrimSpace(c.PauseStore.StateDir) == "" {
		c.PauseStore.StateDir = defaults.PauseStore.StateDir
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = defaults.LLM.Timeout
	}
	if c.Tools.Timeout <= 0 {
		c.Tools.Timeout = defaults.Tools.Timeout
	}
	if c.Producer.ScanInterval <= 0 {
		c.Producer.ScanInterval = defaults.Producer.ScanInterval
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if strings.TrimSpace(c.Logging.Component) == "" {
		c.Logging.Component = defaults.Logging.Component
	}
	emptyLabels := Labels{}
	if c.Labels == emptyLabels {
		c.Labels = defaults.Labels
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if err := c.Labels.Validate(); err != nil {
		return err
	}
	switch strings.TrimSpace(strings.ToLower(c.Queue.Backend)) {
	case "memory", "jetstream":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	switch strings.TrimSpace(strings.ToLower(c.PauseStore.Backend)) {
	case "redis", "file":
	default:
		return fmt.Errorf("unknown pause store backend %q", c.PauseStore.Backend)
	}
	if c.Remote.Platform != "" {
		switch strings.TrimSpace(strings.ToLower(c.Remote.Platform)) {
		case "github", "gitlab":
		default:
			return fmt.Errorf("unknown remote platform %q", c.Remote.Platform)
		}
	}
	return nil
}

// Validate ensures the vocabulary is complete and collision free. Every
// live item carries exactly one of these labels, so two states sharing a
// name would corrupt the lock protocol.
func (l Labels) Validate() error {
	all := map[string]string{
		"pending":    l.Pending,
		"processing": l.Processing,
		"paused":     l.Paused,
		"done":       l.Done,
		"error":      l.Error,
		"stopped":    l.Stopped,
	}
	seen := map[string]string{}
	for state, label := range all {
		label = strings.TrimSpace(label)
		if label == "" {
			return fmt.Errorf("label for state %q is required", state)
		}
		if prior, ok := seen[label]; ok {
			return fmt.Errorf("label %q is used for both %q and %q", label, prior, state)
		}
		seen[label] = state
	}
	return nil
}
