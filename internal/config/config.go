package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StateDir is the per-workspace directory holding config, logs, caches and history.
const StateDir = ".sudodev"

// ErrMissingAPIKey is returned when the active provider has no API key.
var ErrMissingAPIKey = errors.New("missing LLM API key")

// Config holds all sudodev configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM     LLMConfig     `yaml:"llm"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Agent   AgentConfig   `yaml:"agent"`
	Dataset DatasetConfig `yaml:"dataset"`
	Store   StoreConfig   `yaml:"store"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
	Tasks   TasksConfig   `yaml:"tasks"`
}

// AgentConfig tunes the reproduce/locate/fix/verify pipeline.
type AgentConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	MaxFileChars   int    `yaml:"max_file_chars"`
	MaxTargetFiles int    `yaml:"max_target_files"`
	ReproScript    string `yaml:"repro_script"`
	ReproTimeout   string `yaml:"repro_timeout"`
}

// DatasetConfig selects the SWE-bench dataset and its local cache.
type DatasetConfig struct {
	Name            string `yaml:"name"`
	Split           string `yaml:"split"`
	Endpoint        string `yaml:"endpoint"`
	CacheDir        string `yaml:"cache_dir"`
	DefaultInstance string `yaml:"default_instance"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// OutputConfig locates generated artifacts.
type OutputConfig struct {
	Predictions string `yaml:"predictions"`
}

// TasksConfig configures the install/test/run/clean runner.
type TasksConfig struct {
	Profile string `yaml:"profile"` // auto, go, python
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sudodev",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider:          ProviderGroq,
			Timeout:           "120s",
			MaxTokens:         4096,
			RequestsPerMinute: 30,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     "30s",
			},
		},

		Sandbox: SandboxConfig{
			ImageTemplate: "swebench/sweb.eval.x86_64.{id}:latest",
			WorkDir:       "/testbed",
			Timeout:       "120s",
			Activate:      "source /opt/miniconda3/bin/activate testbed",
			MemoryLimit:   4 * 1024 * 1024 * 1024,
			CPULimit:      2.0,
			Network:       "bridge",
		},

		Agent: AgentConfig{
			MaxAttempts:    3,
			MaxFileChars:   32000,
			MaxTargetFiles: 3,
			ReproScript:    "reproduce_issue.py",
			ReproTimeout:   "30s",
		},

		Dataset: DatasetConfig{
			Name:            "princeton-nlp/SWE-bench_Lite",
			Split:           "test",
			Endpoint:        "https://datasets-server.huggingface.co",
			CacheDir:        filepath.Join(StateDir, "datasets"),
			DefaultInstance: "django__django-11001",
		},

		Store: StoreConfig{
			Path: filepath.Join(StateDir, "history.db"),
		},

		Output: OutputConfig{
			Predictions: filepath.Join(StateDir, "predictions.jsonl"),
		},

		Logging: LoggingConfig{
			Level: "info",
		},

		Tasks: TasksConfig{
			Profile: "auto",
		},
	}
}

// DefaultPath returns the config file location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, StateDir, "config.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped and existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from a YAML file and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("SUDODEV_PROVIDER"); p != "" {
		c.LLM.Provider = strings.ToLower(strings.TrimSpace(p))
	}
	if env := apiKeyEnv(c.LLM.Provider); env != "" {
		if key := os.Getenv(env); key != "" {
			c.LLM.APIKey = key
		}
	}
	if model := os.Getenv("LLM"); model != "" {
		c.LLM.Model = model
	}

	if v := os.Getenv("SANDBOX_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Sandbox.Timeout = fmt.Sprintf("%ds", secs)
		} else {
			c.Sandbox.Timeout = v
		}
	}
	if dir := os.Getenv("WORK_DIR"); dir != "" {
		c.Sandbox.WorkDir = dir
	}

	if v := os.Getenv("SUDODEV_DEBUG"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = on
		}
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGroq, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Agent.MaxAttempts <= 0 {
		return fmt.Errorf("agent.max_attempts must be positive, got %d", c.Agent.MaxAttempts)
	}
	if c.Agent.MaxTargetFiles <= 0 {
		return fmt.Errorf("agent.max_target_files must be positive, got %d", c.Agent.MaxTargetFiles)
	}
	for name, raw := range map[string]string{
		"llm.timeout":         c.LLM.Timeout,
		"sandbox.timeout":     c.Sandbox.Timeout,
		"agent.repro_timeout": c.Agent.ReproTimeout,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, raw)
		}
	}
	switch c.Tasks.Profile {
	case "", "auto", "go", "python":
	default:
		return fmt.Errorf("unknown tasks.profile %q", c.Tasks.Profile)
	}
	return nil
}

// GetReproTimeout returns the reproduction script timeout as a duration.
func (c *Config) GetReproTimeout() time.Duration {
	return parseDuration(c.Agent.ReproTimeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
