package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Vault        VaultConfig        `yaml:"vault"`
	Web          WebConfig          `yaml:"web"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`

	Agents    []AgentDefinition    `yaml:"agents"`
	Workflows []WorkflowDefinition `yaml:"workflows"`
	Schedules []ScheduleDefinition `yaml:"schedules"`
}

type OrchestratorConfig struct {
	MaxConcurrentTasks int  `yaml:"max_concurrent_tasks"`
	EnableLogging      bool `yaml:"enable_logging"`
	AutoRetry          bool `yaml:"auto_retry"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

type SandboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Image     string `yaml:"image"`
	Workspace string `yaml:"workspace"`
}

// AgentDefinition declares one agent: its descriptor fields plus the
// handler binding that tells the daemon how to run its tasks. Env
// values may be secret:NAME references resolved through the vault.
type AgentDefinition struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Category     string   `yaml:"category"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Dependencies []string `yaml:"dependencies"`
	MaxRetries   int      `yaml:"max_retries"`
	TimeoutMs    int      `yaml:"timeout_ms"`

	Kind    string            `yaml:"kind"` // echo, command or sandbox
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
}

type WorkflowDefinition struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Steps       []StepDefinition `yaml:"steps"`
}

type StepDefinition struct {
	ID        string         `yaml:"id"`
	Agent     string         `yaml:"agent"`
	Input     any            `yaml:"input"`
	Context   map[string]any `yaml:"context"`
	DependsOn []string       `yaml:"depends_on"`
}

// ScheduleDefinition binds a schedule expression to a workflow. The
// schedule field accepts a plain cron expression or the JSON shape
// {"kind":"cron|interval|once", ...}.
type ScheduleDefinition struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Workflow string `yaml:"workflow"`
	Schedule string `yaml:"schedule"`
}

func defaults() Config {
	return Config{
		DataDir: "data",
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: 8,
			EnableLogging:      true,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/archon.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8461,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Image:     "archon-sandbox:latest",
			Workspace: "workspaces",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ARCHON_CONFIG")
	if path == "" {
		path = "config/archon.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCHON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ARCHON_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ARCHON_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ARCHON_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ARCHON_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("ARCHON_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
		cfg.Telegram.Enabled = true
	}
	if v := os.Getenv("ARCHON_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("ARCHON_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConcurrentTasks = n
		}
	}
}
