// Package config loads and validates the daemon configuration from a
// single YAML file. Environment references (${VAR}) are expanded before
// parsing, and validation collects every fatal problem at once so an
// operator fixes the file in one pass instead of replaying failures.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucydhq/lucyd/internal/channels"
	"github.com/lucydhq/lucyd/internal/gateway"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/internal/session"
	"github.com/lucydhq/lucyd/internal/tools/shell"
	"github.com/lucydhq/lucyd/internal/tools/subagent"
)

// ModelConfig names a provider entry and its pricing.
type ModelConfig struct {
	// Provider is a key into the top-level providers map.
	Provider string `yaml:"provider"`

	// Rates is [input, output, cache-read] USD per million tokens.
	// Empty disables cost tracking for this model.
	Rates []float64 `yaml:"rates"`
}

// ModelsConfig maps model roles to providers. The "primary" entry is
// required; "summarizer" defaults to primary.
type ModelsConfig struct {
	Named map[string]ModelConfig `yaml:"named"`

	// Routes maps work-item source labels to named models. Unrouted
	// sources use "primary".
	Routes map[string]string `yaml:"routes"`
}

// AgentConfig bounds the agentic loop.
type AgentConfig struct {
	MaxTurns       int           `yaml:"max_turns"`
	MaxCost        float64       `yaml:"max_cost"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`

	CompactionThreshold int64  `yaml:"compaction_threshold"`
	SummaryInstruction  string `yaml:"summary_instruction"`

	// ErrorMessage is the operator-visible reply when the loop fails.
	ErrorMessage string `yaml:"error_message"`
}

// ToolsConfig configures the built-in tool set.
type ToolsConfig struct {
	// Allowlist is the set of path prefixes filesystem tools may touch.
	// Empty denies all filesystem access.
	Allowlist []string `yaml:"allowlist"`

	Shell shell.Config `yaml:"shell"`

	// TruncateAt caps tool output characters. Zero uses the default.
	TruncateAt int `yaml:"truncate_at"`
}

// ChannelsConfig configures the message transports.
type ChannelsConfig struct {
	Telegram channels.TelegramConfig `yaml:"telegram"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full daemon configuration.
type Config struct {
	// StateDir holds sessions/, cost.db, and monitor.json.
	StateDir string `yaml:"state_dir"`

	// AgentName is how the agent refers to itself in recall transcripts.
	AgentName string `yaml:"agent_name"`

	Providers map[string]providers.Config `yaml:"providers"`
	Models    ModelsConfig                `yaml:"models"`
	Agent     AgentConfig                 `yaml:"agent"`
	Gateway   gateway.Config              `yaml:"gateway"`
	Subagent  subagent.Config             `yaml:"subagent"`
	Tools     ToolsConfig                 `yaml:"tools"`
	Channels  ChannelsConfig              `yaml:"channels"`
	Logging   LoggingConfig               `yaml:"logging"`

	// WebhookURL receives notify echo-backs.
	WebhookURL string `yaml:"webhook_url"`

	// QueueCapacity bounds the work queue. Zero uses the default.
	QueueCapacity int `yaml:"queue_capacity"`
}

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. Unknown fields are rejected so a
// typoed key fails loudly instead of silently using a default.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.StateDir = filepath.Join(home, ".lucyd")
		} else {
			c.StateDir = ".lucyd"
		}
	}
	if c.AgentName == "" {
		c.AgentName = "lucyd"
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 25
	}
	if c.Agent.PerCallTimeout <= 0 {
		c.Agent.PerCallTimeout = 120 * time.Second
	}
	if c.Agent.CompactionThreshold <= 0 {
		c.Agent.CompactionThreshold = session.DefaultCompactionThreshold
	}
	if c.Tools.Shell.DefaultTimeout <= 0 || c.Tools.Shell.MaxTimeout <= 0 {
		def := shell.DefaultConfig()
		if c.Tools.Shell.DefaultTimeout <= 0 {
			c.Tools.Shell.DefaultTimeout = def.DefaultTimeout
		}
		if c.Tools.Shell.MaxTimeout <= 0 {
			c.Tools.Shell.MaxTimeout = def.MaxTimeout
		}
	}
}

// Validate returns a single error enumerating every fatal problem.
func (c *Config) Validate() error {
	var reasons []string

	primary, hasPrimary := c.Models.Named["primary"]
	if !hasPrimary {
		reasons = append(reasons, `models.named must contain a "primary" entry`)
	} else if primary.Provider == "" {
		reasons = append(reasons, "models.named.primary: provider is required")
	}

	for name, model := range c.Models.Named {
		if model.Provider == "" {
			continue
		}
		if _, ok := c.Providers[model.Provider]; !ok {
			reasons = append(reasons, fmt.Sprintf("models.named.%s: unknown provider %q", name, model.Provider))
		}
	}

	for source, target := range c.Models.Routes {
		if _, ok := c.Models.Named[target]; !ok {
			reasons = append(reasons, fmt.Sprintf("models.routes.%s: unknown model %q", source, target))
		}
	}

	for name, provider := range c.Providers {
		if provider.Type == "" {
			reasons = append(reasons, fmt.Sprintf("providers.%s: type is required", name))
		}
		if provider.Model == "" {
			reasons = append(reasons, fmt.Sprintf("providers.%s: model is required", name))
		}
	}

	if c.Subagent.Model != "" {
		if _, ok := c.Models.Named[c.Subagent.Model]; !ok {
			reasons = append(reasons, fmt.Sprintf("subagent: unknown model %q", c.Subagent.Model))
		}
	}

	if c.Channels.Telegram.Token != "" && len(c.Channels.Telegram.Contacts) == 0 {
		reasons = append(reasons, "channels.telegram: contacts must not be empty when a token is set")
	}

	if len(reasons) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(reasons, "\n  - "))
}

// SessionsDir returns the session store directory under the state dir.
func (c *Config) SessionsDir() string { return filepath.Join(c.StateDir, "sessions") }

// CostDBPath returns the cost ledger path under the state dir.
func (c *Config) CostDBPath() string { return filepath.Join(c.StateDir, "cost.db") }

// MonitorPath returns the live-monitor file path under the state dir.
func (c *Config) MonitorPath() string { return filepath.Join(c.StateDir, "monitor.json") }
