// Package subagent provides the sessions_spawn tool: a nested agentic
// loop with a restricted tool set and segregated cost accounting.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/cost"
	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/pkg/models"
)

// DefaultDenyList is always subtracted from a sub-agent's tool set
// unless the operator configures their own list. It blocks recursive
// fan-out, resource-heavy side effects, and contact impersonation.
var DefaultDenyList = []string{"sessions_spawn", "tts", "react", "schedule_message"}

// Config resolves the sub-agent defaults at daemon start.
type Config struct {
	// Model names the provider route sub-agents run on.
	Model string `yaml:"model"`
	// MaxTurns bounds the nested loop. Default: 10.
	MaxTurns int `yaml:"max_turns"`
	// Timeout bounds each nested provider call. Default: 2m.
	Timeout time.Duration `yaml:"timeout"`
	// DenyList overrides DefaultDenyList. A configured empty list
	// disables denial entirely.
	DenyList []string `yaml:"deny_list"`
	// Contacts are the host's known contact names, quoted in the
	// preamble so sub-agents address people correctly.
	Contacts []string `yaml:"-"`
}

// Spawner launches scoped nested loops.
type Spawner struct {
	provider providers.Provider
	registry *agent.Registry
	ledger   agent.Ledger
	rates    []float64
	config   Config
	deny     map[string]bool
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewSpawner builds a spawner over the full tool registry; the deny
// list is subtracted per spawn.
func NewSpawner(provider providers.Provider, registry *agent.Registry, ledger agent.Ledger, rates []float64, config Config, logger *observability.Logger, metrics *observability.Metrics) *Spawner {
	if config.MaxTurns <= 0 {
		config.MaxTurns = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.DenyList == nil {
		config.DenyList = DefaultDenyList
	}

	deny := make(map[string]bool, len(config.DenyList))
	for _, name := range config.DenyList {
		deny[name] = true
	}

	return &Spawner{
		provider: provider,
		registry: registry,
		ledger:   ledger,
		rates:    rates,
		config:   config,
		deny:     deny,
		logger:   logger,
		metrics:  metrics,
	}
}

// EffectiveTools subtracts the deny list from the requested set (or
// the full registry when no set is requested).
func (s *Spawner) EffectiveTools(requested []string) []string {
	if len(requested) == 0 {
		requested = s.registry.Names()
	}
	var allowed []string
	for _, name := range requested {
		if !s.deny[name] {
			allowed = append(allowed, name)
		}
	}
	sort.Strings(allowed)
	return allowed
}

// Tool returns the sessions_spawn descriptor.
func (s *Spawner) Tool() agent.Tool {
	return agent.Tool{
		Name:        "sessions_spawn",
		Description: "Spawn a scoped sub-agent to work on a task with a restricted tool set. Returns its final answer only.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["task"],
			"properties": {
				"task": {"type": "string", "description": "What the sub-agent should do"},
				"tools": {"type": "array", "items": {"type": "string"}, "description": "Tool names to allow; defaults to all"}
			}
		}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Task  string   `json:"task"`
				Tools []string `json:"tools"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Task) == "" {
				return "task must not be empty", nil
			}
			return s.Spawn(ctx, args.Task, args.Tools)
		},
	}
}

// Spawn runs the nested loop and returns its final text.
func (s *Spawner) Spawn(ctx context.Context, task string, requestedTools []string) (string, error) {
	allowed := s.EffectiveTools(requestedTools)
	subRegistry := s.registry.Subset(allowed)
	executor := agent.NewExecutor(subRegistry, agent.ExecutorConfig{}, s.logger, s.metrics)

	sessionID := cost.SubAgentPrefix + uuid.NewString()
	system := []models.SystemBlock{{
		Text: s.preamble(allowed),
		Tier: models.TierStable,
	}}
	messages := []*models.Message{models.UserMessage(task, "spawner", "subagent")}

	if s.logger != nil {
		s.logger.Info(ctx, "spawning sub-agent",
			"session_id", sessionID, "tools", len(allowed), "max_turns", s.config.MaxTurns)
	}

	resp, err := agent.RunLoop(ctx, s.provider, system, &messages, subRegistry.Schemas(), executor, agent.LoopOptions{
		MaxTurns:       s.config.MaxTurns,
		PerCallTimeout: s.config.Timeout,
		SessionID:      sessionID,
		Model:          s.config.Model,
		Rates:          s.rates,
		Ledger:         s.ledger,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})
	if err != nil {
		return "", fmt.Errorf("sub-agent failed: %w", err)
	}
	if resp == nil || resp.Text == "" {
		return "(no output)", nil
	}
	return resp.Text, nil
}

func (s *Spawner) preamble(allowed []string) string {
	var b strings.Builder
	b.WriteString("You are a sub-agent spawned for a single task. Your session is ephemeral: ")
	b.WriteString("nothing you see or say is retained after you return your answer.\n")
	fmt.Fprintf(&b, "You have a budget of %d turns.\n", s.config.MaxTurns)
	fmt.Fprintf(&b, "Tools available to you: %s.\n", joinOrNone(allowed))
	fmt.Fprintf(&b, "Tools denied to you: %s.\n", joinOrNone(s.config.DenyList))
	if len(s.config.Contacts) > 0 {
		fmt.Fprintf(&b, "Known contacts on this host: %s.\n", strings.Join(s.config.Contacts, ", "))
	}
	b.WriteString("Finish with a clear final answer; only your final text is returned to the caller.")
	return b.String()
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
