// Package providers normalizes LLM wire protocols to a single
// request/response contract.
//
// Two families are supported: the messages-style API (Anthropic) and the
// chat-completions-style API (OpenAI and compatibles). Each adapter
// exposes the same four operations: format the tool declarations, format
// the system prompt, format the message history, and perform one
// completion. Formatted values are vendor-shaped and opaque to callers;
// the agent loop formats tools once and threads the result back into
// every Complete call.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucydhq/lucyd/pkg/models"
)

// Response is the normalized result of one provider completion.
type Response struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason models.StopReason
	Usage      models.Usage

	// ThinkingText is the human-readable reasoning, when the provider
	// models reasoning. ThinkingBlock is the opaque vendor continuation
	// block (with its signature) that must be echoed back verbatim on
	// the next call of a tool-use turn.
	ThinkingText  string
	ThinkingBlock json.RawMessage

	// Raw is the vendor response, kept for diagnostics.
	Raw any
}

// Provider is the capability set every adapter implements.
//
// FormatTools, FormatSystem, and FormatMessages return vendor-shaped
// values; Complete accepts exactly those shapes. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Name returns the provider type string used for routing and logging.
	Name() string

	// Model returns the model this provider instance is bound to.
	Model() string

	// FormatTools shapes the internal tool schema list into the vendor's
	// tool-declaration shape. An empty input yields an empty (never nil
	// in the vendor sense) declaration list.
	FormatTools(tools []models.ToolSchema) any

	// FormatSystem shapes tier-tagged system blocks into the vendor's
	// system-prompt shape, applying cache markers where supported.
	FormatSystem(blocks []models.SystemBlock) any

	// FormatMessages converts the internal message history to the
	// vendor's messages shape, preserving reasoning continuation blocks
	// verbatim.
	FormatMessages(messages []*models.Message) (any, error)

	// Complete performs one request and returns the normalized response.
	// Network and timeout errors propagate to the caller.
	Complete(ctx context.Context, system, messages, tools any) (*Response, error)
}

// Config configures one provider instance.
type Config struct {
	// Type selects the adapter family: "anthropic" for the
	// messages-style API, "openai" or "openai-compatible" for the
	// chat-completions-style API.
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// MaxTokens caps the response length. Zero uses the adapter default.
	MaxTokens int `yaml:"max_tokens"`

	// EnableCache marks stable and semi-stable system blocks with the
	// vendor's prompt-cache marker where the vendor supports it.
	EnableCache bool `yaml:"enable_cache"`

	// Thinking selects the reasoning mode for providers that model it:
	// "" (off), "adaptive" (default budget), or "budgeted".
	Thinking       string `yaml:"thinking"`
	ThinkingBudget int    `yaml:"thinking_budget"`
}

// New creates a provider for the configured type.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai", "openai-compatible":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("providers: unknown provider type %q", cfg.Type)
	}
}

// normalizeToolInput coerces whatever argument payload the model produced
// into a JSON object. Malformed or non-object payloads become
// {"raw": <literal>} rather than an error.
func normalizeToolInput(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		return json.RawMessage(trimmed)
	}
	fallback, err := json.Marshal(map[string]string{"raw": string(trimmed)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return fallback
}
