// Package models defines the wire types shared between the agent loop,
// the providers, the session store, and the gateway.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the results for the tool calls of the immediately
	// preceding assistant message.
	RoleTool Role = "tool"
)

// StopReason is the normalized reason a provider stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ContentBlock is one element of a structured user message. Block lists
// never nest.
type ContentBlock struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`

	// Image fields. Data is base64-encoded.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock returns a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: "image", MediaType: mediaType, Data: data}
}

// ToolCall represents an LLM's request to execute a tool. ID is
// provider-generated and opaque. Input is always a JSON object; adapters
// normalize malformed argument payloads to {"raw": <literal>}.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool call, paired to the call by ID.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	// Blocks optionally carries image content instead of plain text.
	Blocks  []ContentBlock `json:"blocks,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// Usage holds per-call token counters. Zero when unknown.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Thinking is an assistant reasoning record: a human-readable form plus
// the provider's opaque continuation block. The block must be re-emitted
// verbatim on the next call of a tool-use turn or the provider rejects
// the request.
type Thinking struct {
	Text  string          `json:"text,omitempty"`
	Block json.RawMessage `json:"block,omitempty"`
}

// Message is the internal representation of one conversation entry.
// Exactly one of the role-specific field groups is populated:
//
//   - RoleUser: Content or Blocks, plus Sender and Source.
//   - RoleAssistant: Content, ToolCalls, Thinking, Usage.
//   - RoleTool: ToolResults, ordered to match the preceding assistant
//     message's tool calls.
//
// A system-injected note (e.g. the post-compaction continuity notice) is
// a RoleUser message with SystemNote set.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// User message fields.
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Source     string         `json:"source,omitempty"`
	SystemNote bool           `json:"system_note,omitempty"`

	// Assistant message fields.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Thinking  *Thinking  `json:"thinking,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`

	// Tool-results message fields.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// UserMessage builds a plain-text user message.
func UserMessage(text, sender, source string) *Message {
	return &Message{
		Role:      RoleUser,
		Content:   text,
		Sender:    sender,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
}

// ToolResultsMessage wraps a batch of tool results.
func ToolResultsMessage(results []ToolResult) *Message {
	return &Message{
		Role:        RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}
}

// SystemBlockTier classifies system prompt blocks for prompt caching.
type SystemBlockTier string

const (
	TierStable     SystemBlockTier = "stable"
	TierSemiStable SystemBlockTier = "semi_stable"
	TierDynamic    SystemBlockTier = "dynamic"
)

// SystemBlock is one tier-tagged section of the system prompt. Providers
// that support prompt caching mark stable and semi-stable blocks with
// their cache marker.
type SystemBlock struct {
	Text string          `json:"text"`
	Tier SystemBlockTier `json:"tier"`
}

// ToolSchema is a tool descriptor without its handler, the shape handed
// to providers.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
