package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lucydhq/lucyd/pkg/models"
)

// AnthropicProvider adapts the messages-style API.
//
// Reasoning support: when thinking is enabled the request is made over
// the streaming endpoint (the API requires it) and the events are
// accumulated into a complete message before normalization. The opaque
// thinking block, including its signature, is preserved on the response
// and replayed verbatim by FormatMessages — dropping or rewriting it
// fails the API's integrity check on the next tool-use turn.
type AnthropicProvider struct {
	client         anthropic.Client
	model          string
	maxTokens      int
	enableCache    bool
	thinking       string
	thinkingBudget int
}

const defaultAnthropicMaxTokens = 8192

// anthropicThinkingBlock is the stored form of the opaque continuation
// block.
type anthropicThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// NewAnthropicProvider creates a messages-style adapter.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	return &AnthropicProvider{
		client:         anthropic.NewClient(options...),
		model:          cfg.Model,
		maxTokens:      maxTokens,
		enableCache:    cfg.EnableCache,
		thinking:       cfg.Thinking,
		thinkingBudget: cfg.ThinkingBudget,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the bound model ID.
func (p *AnthropicProvider) Model() string { return p.model }

// FormatTools shapes tool schemas into Anthropic tool declarations.
func (p *AnthropicProvider) FormatTools(tools []models.ToolSchema) any {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			// A schema that does not parse still gets declared; the
			// model sees an object with no properties.
			schema = anthropic.ToolInputSchemaParam{}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

// FormatSystem shapes tier-tagged blocks into typed system blocks,
// marking stable and semi-stable tiers with the ephemeral cache marker
// when caching is enabled.
func (p *AnthropicProvider) FormatSystem(blocks []models.SystemBlock) any {
	result := make([]anthropic.TextBlockParam, 0, len(blocks))
	for _, block := range blocks {
		param := anthropic.TextBlockParam{Text: block.Text}
		if p.enableCache && (block.Tier == models.TierStable || block.Tier == models.TierSemiStable) {
			param.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		result = append(result, param)
	}
	return result
}

// FormatMessages converts the internal history to Anthropic messages.
func (p *AnthropicProvider) FormatMessages(messages []*models.Message) (any, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			var content []anthropic.ContentBlockParamUnion
			if len(msg.Blocks) > 0 {
				for _, block := range msg.Blocks {
					switch block.Type {
					case "text":
						if block.Text != "" {
							content = append(content, anthropic.NewTextBlock(block.Text))
						}
					case "image":
						content = append(content, anthropic.NewImageBlockBase64(block.MediaType, block.Data))
					}
				}
			} else if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))

		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			// The thinking block goes first, exactly as the API
			// produced it.
			if msg.Thinking != nil && len(msg.Thinking.Block) > 0 {
				var block anthropicThinkingBlock
				if err := json.Unmarshal(msg.Thinking.Block, &block); err == nil && block.Signature != "" {
					content = append(content, anthropic.NewThinkingBlock(block.Signature, block.Thinking))
				}
			}
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(normalizeToolInput(tc.Input), &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		case models.RoleTool:
			var content []anthropic.ContentBlockParamUnion
			for _, tr := range msg.ToolResults {
				content = append(content, toolResultBlock(tr))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func toolResultBlock(tr models.ToolResult) anthropic.ContentBlockParamUnion {
	if len(tr.Blocks) == 0 {
		return anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError)
	}

	block := anthropic.ToolResultBlockParam{ToolUseID: tr.ToolCallID}
	if tr.IsError {
		block.IsError = anthropic.Bool(true)
	}
	var content []anthropic.ToolResultBlockParamContentUnion
	if tr.Content != "" {
		content = append(content, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: tr.Content},
		})
	}
	for _, b := range tr.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				content = append(content, anthropic.ToolResultBlockParamContentUnion{
					OfText: &anthropic.TextBlockParam{Text: b.Text},
				})
			}
		case "image":
			content = append(content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							MediaType: anthropic.Base64ImageSourceMediaType(b.MediaType),
							Data:      b.Data,
						},
					},
				},
			})
		}
	}
	block.Content = content
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

// Complete performs one request. system, messages, and tools must be the
// values produced by this adapter's format operations.
func (p *AnthropicProvider) Complete(ctx context.Context, system, messages, tools any) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
	}

	if system != nil {
		blocks, ok := system.([]anthropic.TextBlockParam)
		if !ok {
			return nil, fmt.Errorf("anthropic: unexpected system shape %T", system)
		}
		params.System = blocks
	}

	msgs, ok := messages.([]anthropic.MessageParam)
	if !ok {
		return nil, fmt.Errorf("anthropic: unexpected messages shape %T", messages)
	}
	params.Messages = msgs

	if tools != nil {
		declared, ok := tools.([]anthropic.ToolUnionParam)
		if !ok {
			return nil, fmt.Errorf("anthropic: unexpected tools shape %T", tools)
		}
		if len(declared) > 0 {
			params.Tools = declared
		}
	}

	thinkingEnabled := p.thinking != ""
	if thinkingEnabled {
		budget := int64(p.thinkingBudget)
		if p.thinking == "adaptive" || budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	var message *anthropic.Message
	if thinkingEnabled {
		// The API requires streaming when extended thinking is on.
		acc := anthropic.Message{}
		stream := p.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			if err := acc.Accumulate(stream.Current()); err != nil {
				return nil, fmt.Errorf("anthropic: accumulate stream: %w", err)
			}
		}
		if err := stream.Err(); err != nil {
			return nil, fmt.Errorf("anthropic: stream: %w", err)
		}
		message = &acc
	} else {
		var err error
		message, err = p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
	}

	return p.normalize(message), nil
}

func (p *AnthropicProvider) normalize(message *anthropic.Message) *Response {
	resp := &Response{
		StopReason: mapAnthropicStop(string(message.StopReason)),
		Usage: models.Usage{
			InputTokens:      message.Usage.InputTokens,
			OutputTokens:     message.Usage.OutputTokens,
			CacheReadTokens:  message.Usage.CacheReadInputTokens,
			CacheWriteTokens: message.Usage.CacheCreationInputTokens,
		},
		Raw: message,
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: normalizeToolInput(block.Input),
			})
		case "thinking":
			resp.ThinkingText = block.Thinking
			if raw, err := json.Marshal(anthropicThinkingBlock{
				Thinking:  block.Thinking,
				Signature: block.Signature,
			}); err == nil {
				resp.ThinkingBlock = raw
			}
		}
	}
	resp.Text = text.String()

	return resp
}

func mapAnthropicStop(reason string) models.StopReason {
	switch reason {
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopMaxTokens
	default:
		return models.StopEndTurn
	}
}
