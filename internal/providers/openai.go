package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lucydhq/lucyd/pkg/models"
)

// OpenAIProvider adapts the chat-completions-style API. It also serves
// OpenAI-compatible endpoints via a custom base URL. Reasoning is not
// modeled by this family; thinking configuration is ignored.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

const defaultOpenAIMaxTokens = 4096

// NewOpenAIProvider creates a chat-completions-style adapter.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}

	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// Model returns the bound model ID.
func (p *OpenAIProvider) Model() string { return p.model }

// FormatTools shapes tool schemas into function declarations.
func (p *OpenAIProvider) FormatTools(tools []models.ToolSchema) any {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}

// FormatSystem concatenates system blocks into a single string; the
// chat-completions API has no typed system blocks or cache markers.
func (p *OpenAIProvider) FormatSystem(blocks []models.SystemBlock) any {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// FormatMessages converts the internal history to chat-completion
// messages. Each tool result becomes its own tool-role message.
func (p *OpenAIProvider) FormatMessages(messages []*models.Message) (any, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
			if len(msg.Blocks) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(msg.Blocks))
				for _, block := range msg.Blocks {
					switch block.Type {
					case "text":
						if block.Text != "" {
							parts = append(parts, openai.ChatMessagePart{
								Type: openai.ChatMessagePartTypeText,
								Text: block.Text,
							})
						}
					case "image":
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    fmt.Sprintf("data:%s;base64,%s", block.MediaType, block.Data),
								Detail: openai.ImageURLDetailAuto,
							},
						})
					}
				}
				oaiMsg.MultiContent = parts
			} else {
				oaiMsg.Content = msg.Content
			}
			result = append(result, oaiMsg)

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(normalizeToolInput(tc.Input)),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if content == "" && len(tr.Blocks) > 0 {
					// This family carries tool results as plain strings;
					// flatten text blocks and note dropped images.
					var parts []string
					for _, b := range tr.Blocks {
						if b.Type == "text" && b.Text != "" {
							parts = append(parts, b.Text)
						} else if b.Type == "image" {
							parts = append(parts, "[image attachment omitted]")
						}
					}
					content = strings.Join(parts, "\n")
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.ToolCallID,
					Content:    content,
				})
			}
		}
	}

	return result, nil
}

// Complete performs one request. system, messages, and tools must be the
// values produced by this adapter's format operations.
func (p *OpenAIProvider) Complete(ctx context.Context, system, messages, tools any) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
	}

	msgs, ok := messages.([]openai.ChatCompletionMessage)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected messages shape %T", messages)
	}

	if system != nil {
		prompt, ok := system.(string)
		if !ok {
			return nil, fmt.Errorf("openai: unexpected system shape %T", system)
		}
		if prompt != "" {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: prompt,
			})
		}
	}
	req.Messages = append(req.Messages, msgs...)

	if tools != nil {
		declared, ok := tools.([]openai.Tool)
		if !ok {
			return nil, fmt.Errorf("openai: unexpected tools shape %T", tools)
		}
		if len(declared) > 0 {
			req.Tools = declared
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	normalized := &Response{
		Text:       choice.Message.Content,
		StopReason: mapOpenAIFinish(choice.FinishReason),
		Usage: models.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
		Raw: resp,
	}
	if resp.Usage.PromptTokensDetails != nil {
		normalized.Usage.CacheReadTokens = int64(resp.Usage.PromptTokensDetails.CachedTokens)
	}

	for _, tc := range choice.Message.ToolCalls {
		normalized.ToolCalls = append(normalized.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: normalizeToolInput(json.RawMessage(tc.Function.Arguments)),
		})
	}

	return normalized, nil
}

func mapOpenAIFinish(reason openai.FinishReason) models.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.StopToolUse
	case openai.FinishReasonLength:
		return models.StopMaxTokens
	default:
		return models.StopEndTurn
	}
}
