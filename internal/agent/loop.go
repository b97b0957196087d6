package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/pkg/models"
)

// Ledger records one row per provider call. The cost package implements
// it; a nil ledger disables persistence without disabling accumulation.
type Ledger interface {
	Record(ctx context.Context, sessionID, model string, usage models.Usage, costUSD float64) error
}

// LoopOptions configures one RunLoop invocation.
type LoopOptions struct {
	// MaxTurns bounds provider calls. Values below 1 are clamped to 1.
	MaxTurns int

	// PerCallTimeout bounds each provider completion. Zero disables.
	PerCallTimeout time.Duration

	// SessionID and Model label ledger rows.
	SessionID string
	Model     string

	// Rates is [input, output, cache-read] dollars per million tokens.
	// Empty disables spend tracking for this call entirely.
	Rates []float64

	// MaxCost is the spend circuit-breaker. Zero or negative disables it.
	MaxCost float64

	Ledger  Ledger
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// OnResponse fires after each assistant message is appended;
	// OnToolResults after each tool-results message. Both optional.
	OnResponse    func(*providers.Response)
	OnToolResults func([]models.ToolResult)
}

// RunLoop drives the provider through tool-use turns until it signals an
// end-of-turn stop, produces no tool calls, exhausts MaxTurns, or trips
// the spend cap.
//
// messages is mutated in place: every assistant and tool-results message
// the loop produces is appended, so the caller sees the full history
// after return.
//
// Two kinds of assistant text are distinguished. Text at an end-of-turn
// stop is the deliberate reply. Text that accompanied a tool_use is
// retained as fallback only: when the final turn is silent, the fallback
// texts joined by blank lines become the reply, so multi-turn work is
// never answered with an empty string.
//
// A response truncated at max_tokens that still carries tool calls is
// not a stop: the calls are executed and the loop continues, because
// discarding a valid tool_use block would strand the session with a
// dangling call the next provider request rejects.
func RunLoop(
	ctx context.Context,
	provider providers.Provider,
	system []models.SystemBlock,
	messages *[]*models.Message,
	tools []models.ToolSchema,
	executor ToolExecutor,
	opts LoopOptions,
) (*providers.Response, error) {
	maxTurns := opts.MaxTurns
	if maxTurns < 1 {
		maxTurns = 1
	}

	// Tools and system are formatted once; messages are re-formatted
	// every turn because the loop appends to them.
	formattedTools := provider.FormatTools(tools)
	formattedSystem := provider.FormatSystem(system)

	costTracking := len(opts.Rates) > 0
	var accumulatedCost float64
	var fallbackText []string
	var resp *providers.Response

	for turn := 0; turn < maxTurns; turn++ {
		formatted, err := provider.FormatMessages(*messages)
		if err != nil {
			return nil, fmt.Errorf("format messages: %w", err)
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if opts.PerCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, opts.PerCallTimeout)
		}
		start := time.Now()
		resp, err = provider.Complete(callCtx, formattedSystem, formatted, formattedTools)
		if cancel != nil {
			cancel()
		}
		if opts.Metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			opts.Metrics.ProviderCalls.WithLabelValues(provider.Name(), outcome).Inc()
			opts.Metrics.ProviderLatency.WithLabelValues(provider.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		if opts.Metrics != nil {
			opts.Metrics.LoopTurnsTotal.Inc()
		}

		if costTracking {
			callCost := estimateCost(resp.Usage, opts.Rates)
			accumulatedCost += callCost
			if opts.Ledger != nil {
				if err := opts.Ledger.Record(ctx, opts.SessionID, opts.Model, resp.Usage, callCost); err != nil && opts.Logger != nil {
					// A locked ledger must not block the loop.
					opts.Logger.Warn(ctx, "cost ledger write failed", "error", err)
				}
			}
			if opts.MaxCost > 0 && accumulatedCost > opts.MaxCost {
				if resp.Text == "" {
					resp.Text = "(response withheld)"
				}
				resp.Text += fmt.Sprintf("\n\n[Cost limit reached: $%.2f spent, cap $%.2f]", accumulatedCost, opts.MaxCost)
				if opts.Logger != nil {
					opts.Logger.Warn(ctx, "loop stopped by cost limit",
						"accumulated_usd", accumulatedCost, "max_usd", opts.MaxCost)
				}
				return resp, nil
			}
		}

		*messages = append(*messages, assistantMessage(resp))
		if opts.OnResponse != nil {
			opts.OnResponse(resp)
		}

		if resp.Text != "" && len(resp.ToolCalls) > 0 {
			fallbackText = append(fallbackText, resp.Text)
		}

		if resp.StopReason == models.StopMaxTokens && opts.Logger != nil {
			opts.Logger.Warn(ctx, "response truncated at max tokens",
				"tool_calls", len(resp.ToolCalls), "turn", turn)
		}

		if len(resp.ToolCalls) == 0 || resp.StopReason == models.StopEndTurn {
			return salvage(resp, fallbackText), nil
		}

		results := executor.ExecuteAll(ctx, resp.ToolCalls)
		*messages = append(*messages, models.ToolResultsMessage(results))
		if opts.OnToolResults != nil {
			opts.OnToolResults(results)
		}
	}

	if opts.Logger != nil {
		opts.Logger.Warn(ctx, "loop exhausted max turns", "max_turns", maxTurns)
	}
	return salvage(resp, fallbackText), nil
}

// salvage fills an empty final text from the retained intermediate
// texts.
func salvage(resp *providers.Response, fallbackText []string) *providers.Response {
	if resp != nil && resp.Text == "" && len(fallbackText) > 0 {
		resp.Text = strings.Join(fallbackText, "\n\n")
	}
	return resp
}

// estimateCost prices usage with [input, output, cache-read] rates in
// dollars per million tokens. Missing rate entries price as zero.
func estimateCost(usage models.Usage, rates []float64) float64 {
	rate := func(i int) float64 {
		if i < len(rates) {
			return rates[i]
		}
		return 0
	}
	total := float64(usage.InputTokens)*rate(0) +
		float64(usage.OutputTokens)*rate(1) +
		float64(usage.CacheReadTokens)*rate(2)
	return total / 1_000_000
}

func assistantMessage(resp *providers.Response) *models.Message {
	msg := &models.Message{
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
		CreatedAt: time.Now().UTC(),
	}
	usage := resp.Usage
	msg.Usage = &usage
	if resp.ThinkingText != "" || len(resp.ThinkingBlock) > 0 {
		msg.Thinking = &models.Thinking{
			Text:  resp.ThinkingText,
			Block: resp.ThinkingBlock,
		}
	}
	return msg
}
