package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/pkg/models"
)

// ToolExecutor executes a batch of tool calls and returns one result per
// call, ordered to match the call list. Implementations must never
// return fewer results than calls.
type ToolExecutor interface {
	ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult
}

// ExecutorConfig configures the registry-backed executor.
type ExecutorConfig struct {
	// Concurrency bounds the parallel fan-out within one turn.
	// Default: 4.
	Concurrency int
	// PerToolTimeout bounds each individual execution. Default: 120s.
	PerToolTimeout time.Duration
}

// Executor fans tool calls out in parallel against a Registry and
// collects results by index, so the id-pairing invariant between an
// assistant message and the following tool-results message holds
// regardless of completion order. A panic or failure in one slot only
// affects that slot.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, config ExecutorConfig, logger *observability.Logger, metrics *observability.Metrics) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 120 * time.Second
	}
	return &Executor{registry: registry, config: config, logger: logger, metrics: metrics}
}

// ExecuteAll runs all calls in parallel and returns ordered results.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					results[idx] = models.ToolResult{
						ToolCallID: tc.ID,
						Content:    fmt.Sprintf("Error: panic: %v", rec),
						IsError:    true,
					}
				}
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{
					ToolCallID: tc.ID,
					Content:    fmt.Sprintf("Error: %T: %v", ctx.Err(), ctx.Err()),
					IsError:    true,
				}
				return
			}

			toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
			toolCtx = observability.AddToolCallID(toolCtx, tc.ID)
			content := e.registry.Execute(toolCtx, tc.Name, tc.Input)
			cancel()

			isError := len(content) >= 6 && content[:6] == "Error:"
			if e.metrics != nil {
				outcome := "ok"
				if isError {
					outcome = "error"
				}
				e.metrics.ToolExecutions.WithLabelValues(tc.Name, outcome).Inc()
			}

			results[idx] = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    content,
				IsError:    isError,
			}
		}(i, call)
	}

	wg.Wait()
	return results
}
