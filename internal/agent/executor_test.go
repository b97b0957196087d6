package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/pkg/models"
)

func TestExecutorResultsOrderedByIndex(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{
		Name: "slowecho",
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Text  string `json:"text"`
				Sleep int    `json:"sleep_ms"`
			}
			_ = json.Unmarshal(input, &args)
			time.Sleep(time.Duration(args.Sleep) * time.Millisecond)
			return args.Text, nil
		},
	})
	exec := NewExecutor(reg, ExecutorConfig{Concurrency: 4}, nil, nil)

	// The first call finishes last; order must still match the calls.
	calls := []models.ToolCall{
		{ID: "a", Name: "slowecho", Input: json.RawMessage(`{"text":"one","sleep_ms":60}`)},
		{ID: "b", Name: "slowecho", Input: json.RawMessage(`{"text":"two","sleep_ms":10}`)},
		{ID: "c", Name: "slowecho", Input: json.RawMessage(`{"text":"three"}`)},
	}
	results := exec.ExecuteAll(context.Background(), calls)

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ToolCallID)
	assert.Equal(t, "one", results[0].Content)
	assert.Equal(t, "b", results[1].ToolCallID)
	assert.Equal(t, "two", results[1].Content)
	assert.Equal(t, "c", results[2].ToolCallID)
	assert.Equal(t, "three", results[2].Content)
}

func TestExecutorOneFailureDoesNotAffectOthers(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{Name: "ok", Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
		return "fine", nil
	}})
	reg.Register(Tool{Name: "bad", Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
		return "", fmt.Errorf("internal failure")
	}})
	exec := NewExecutor(reg, ExecutorConfig{}, nil, nil)

	results := exec.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "1", Name: "ok"},
		{ID: "2", Name: "bad"},
		{ID: "3", Name: "ok"},
	})

	require.Len(t, results, 3)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.Equal(t, "Error: Tool 'bad' execution failed", results[1].Content)
	assert.False(t, results[2].IsError)
	assert.Equal(t, "fine", results[2].Content)
}

func TestExecutorConcurrencyBound(t *testing.T) {
	var inflight, peak atomic.Int64
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{Name: "track", Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return "", nil
	}})
	exec := NewExecutor(reg, ExecutorConfig{Concurrency: 2}, nil, nil)

	calls := make([]models.ToolCall, 6)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "track"}
	}
	exec.ExecuteAll(context.Background(), calls)

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestExecutorCancelledContext(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{Name: "any", Handler: noopHandler})
	exec := NewExecutor(reg, ExecutorConfig{Concurrency: 1}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := exec.ExecuteAll(ctx, []models.ToolCall{{ID: "x", Name: "any"}, {ID: "y", Name: "any"}})
	require.Len(t, results, 2)
	assert.Equal(t, "x", results[0].ToolCallID)
	assert.Equal(t, "y", results[1].ToolCallID)
	for _, r := range results {
		if r.IsError {
			assert.Contains(t, r.Content, "Error:")
		}
	}
}
