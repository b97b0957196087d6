package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil, 0)
	result := reg.Execute(context.Background(), "nope", nil)
	assert.Equal(t, "Error: Unknown tool 'nope'", result)
}

func TestRegistryExecuteInvalidArguments(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{
		Name:        "typed",
		InputSchema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "ok", nil
		},
	})

	result := reg.Execute(context.Background(), "typed", json.RawMessage(`{"wrong":1}`))
	assert.True(t, strings.HasPrefix(result, "Error: Invalid arguments for 'typed':"), result)
}

func TestRegistryExecuteFailureHidesDetail(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{
		Name: "leaky",
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "", errors.New("open /etc/shadow: permission denied")
		},
	})

	result := reg.Execute(context.Background(), "leaky", nil)
	assert.Equal(t, "Error: Tool 'leaky' execution failed", result)
	assert.NotContains(t, result, "/etc/shadow")
}

func TestRegistryExecutePanicIsolated(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{
		Name: "bomb",
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			panic("boom")
		},
	})

	result := reg.Execute(context.Background(), "bomb", nil)
	assert.Equal(t, "Error: Tool 'bomb' execution failed", result)
}

func TestRegistryTruncation(t *testing.T) {
	reg := NewRegistry(nil, 100)
	reg.Register(Tool{
		Name: "big",
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return strings.Repeat("a", 500), nil
		},
	})

	result := reg.Execute(context.Background(), "big", nil)
	assert.True(t, strings.HasSuffix(result, "[truncated at 100 chars]"), result)
	assert.Equal(t, strings.Repeat("a", 100), result[:100])
}

func TestRegistryLastWins(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{Name: "dup", Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
		return "first", nil
	}})
	reg.Register(Tool{Name: "dup", Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
		return "second", nil
	}})

	assert.Equal(t, "second", reg.Execute(context.Background(), "dup", nil))
	assert.Len(t, reg.Names(), 1)
}

func TestRegistrySchemasSorted(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.RegisterMany([]Tool{
		{Name: "zeta", Handler: noopHandler},
		{Name: "alpha", Handler: noopHandler},
		{Name: "mid", Handler: noopHandler},
	})

	schemas := reg.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "mid", schemas[1].Name)
	assert.Equal(t, "zeta", schemas[2].Name)
}

func TestRegistrySubset(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.RegisterMany([]Tool{
		{Name: "read", Handler: noopHandler},
		{Name: "write", Handler: noopHandler},
		{Name: "shell", Handler: noopHandler},
	})

	sub := reg.Subset([]string{"read", "ghost"})
	assert.Equal(t, []string{"read"}, sub.Names())
	assert.Equal(t, "Error: Unknown tool 'write'", sub.Execute(context.Background(), "write", nil))
}

func TestRegistryEmptyInputDefaultsToObject(t *testing.T) {
	reg := NewRegistry(nil, 0)
	reg.Register(Tool{
		Name:        "optional",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return string(input), nil
		},
	})

	assert.Equal(t, "{}", reg.Execute(context.Background(), "optional", nil))
}

func noopHandler(ctx context.Context, input json.RawMessage) (string, error) { return "", nil }
