// Package agent implements the tool registry and the agentic loop that
// drives a provider through multi-turn tool use.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/pkg/models"
)

// DefaultTruncateAt is the default cap on tool result length in
// characters.
const DefaultTruncateAt = 30000

// Handler executes one tool call. The input is always a JSON object.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool is one registered tool descriptor.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

type registeredTool struct {
	Tool
	schema *jsonschema.Schema // nil when the schema did not compile
}

// Registry holds tool descriptors and is the single dispatch entry for
// tool execution. Registration is last-wins. Execute never returns an
// error to the caller: every failure mode is folded into the returned
// string with a stable prefix, because the string goes straight back to
// the model as a tool result and must not leak host detail.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*registeredTool
	truncateAt int
	logger     *observability.Logger
}

// NewRegistry creates an empty registry. truncateAt <= 0 uses
// DefaultTruncateAt.
func NewRegistry(logger *observability.Logger, truncateAt int) *Registry {
	if truncateAt <= 0 {
		truncateAt = DefaultTruncateAt
	}
	return &Registry{
		tools:      make(map[string]*registeredTool),
		truncateAt: truncateAt,
		logger:     logger,
	}
}

// Register stores one descriptor, replacing any previous tool with the
// same name.
func (r *Registry) Register(tool Tool) {
	rt := &registeredTool{Tool: tool}
	if len(tool.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.InputSchema))
		if err == nil {
			rt.schema = compiled
		} else if r.logger != nil {
			r.logger.Warn(context.Background(), "tool schema did not compile, skipping argument validation",
				"tool", tool.Name, "error", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = rt
}

// RegisterMany bulk-loads descriptors.
func (r *Registry) RegisterMany(tools []Tool) {
	for _, tool := range tools {
		r.Register(tool)
	}
}

// Schemas returns descriptors without handlers, for the provider.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]models.ToolSchema, 0, len(r.tools))
	for _, rt := range r.tools {
		result = append(result, models.ToolSchema{
			Name:        rt.Name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a new registry containing only the named tools, in the
// same last-wins registration state. Unknown names are ignored.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry(r.logger, r.truncateAt)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if rt, ok := r.tools[name]; ok {
			sub.tools[name] = rt
		}
	}
	return sub
}

// Execute runs a tool by name and returns its string result.
//
// Failure modes map to stable prefixes:
//   - unknown tool: "Error: Unknown tool '<name>'"
//   - argument shape mismatch: "Error: Invalid arguments for '<name>': <detail>"
//   - anything else: "Error: Tool '<name>' execution failed" — internal
//     detail goes only to the log.
//
// Results longer than the truncation limit are cut and suffixed with
// "[truncated at N chars]".
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) string {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Error: Unknown tool '%s'", name)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	if rt.schema != nil {
		var decoded any
		if err := json.Unmarshal(input, &decoded); err != nil {
			if r.logger != nil {
				r.logger.Warn(ctx, "tool arguments are not valid JSON", "tool", name, "error", err)
			}
			return fmt.Sprintf("Error: Invalid arguments for '%s': arguments are not a JSON object", name)
		}
		if err := rt.schema.Validate(decoded); err != nil {
			if r.logger != nil {
				r.logger.Warn(ctx, "tool argument validation failed", "tool", name, "error", err)
			}
			return fmt.Sprintf("Error: Invalid arguments for '%s': %s", name, schemaErrorDetail(err))
		}
	}

	result, err := r.runHandler(ctx, rt, input)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "tool execution failed", "tool", name, "error", err)
		}
		return fmt.Sprintf("Error: Tool '%s' execution failed", name)
	}

	return r.truncate(result)
}

// runHandler isolates handler panics so one broken tool cannot take the
// loop down.
func (r *Registry) runHandler(ctx context.Context, rt *registeredTool, input json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return rt.Handler(ctx, input)
}

func (r *Registry) truncate(s string) string {
	if len(s) <= r.truncateAt {
		return s
	}
	return s[:r.truncateAt] + fmt.Sprintf("\n[truncated at %d chars]", r.truncateAt)
}

// schemaErrorDetail extracts a single-line detail from a validation
// error. The full error is logged by the caller.
func schemaErrorDetail(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message)
		}
		return leaf.Message
	}
	return err.Error()
}
