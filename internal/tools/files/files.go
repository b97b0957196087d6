// Package files provides the filesystem tools. Every path is checked
// against the process-wide allowlist before any I/O happens.
package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/security"
)

// DefaultReadLimit caps the number of lines a single read returns.
const DefaultReadLimit = 2000

// Tools returns the read/write/edit tool descriptors bound to the
// allowlist.
func Tools(allow *security.Allowlist) []agent.Tool {
	return []agent.Tool{
		{
			Name:        "read_file",
			Description: "Read a text file with line numbers. Supports offset/limit paging for large files.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["path"],
				"properties": {
					"path": {"type": "string", "description": "File path to read"},
					"offset": {"type": "integer", "minimum": 0, "description": "Lines to skip from the start"},
					"limit": {"type": "integer", "minimum": 1, "description": "Maximum lines to return"}
				}
			}`),
			Handler: readHandler(allow),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories as needed. Overwrites existing files.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["path", "content"],
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				}
			}`),
			Handler: writeHandler(allow),
		},
		{
			Name:        "edit_file",
			Description: "Replace an exact string in a file. The old string must appear exactly once.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["path", "old_string", "new_string"],
				"properties": {
					"path": {"type": "string"},
					"old_string": {"type": "string"},
					"new_string": {"type": "string"}
				}
			}`),
			Handler: editHandler(allow),
		},
	}
}

func readHandler(allow *security.Allowlist) agent.Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path   string `json:"path"`
			Offset int    `json:"offset"`
			Limit  int    `json:"limit"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		resolved, err := allow.Resolve(args.Path)
		if err != nil {
			return err.Error(), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		return FormatLines(string(data), args.Offset, args.Limit), nil
	}
}

// FormatLines numbers lines starting at offset+1, returns at most limit
// lines, and appends a "[... N more lines]" footer when content
// remains past the window.
func FormatLines(content string, offset, limit int) string {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if offset < 0 {
		offset = 0
	}

	lines := strings.Split(content, "\n")
	// A trailing newline produces one empty phantom line; drop it.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	total := len(lines)

	if offset >= total {
		return fmt.Sprintf("[file has %d lines, offset %d is past the end]", total, offset)
	}

	end := offset + limit
	if end > total {
		end = total
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i+1, lines[i])
	}
	if remaining := total - end; remaining > 0 {
		fmt.Fprintf(&b, "[... %d more lines]", remaining)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func writeHandler(allow *security.Allowlist) agent.Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		resolved, err := allow.Resolve(args.Path)
		if err != nil {
			return err.Error(), nil
		}
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
	}
}

func editHandler(allow *security.Allowlist) agent.Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args struct {
			Path      string `json:"path"`
			OldString string `json:"old_string"`
			NewString string `json:"new_string"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return "", err
		}
		if args.OldString == "" {
			return "old_string must not be empty", nil
		}
		resolved, err := allow.Resolve(args.Path)
		if err != nil {
			return err.Error(), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", err
		}
		content := string(data)

		switch count := strings.Count(content, args.OldString); {
		case count == 0:
			return "old_string not found in file", nil
		case count > 1:
			return fmt.Sprintf("old_string appears %d times; it must be unique", count), nil
		}

		updated := strings.Replace(content, args.OldString, args.NewString, 1)
		if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("Edited %s", args.Path), nil
	}
}
