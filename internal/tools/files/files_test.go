package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/security"
)

func newRegistry(t *testing.T, dir string) *agent.Registry {
	t.Helper()
	allow, err := security.NewAllowlist([]string{dir})
	require.NoError(t, err)
	reg := agent.NewRegistry(nil, 0)
	reg.RegisterMany(Tools(allow))
	return reg
}

func TestFormatLinesWindowing(t *testing.T) {
	content := "one\ntwo\nthree\nfour\nfive\n"

	t.Run("full file", func(t *testing.T) {
		out := FormatLines(content, 0, 10)
		assert.Equal(t, "1: one\n2: two\n3: three\n4: four\n5: five", out)
	})

	t.Run("offset and limit with footer", func(t *testing.T) {
		out := FormatLines(content, 1, 2)
		assert.Equal(t, "2: two\n3: three\n[... 2 more lines]", out)
	})

	t.Run("window reaching the end has no footer", func(t *testing.T) {
		out := FormatLines(content, 3, 2)
		assert.Equal(t, "4: four\n5: five", out)
		assert.NotContains(t, out, "more lines")
	})

	t.Run("offset past end", func(t *testing.T) {
		out := FormatLines(content, 99, 5)
		assert.Contains(t, out, "past the end")
	})
}

func TestFormatLinesFooterCount(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf("line%d", i))
	}
	content := strings.Join(lines, "\n")

	out := FormatLines(content, 10, 20)
	assert.True(t, strings.HasPrefix(out, "11: line10\n"))
	assert.Contains(t, out, "[... 70 more lines]")
	assert.Equal(t, 21, len(strings.Split(out, "\n")), "20 lines + footer")
}

func TestReadWriteEditRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "notes", "a.txt")

	out := reg.Execute(ctx, "write_file", mustJSON(t, map[string]any{
		"path": path, "content": "hello\nworld\n",
	}))
	assert.Contains(t, out, "Wrote")

	out = reg.Execute(ctx, "read_file", mustJSON(t, map[string]any{"path": path}))
	assert.Equal(t, "1: hello\n2: world", out)

	out = reg.Execute(ctx, "edit_file", mustJSON(t, map[string]any{
		"path": path, "old_string": "world", "new_string": "there",
	}))
	assert.Contains(t, out, "Edited")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\nthere\n", string(data))
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("aaa bbb aaa"), 0o644))

	out := reg.Execute(ctx, "edit_file", mustJSON(t, map[string]any{
		"path": path, "old_string": "aaa", "new_string": "x",
	}))
	assert.Contains(t, out, "must be unique")

	out = reg.Execute(ctx, "edit_file", mustJSON(t, map[string]any{
		"path": path, "old_string": "zzz", "new_string": "x",
	}))
	assert.Contains(t, out, "not found")
}

func TestToolsRespectAllowlist(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, dir)
	ctx := context.Background()

	out := reg.Execute(ctx, "read_file", mustJSON(t, map[string]any{"path": "/etc/passwd"}))
	assert.Contains(t, out, "outside the allowed directories")

	out = reg.Execute(ctx, "write_file", mustJSON(t, map[string]any{
		"path": "/tmp/evil.txt", "content": "x",
	}))
	assert.Contains(t, out, "outside the allowed directories")
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
