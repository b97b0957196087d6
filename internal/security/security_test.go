package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlistEmptyDeniesEverything(t *testing.T) {
	a, err := NewAllowlist(nil)
	require.NoError(t, err)

	_, err = a.Resolve("/tmp/anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestAllowlistAllowsInsidePrefix(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllowlist([]string{dir})
	require.NoError(t, err)

	inside := filepath.Join(dir, "sub", "file.txt")
	resolved, err := a.Resolve(inside)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(resolved))

	// The prefix itself is allowed too.
	_, err = a.Resolve(dir)
	assert.NoError(t, err)
}

func TestAllowlistRejectsOutsideAndEnumeratesPrefixes(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAllowlist([]string{dir})
	require.NoError(t, err)

	_, err = a.Resolve("/etc/passwd")
	require.Error(t, err)
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, err.Error(), resolvedDir)
}

func TestAllowlistRejectsPrefixNameTrick(t *testing.T) {
	base := t.TempDir()
	allowed := filepath.Join(base, "data")
	sneaky := filepath.Join(base, "data-evil")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(sneaky, 0o755))

	a, err := NewAllowlist([]string{allowed})
	require.NoError(t, err)

	_, err = a.Resolve(filepath.Join(sneaky, "x"))
	assert.Error(t, err, "data-evil must not match the data prefix")
}

func TestAllowlistResolvesSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	allowed := filepath.Join(base, "allowed")
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(allowed, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))

	link := filepath.Join(allowed, "escape")
	require.NoError(t, os.Symlink(outside, link))

	a, err := NewAllowlist([]string{allowed})
	require.NoError(t, err)

	_, err = a.Resolve(filepath.Join(link, "secret.txt"))
	assert.Error(t, err, "a symlink under the prefix must not escape it")
}

func TestAllowlistTildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	a, err := NewAllowlist([]string{"~"})
	require.NoError(t, err)

	resolvedHome, err := filepath.EvalSymlinks(home)
	require.NoError(t, err)
	assert.Contains(t, a.Prefixes(), resolvedHome)
}

func TestFilterEnvStripsSecrets(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"HOME=/home/user",
		"LANG=en_US.UTF-8",
		"LUCYD_GATEWAY_TOKEN=abc",
		"LUCYD_ANYTHING=x",
		"ANTHROPIC_API_KEY=sk-ant-123",
		"GITHUB_TOKEN=ghp_x",
		"DB_PASSWORD=hunter2",
		"AWS_CREDENTIALS=...",
		"CLIENT_ID=42",
		"OTP_CODE=000000",
		"SMTP_PASS=p",
		"SOME_SECRET=s",
	}

	filtered := FilterEnv(environ, SecretPrefix, nil)
	assert.ElementsMatch(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/user",
		"LANG=en_US.UTF-8",
	}, filtered)
}

func TestFilterEnvSuffixCaseInsensitive(t *testing.T) {
	filtered := FilterEnv([]string{"api_key=x", "Editor=vi"}, SecretPrefix, nil)
	assert.Equal(t, []string{"Editor=vi"}, filtered)
}

func TestFilterEnvDropsMalformedEntries(t *testing.T) {
	filtered := FilterEnv([]string{"NOEQUALS", "OK=1"}, SecretPrefix, nil)
	assert.Equal(t, []string{"OK=1"}, filtered)
}
