// Package security holds the filesystem allowlist consulted by every
// file tool and the environment filter applied to subprocesses.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Allowlist is a process-wide set of resolved path prefixes. A path is
// allowed iff, after tilde expansion and full symlink resolution, it
// equals a prefix or sits below one. An empty allowlist denies
// everything.
type Allowlist struct {
	prefixes []string
}

// NewAllowlist resolves the configured prefixes. Prefixes that do not
// exist yet are kept in their cleaned absolute form.
func NewAllowlist(paths []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, p := range paths {
		resolved, err := resolvePath(p)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", p, err)
		}
		a.prefixes = append(a.prefixes, resolved)
	}
	return a, nil
}

// Prefixes returns the resolved allowlist entries.
func (a *Allowlist) Prefixes() []string {
	return append([]string(nil), a.prefixes...)
}

// Resolve checks path against the allowlist and returns its fully
// resolved form. The error message enumerates the allowed prefixes so
// the model can correct itself.
func (a *Allowlist) Resolve(path string) (string, error) {
	if len(a.prefixes) == 0 {
		return "", fmt.Errorf("path %q denied: no filesystem access is configured", path)
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return "", fmt.Errorf("path %q denied: cannot resolve", path)
	}

	for _, prefix := range a.prefixes {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the allowed directories: %s",
		path, strings.Join(a.prefixes, ", "))
}

// resolvePath expands a leading tilde, makes the path absolute, and
// resolves symlinks. For paths that do not exist yet, the deepest
// existing ancestor is resolved and the remainder re-attached, so a
// symlinked parent cannot smuggle a new file outside the allowlist.
func resolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir, remainder := abs, ""
	for {
		parent := filepath.Dir(dir)
		if remainder == "" {
			remainder = filepath.Base(dir)
		} else {
			remainder = filepath.Join(filepath.Base(dir), remainder)
		}
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}
