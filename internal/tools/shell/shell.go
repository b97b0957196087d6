// Package shell provides the command execution tool. Commands run with
// a secret-filtered environment, inside their own process group so a
// timeout can kill the whole tree.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/security"
)

// Config bounds shell execution.
type Config struct {
	// DefaultTimeout applies when the call specifies none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxTimeout is the hard cap; requested timeouts above it are
	// clamped.
	MaxTimeout time.Duration `yaml:"max_timeout"`
	// WorkDir is the working directory for commands. Empty uses the
	// daemon's.
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the default execution bounds.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     300 * time.Second,
	}
}

// Tool returns the exec_command descriptor.
func Tool(config Config, logger *observability.Logger) agent.Tool {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = DefaultConfig().MaxTimeout
	}

	return agent.Tool{
		Name:        "exec_command",
		Description: "Run a shell command and return its combined output. Secrets are stripped from the environment.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["command"],
			"properties": {
				"command": {"type": "string", "description": "Command to run via the shell"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Per-call timeout override"}
			}
		}`),
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Command        string `json:"command"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Command) == "" {
				return "command must not be empty", nil
			}

			timeout := config.DefaultTimeout
			if args.TimeoutSeconds > 0 {
				timeout = time.Duration(args.TimeoutSeconds) * time.Second
			}
			if timeout > config.MaxTimeout {
				timeout = config.MaxTimeout
			}

			return run(ctx, args.Command, config.WorkDir, timeout, logger)
		},
	}
}

func run(ctx context.Context, command, workDir string, timeout time.Duration, logger *observability.Logger) (string, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = security.FilterEnv(os.Environ(), security.SecretPrefix, nil)
	// Own process group, so the timeout can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return fmt.Sprintf("%s\n[exit status %d]", output.String(), exitErr.ExitCode()), nil
			}
			return "", err
		}
		return output.String(), nil

	case <-timer.C:
		kill(cmd, logger)
		<-done // always reap
		return fmt.Sprintf("%s\n[command timed out after %s and was killed]", output.String(), timeout), nil

	case <-ctx.Done():
		kill(cmd, logger)
		<-done
		return "", ctx.Err()
	}
}

// kill SIGKILLs the process group, falling back to the direct child if
// the group kill fails.
func kill(cmd *exec.Cmd, logger *observability.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if logger != nil {
			logger.Warn(context.Background(), "process group kill failed, killing child directly",
				"pid", cmd.Process.Pid, "error", err)
		}
		_ = cmd.Process.Kill()
	}
}
