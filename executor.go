package datamig

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultCommandTimeout = 5 * time.Minute

type (
	// CommandExecutor runs build and check commands for loaders
	CommandExecutor interface {
		ExecuteCommands(ctx context.Context, commands []string, workingDir string, env map[string]string) error
	}

	// ShellCommandExecutor implements CommandExecutor with sh -c
	ShellCommandExecutor struct {
		timeout time.Duration
		logger  *zap.Logger
	}
)

// NewShellCommandExecutor creates a new shell command executor
func NewShellCommandExecutor(timeout time.Duration, logger *zap.Logger) *ShellCommandExecutor {
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShellCommandExecutor{
		timeout: timeout,
		logger:  logger,
	}
}

// ExecuteCommands executes a list of shell commands in sequence, stopping at
// the first failure
func (e *ShellCommandExecutor) ExecuteCommands(ctx context.Context, commands []string, workingDir string, env map[string]string) error {
	if len(commands) == 0 {
		return nil
	}

	e.logger.Debug("executing commands", zap.Int("count", len(commands)), zap.String("dir", workingDir))

	for i, command := range commands {
		if strings.TrimSpace(command) == "" {
			continue
		}

		e.logger.Debug("running command", zap.Int("index", i+1), zap.String("command", command))

		if err := e.executeCommand(ctx, command, workingDir, env); err != nil {
			return fmt.Errorf("command %d failed (%s): %w", i+1, command, err)
		}
	}

	return nil
}

// executeCommand executes a single shell command with timeout
func (e *ShellCommandExecutor) executeCommand(ctx context.Context, command, workingDir string, env map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Use shell to execute the command so we support pipes, redirects, etc.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	cmd.WaitDelay = time.Second
	cmd.Env = cmd.Environ()

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, key+"="+env[key])
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("command timed out after %v", e.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit code %d: %s", exitErr.ExitCode(), string(output))
		}
		return fmt.Errorf("command failed: %w", err)
	}

	if len(output) > 0 {
		e.logger.Debug("command output", zap.String("output", string(output)))
	}

	return nil
}
