package scram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// CommandExecutor runs the operator-configured scram command once a halt has
// been committed.
type CommandExecutor interface {
	Execute(ctx context.Context, command []string, env map[string]string) error
}

// ExecCommandExecutor shells out to the configured command using os/exec.
type ExecCommandExecutor struct {
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecCommandExecutor constructs an ExecCommandExecutor with optional output writers.
// When stdout or stderr are nil, the process inherits os.Stdout/os.Stderr.
func NewExecCommandExecutor(stdout, stderr io.Writer) *ExecCommandExecutor {
	return &ExecCommandExecutor{Stdout: stdout, Stderr: stderr}
}

// Execute runs the provided command with the scram environment appended,
// streaming stdout/stderr to the configured writers.
func (e *ExecCommandExecutor) Execute(ctx context.Context, command []string, env map[string]string) error {
	if len(command) == 0 {
		return errors.New("scram command is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), formatEnv(env)...)
	if e != nil && e.Stdout != nil {
		cmd.Stdout = e.Stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	if e != nil && e.Stderr != nil {
		cmd.Stderr = e.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run scram command %q: %w", strings.Join(command, " "), err)
	}
	return nil
}

// CommandEnvironment builds the SC_* variables describing the halt cause for
// the scram command hook.
func CommandEnvironment(nodeName string, cause Cause) map[string]string {
	return map[string]string{
		"SC_NODE_NAME": nodeName,
		"SC_PROTOCOL":  cause.Protocol,
		"SC_CODE":      string(cause.Code),
		"SC_MESSAGE":   cause.Message,
	}
}

func formatEnv(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(values))
	for k, v := range values {
		formatted = append(formatted, fmt.Sprintf("%s=%s", k, v))
	}
	return formatted
}

var _ CommandExecutor = (*ExecCommandExecutor)(nil)
