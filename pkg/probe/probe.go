// Package probe runs external readiness checks against shadow nodes. A probe
// is an operator-supplied executable: exit code 0 means the shadow is ready
// to take traffic, anything else means it is still warming up.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ScriptProbe executes an external readiness script enforcing timeouts and
// environment injection.
type ScriptProbe struct {
	path    string
	timeout time.Duration
	env     map[string]string
}

// Result captures the outcome of a single probe execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Ready reports whether the probe considered the shadow ready.
func (r Result) Ready() bool {
	return r.ExitCode == 0
}

// NewScriptProbe constructs a probe for the provided script path.
func NewScriptProbe(path string, timeout time.Duration, baseEnv map[string]string) (*ScriptProbe, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("readiness probe path must not be empty")
	}
	if !filepath.IsAbs(cleaned) {
		return nil, fmt.Errorf("readiness probe path must be absolute: %s", path)
	}
	envCopy := make(map[string]string, len(baseEnv))
	for k, v := range baseEnv {
		envCopy[k] = v
	}
	return &ScriptProbe{path: cleaned, timeout: timeout, env: envCopy}, nil
}

// Run executes the probe, combining the probe environment with extraEnv. A
// non-zero exit code is a negative probe result, not an error; errors are
// reserved for the probe failing to run at all.
func (p *ScriptProbe) Run(ctx context.Context, extraEnv map[string]string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, p.path)
	cmd.Env = append(os.Environ(), formatEnv(p.env)...)
	cmd.Env = append(cmd.Env, formatEnv(extraEnv)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("readiness probe timed out after %s", p.timeout)
		}
		return result, execCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("readiness probe execution failed: %w", err)
	}

	result.ExitCode = 0
	return result, nil
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

// Path returns the configured probe path.
func (p *ScriptProbe) Path() string {
	return p.path
}

// Timeout returns the configured per-run timeout.
func (p *ScriptProbe) Timeout() time.Duration {
	return p.timeout
}
