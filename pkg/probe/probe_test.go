package probe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestScriptProbeReady(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows test environment")
	}
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "ready.sh")
	script := "#!/bin/sh\necho ready\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	p, err := NewScriptProbe(scriptPath, time.Second, map[string]string{"SC_NODE_NAME": "shadow-1"})
	if err != nil {
		t.Fatalf("failed to create probe: %v", err)
	}

	result, err := p.Run(context.Background(), map[string]string{"SC_SHADOW_ID": "node-7-shadow"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "ready" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
	if !result.Ready() {
		t.Fatalf("expected ready result, got exit code %d", result.ExitCode)
	}
}

func TestScriptProbeNotReady(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows test environment")
	}
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "ready.sh")
	script := "#!/bin/sh\necho warming up >&2\nexit 3\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	p, err := NewScriptProbe(scriptPath, time.Second, nil)
	if err != nil {
		t.Fatalf("failed to create probe: %v", err)
	}

	result, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ready() {
		t.Fatal("expected not-ready result")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "warming up" {
		t.Fatalf("unexpected stderr: %q", result.Stderr)
	}
}

func TestScriptProbeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on Windows test environment")
	}
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "ready.sh")
	script := "#!/bin/sh\nsleep 2\n"
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	p, err := NewScriptProbe(scriptPath, time.Second, nil)
	if err != nil {
		t.Fatalf("failed to create probe: %v", err)
	}

	start := time.Now()
	_, err = p.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout did not trigger promptly: %s", time.Since(start))
	}
}

func TestScriptProbeRejectsRelativePaths(t *testing.T) {
	_, err := NewScriptProbe("ready.sh", time.Second, nil)
	if err == nil {
		t.Fatal("expected error for relative path")
	}
	if !strings.Contains(err.Error(), "absolute") {
		t.Fatalf("unexpected error: %v", err)
	}
}
