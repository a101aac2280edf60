package lifecycle

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Neuxbane/Docker/internal/domain"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestTransientSetLifecycle(t *testing.T) {
	set := NewTransientSet()
	if _, ok := set.Get("/p", "web"); ok {
		t.Fatalf("empty set returned an entry")
	}
	set.Set("/p", "web", domain.StatusRestarting)
	status, ok := set.Get("/p", "web")
	if !ok || status != domain.StatusRestarting {
		t.Fatalf("unexpected entry %q ok=%v", status, ok)
	}
	set.Clear("/p", "web")
	if _, ok := set.Get("/p", "web"); ok {
		t.Fatalf("entry survived clear")
	}
}

func TestRunnerAllowlist(t *testing.T) {
	workspace := t.TempDir()
	r := NewRunner(newLogger(), workspace, "docker", "nginx", "systemctl")

	for _, ok := range []string{"docker", "nginx", "systemctl", "/usr/sbin/nginx"} {
		if !r.Allowed(ok) {
			t.Fatalf("expected %q to be allowed", ok)
		}
	}
	for _, bad := range []string{"rm", "curl", "bash"} {
		if r.Allowed(bad) {
			t.Fatalf("expected %q to be refused", bad)
		}
	}
}

func TestRunnerAllowsExecutableProjectScripts(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, "foo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	script := filepath.Join(dir, "restart.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRunner(newLogger(), workspace, "docker")
	if !r.Allowed(script) {
		t.Fatalf("executable project script refused")
	}

	plain := filepath.Join(dir, "stop.sh")
	if err := os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.Allowed(plain) {
		t.Fatalf("non-executable script allowed")
	}

	outside := filepath.Join(t.TempDir(), "restart.sh")
	if err := os.WriteFile(outside, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.Allowed(outside) {
		t.Fatalf("script outside the workspace allowed")
	}
}

func TestConflictingContainerExtraction(t *testing.T) {
	err := &domain.CLIError{
		Cmd:    "docker",
		Args:   []string{"compose", "restart", "web"},
		Stderr: `Error response from daemon: Conflict. The container name "/foo_web" is already in use by container "4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b". You have to remove (or rename) that container.`,
	}
	id, ok := conflictingContainer(err)
	if !ok {
		t.Fatalf("conflict not detected")
	}
	if id != "4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b0a9c1d2e4f5b" {
		t.Fatalf("wrong container id %q", id)
	}

	if _, ok := conflictingContainer(&domain.CLIError{Stderr: "some other failure"}); ok {
		t.Fatalf("false positive conflict")
	}
}

func TestMutateRejectsInvalidServiceName(t *testing.T) {
	workspace := t.TempDir()
	runner := NewRunner(newLogger(), workspace, "docker")
	driver := NewDriver(runner, nil, NewTransientSet(), nil, newLogger(), []string{"docker", "compose"}, "docker-compose.yml", nil)

	err := driver.Stop(nil, workspace, "bad name;rm")
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
