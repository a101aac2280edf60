package projects

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/discovery"
	"github.com/Neuxbane/Docker/internal/domain"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type stubStatus struct {
	running bool
	err     error
}

func (s stubStatus) AnyRunning(ctx context.Context, projectDir string) (bool, error) {
	return s.running, s.err
}

func writeProject(t *testing.T, root, name, manifest string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, script := range []string{"connect.sh", "restart.sh", "stop.sh"} {
		if err := os.WriteFile(filepath.Join(dir, script), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return dir
}

const twoServiceManifest = `services:
  web:
    image: nginx
    ports:
      - "8080:80"
  db:
    image: postgres
`

func newService(t *testing.T, root string, status StatusChecker) *Service {
	t.Helper()
	finder := discovery.New(root, "docker-compose.yml")
	return New(finder, status, newLogger(), "dockernet", "172.28.0", nil)
}

func TestApplyDeletesMissingServices(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	web := &compose.Service{Image: "nginx"}
	if err := svc.Apply(context.Background(), "foo", map[string]*compose.Service{"web": web}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	m, err := compose.Load(filepath.Join(root, "foo", "docker-compose.yml"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(m.ServiceOrder) != 1 || m.ServiceOrder[0] != "web" {
		t.Fatalf("expected only web to remain, got %v", m.ServiceOrder)
	}
}

func TestApplyAssignsHostPortsToStructuredPorts(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	writeProject(t, root, "bar", `services:
  api:
    image: alpine
    ports:
      - "10000:90"
`)
	svc := newService(t, root, stubStatus{})

	web := &compose.Service{Image: "nginx", Ports: []domain.PortMapping{{ContainerPort: 3000, NeedsHostPort: true}}}
	if err := svc.Apply(context.Background(), "foo", map[string]*compose.Service{"web": web}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	m, _ := compose.Load(filepath.Join(root, "foo", "docker-compose.yml"))
	ports := m.Services["web"].Ports
	if len(ports) != 1 || ports[0].HostPort != 10001 {
		t.Fatalf("expected workspace-wide allocation 10001, got %+v", ports)
	}
}

func TestApplyRejectsBadServiceName(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	err := svc.Apply(context.Background(), "foo", map[string]*compose.Service{"bad name": {}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddClonesTemplateWithFreshAllocations(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "template", `services:
  web:
    image: nginx
    ports:
      - "10000:80"
    networks:
      dockernet:
        ipv4_address: 172.28.0.2
`)
	svc := newService(t, root, stubStatus{})

	dir, err := svc.Add(context.Background(), "clone")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	m, err := compose.Load(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		t.Fatalf("clone manifest unreadable: %v", err)
	}
	port := m.Services["web"].Ports[0].HostPort
	if port == 10000 {
		t.Fatalf("clone kept the template's host port")
	}
	ip := m.Services["web"].Networks["dockernet"].IPv4
	if ip == "172.28.0.2" {
		t.Fatalf("clone kept the template's static ip")
	}
	for _, script := range []string{"connect.sh", "restart.sh", "stop.sh"} {
		if _, err := os.Stat(filepath.Join(dir, script)); err != nil {
			t.Fatalf("helper script %s not copied: %v", script, err)
		}
	}
}

func TestAddRefusesExistingName(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "template", twoServiceManifest)
	writeProject(t, root, "taken", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	if _, err := svc.Add(context.Background(), "taken"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRenameProtectsTemplate(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "template", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	if _, err := svc.Rename(context.Background(), "template", "other"); !errors.Is(err, domain.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestRenameRequiresStoppedServices(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	svc := newService(t, root, stubStatus{running: true})

	if _, err := svc.Rename(context.Background(), "foo", "bar"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRenameMovesDirectory(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	target, err := svc.Rename(context.Background(), "foo", "bar")
	if err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if filepath.Base(target) != "bar" {
		t.Fatalf("unexpected target %q", target)
	}
	if _, err := os.Stat(filepath.Join(root, "foo")); !os.IsNotExist(err) {
		t.Fatalf("source directory still present")
	}
}

func TestDeleteProtections(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "template", twoServiceManifest)
	writeProject(t, root, "foo", twoServiceManifest)

	svc := newService(t, root, stubStatus{})
	if err := svc.Delete(context.Background(), "template", "template"); !errors.Is(err, domain.ErrPolicy) {
		t.Fatalf("template delete allowed: %v", err)
	}
	if err := svc.Delete(context.Background(), "foo", "wrong"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("confirmation mismatch allowed: %v", err)
	}

	running := newService(t, root, stubStatus{running: true})
	err := running.Delete(context.Background(), "foo", "foo")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("delete with running services allowed: %v", err)
	}
	if !strings.Contains(err.Error(), "running services") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	if err := svc.Delete(context.Background(), "foo", "foo"); err != nil {
		t.Fatalf("legitimate delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "foo")); !os.IsNotExist(err) {
		t.Fatalf("directory still present after delete")
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	svc := newService(t, root, stubStatus{})
	if _, err := svc.Resolve("../outside"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("escape not rejected: %v", err)
	}
}

func TestConfigFileNameValidation(t *testing.T) {
	for _, bad := range []string{"", "..", "a/b", `a\b`, "../x"} {
		if ValidConfigFileName(bad) {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	for _, ok := range []string{"app.conf", "settings.yaml", "dotted.name.txt"} {
		if !ValidConfigFileName(ok) {
			t.Fatalf("expected %q to be accepted", ok)
		}
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "foo", twoServiceManifest)
	svc := newService(t, root, stubStatus{})

	if err := svc.SaveConfigFile("foo", "app.conf", []byte("key=value")); err != nil {
		t.Fatalf("save: %v", err)
	}
	files, err := svc.ListConfigFiles("foo")
	if err != nil || len(files) != 1 || files[0] != "app.conf" {
		t.Fatalf("list: %v %v", files, err)
	}
	data, err := svc.ReadConfigFile("foo", "app.conf")
	if err != nil || string(data) != "key=value" {
		t.Fatalf("read: %q %v", data, err)
	}
	if _, err := svc.ReadConfigFile("foo", "missing.conf"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing file: %v", err)
	}
}
