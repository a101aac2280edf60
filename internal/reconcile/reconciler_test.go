package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/discovery"
	"github.com/Neuxbane/Docker/internal/mapper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type staticTerminals int

func (s staticTerminals) Active() int { return int(s) }

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

func newReconciler(t *testing.T, root string, terminals TerminalCounter) (*Reconciler, *mapper.Store) {
	t.Helper()
	finder := discovery.New(root, "docker-compose.yml")
	store := mapper.NewStore(filepath.Join(t.TempDir(), "mapper.json"), newLogger())
	r := New(finder, store, nil, terminals, newLogger(), Options{
		DefaultNetwork: "dockernet",
		SubnetBase:     "172.28.0",
	})
	return r, store
}

func manifestWithPort(port string) string {
	return `services:
  web:
    image: nginx
    ports:
      - "` + port + `:80"
`
}

func hostPorts(t *testing.T, dir string) []string {
	t.Helper()
	m, err := compose.Load(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	var ports []string
	for _, name := range m.ServiceOrder {
		for _, p := range m.Services[name].Ports {
			ports = append(ports, p.String())
		}
	}
	return ports
}

func TestPortCollisionResolution(t *testing.T) {
	root := t.TempDir()
	a := writeProject(t, root, "a", manifestWithPort("8080"))
	b := writeProject(t, root, "b", manifestWithPort("8080"))

	r, store := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	got := append(hostPorts(t, a), hostPorts(t, b)...)
	if len(got) != 2 {
		t.Fatalf("expected two port mappings, got %v", got)
	}
	// the fix pass decrements the census as it walks sorted order, so
	// the last occurrence keeps 8080 and the first one gets the
	// smallest free port >= 10000
	if got[0] != "10000:80" || got[1] != "8080:80" {
		t.Fatalf("unexpected allocation %v", got)
	}
	entry, ok := store.Current()[a]
	if !ok {
		t.Fatalf("project a missing from mapper")
	}
	record := entry.Services["web"]
	if record.Definition == nil || len(record.Definition.Ports) != 1 || record.Definition.Ports[0].HostPort != 10000 {
		t.Fatalf("mapper does not reflect reassigned port: %+v", record.Definition)
	}
}

func manifestWithIP(ip string) string {
	return `services:
  x:
    image: nginx
    networks:
      dockernet:
        ipv4_address: ` + ip + `
`
}

func staticIPs(t *testing.T, dir string) []string {
	t.Helper()
	m, err := compose.Load(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	var ips []string
	for _, name := range m.ServiceOrder {
		svc := m.Services[name]
		for _, netName := range svc.NetworkOrder {
			if att := svc.Networks[netName]; att != nil && att.IPv4 != "" {
				ips = append(ips, att.IPv4)
			}
		}
	}
	return ips
}

func TestIPCollisionResolution(t *testing.T) {
	root := t.TempDir()
	a := writeProject(t, root, "a", manifestWithIP("172.28.0.5"))
	b := writeProject(t, root, "b", manifestWithIP("172.28.0.5"))

	r, _ := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	ips := append(staticIPs(t, a), staticIPs(t, b)...)
	if len(ips) != 2 {
		t.Fatalf("expected two attachments, got %v", ips)
	}
	if ips[0] != "172.28.0.2" {
		t.Fatalf("expected first project to move to the smallest free host, got %v", ips)
	}
	if ips[1] != "172.28.0.5" {
		t.Fatalf("expected last project to keep its address, got %v", ips)
	}
}

func TestSingletonsArePreservedByteIdentical(t *testing.T) {
	root := t.TempDir()
	a := writeProject(t, root, "a", manifestWithPort("8080"))
	b := writeProject(t, root, "b", manifestWithPort("9090"))

	r, _ := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before := map[string][]byte{}
	for _, dir := range []string{a, b} {
		data, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		before[dir] = data
	}

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	for _, dir := range []string{a, b} {
		after, _ := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
		if string(after) != string(before[dir]) {
			t.Fatalf("stable manifest mutated on second tick:\n%s", after)
		}
	}
}

func TestIdempotence(t *testing.T) {
	root := t.TempDir()
	dir := writeProject(t, root, "a", manifestWithPort("8080"))

	r, _ := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	stat1, _ := os.Stat(filepath.Join(dir, "docker-compose.yml"))
	data1, _ := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	stat2, _ := os.Stat(filepath.Join(dir, "docker-compose.yml"))
	data2, _ := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	if string(data1) != string(data2) {
		t.Fatalf("second run changed content")
	}
	if !stat1.ModTime().Equal(stat2.ModTime()) {
		t.Fatalf("second run rewrote an unchanged manifest")
	}
}

func TestSkipWhileTerminalsActive(t *testing.T) {
	root := t.TempDir()
	dir := writeProject(t, root, "a", manifestWithPort("8080"))
	other := writeProject(t, root, "b", manifestWithPort("8080"))

	r, _ := newReconciler(t, root, staticTerminals(1))
	r.tick(context.Background())

	// both manifests must be untouched: the tick was a no-op
	for _, d := range []string{dir, other} {
		ports := hostPorts(t, d)
		if len(ports) != 1 || ports[0] != "8080:80" {
			t.Fatalf("tick mutated manifests despite active terminal: %v", ports)
		}
	}
}

func TestBrokenManifestIsIsolated(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "bad", "services: [not: valid\n")
	good := writeProject(t, root, "good", manifestWithPort("8080"))

	r, store := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("reconcile should not fail for one bad manifest: %v", err)
	}
	if _, ok := store.Current()[good]; !ok {
		t.Fatalf("healthy project missing from mapper")
	}
	if _, ok := store.Current()[filepath.Join(root, "bad")]; ok {
		t.Fatalf("broken project should be excluded from the mapper this tick")
	}
}

func TestComposeNameCollisionFlagged(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "My-App", manifestWithPort("8080"))
	writeProject(t, root, "myapp", manifestWithPort("9090"))

	r, store := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	flagged := 0
	for _, entry := range store.Current() {
		if entry.NameCollision {
			flagged++
		}
	}
	if flagged != 2 {
		t.Fatalf("expected both colliding projects flagged, got %d", flagged)
	}
}

func TestCensusFrozenBeforeFixes(t *testing.T) {
	// three-way collision: the census counts 3 for 8080; after two fixes
	// the remaining entry must keep 8080 because its multiplicity is now 1
	root := t.TempDir()
	a := writeProject(t, root, "a", manifestWithPort("8080"))
	b := writeProject(t, root, "b", manifestWithPort("8080"))
	c := writeProject(t, root, "c", manifestWithPort("8080"))

	r, _ := newReconciler(t, root, nil)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	all := append(append(hostPorts(t, a), hostPorts(t, b)...), hostPorts(t, c)...)
	seen := map[string]bool{}
	for _, p := range all {
		if seen[p] {
			t.Fatalf("duplicate survived reconcile: %v", all)
		}
		seen[p] = true
	}
	if !seen["8080:80"] {
		t.Fatalf("no project retained the original port: %v", all)
	}
	if !strings.Contains(strings.Join(all, " "), "10000:80") || !strings.Contains(strings.Join(all, " "), "10001:80") {
		t.Fatalf("expected 10000 and 10001 to be allocated: %v", all)
	}
}
