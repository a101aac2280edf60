package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `version: "3.8"
services:
  web:
    image: nginx:latest
    restart: unless-stopped
    ports:
      - "8080:80"
      - published: 9000
        target: 3000
    volumes:
      - ./data:/var/data
    environment:
      - MODE=production
    networks:
      dockernet:
        ipv4_address: 172.28.0.5
    labels:
      app: demo
  worker:
    image: busybox
    networks:
      - dockernet
networks:
  dockernet:
    external: true
    name: dockernet
  orphaned:
    driver: bridge
`

func TestParseKeepsServiceOrderAndFields(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.ServiceOrder) != 2 || m.ServiceOrder[0] != "web" || m.ServiceOrder[1] != "worker" {
		t.Fatalf("unexpected service order: %v", m.ServiceOrder)
	}
	web := m.Services["web"]
	if web.Image != "nginx:latest" {
		t.Fatalf("unexpected image %q", web.Image)
	}
	if len(web.Ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(web.Ports))
	}
	if web.Ports[0].HostPort != 8080 || web.Ports[0].ContainerPort != 80 {
		t.Fatalf("short syntax port mis-parsed: %+v", web.Ports[0])
	}
	if web.Ports[1].HostPort != 9000 || web.Ports[1].ContainerPort != 3000 {
		t.Fatalf("long syntax port mis-parsed: %+v", web.Ports[1])
	}
	att := web.Networks["dockernet"]
	if att == nil || att.IPv4 != "172.28.0.5" {
		t.Fatalf("network attachment mis-parsed: %+v", att)
	}
	if len(web.Environment) != 1 || web.Environment[0] != "MODE=production" {
		t.Fatalf("environment mis-parsed: %v", web.Environment)
	}
}

func TestSerializeNormalizesPortsAndDropsVersion(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	out, err := m.Serialize("dockernet")
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	text := string(out)
	if strings.Contains(text, "version:") {
		t.Fatalf("legacy version key survived:\n%s", text)
	}
	if !strings.Contains(text, `"9000:3000"`) {
		t.Fatalf("structured port not canonicalized:\n%s", text)
	}
	if !strings.Contains(text, `"8080:80"`) {
		t.Fatalf("short port lost:\n%s", text)
	}
	// unknown service key survives the round trip
	if !strings.Contains(text, "labels:") {
		t.Fatalf("unknown key dropped:\n%s", text)
	}
}

func TestSerializeCanonicalizesBareIPAttachment(t *testing.T) {
	raw := `services:
  api:
    image: alpine
    networks:
      dockernet: 172.28.0.9
`
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	out, err := m.Serialize("dockernet")
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if !strings.Contains(string(out), "ipv4_address: 172.28.0.9") {
		t.Fatalf("bare ip not canonicalized:\n%s", out)
	}
}

func TestSerializeNetworkClosure(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	// reference a network absent from the top level
	m.Services["worker"].NetworkOrder = append(m.Services["worker"].NetworkOrder, "extnet")
	m.Services["worker"].Networks["extnet"] = nil

	out, err := m.Serialize("dockernet")
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	text := string(out)
	if strings.Contains(text, "orphaned:") {
		t.Fatalf("unreferenced network not pruned:\n%s", text)
	}
	if !strings.Contains(text, "extnet:") || !strings.Contains(text, "external: true") {
		t.Fatalf("missing referenced network not inserted as external:\n%s", text)
	}
	if !strings.Contains(text, "dockernet:") {
		t.Fatalf("referenced network dropped:\n%s", text)
	}
}

func TestSerializePreservesDefaultNetwork(t *testing.T) {
	raw := `services:
  api:
    image: alpine
networks:
  dockernet:
    external: true
    name: dockernet
`
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	out, err := m.Serialize("dockernet")
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if !strings.Contains(string(out), "dockernet:") {
		t.Fatalf("default network pruned despite configuration:\n%s", out)
	}
}

func TestSerializeDropsUnreducablePorts(t *testing.T) {
	raw := `services:
  api:
    image: alpine
    ports:
      - "not-a-port"
      - "8080:80"
`
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Services["api"].Ports) != 1 {
		t.Fatalf("invalid port entry not dropped: %+v", m.Services["api"].Ports)
	}
}

func TestRoundTripIsStable(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	first, err := m.Serialize("dockernet")
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	m2, err := Parse(first)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	second, err := m2.Serialize("dockernet")
	if err != nil {
		t.Fatalf("second serialize failed: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("round trip not stable:\n--- first ---\n%s\n--- second ---\n%s", first, second)
	}
}

func TestWriteIfChangedSuppressesNoops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compose.yml")
	wrote, err := WriteIfChanged(path, []byte("a: 1\n"))
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	wrote, err = WriteIfChanged(path, []byte("a: 1\n"))
	if err != nil || wrote {
		t.Fatalf("identical write not suppressed: wrote=%v err=%v", wrote, err)
	}
	wrote, err = WriteIfChanged(path, []byte("a: 2\n"))
	if err != nil || !wrote {
		t.Fatalf("changed write skipped: wrote=%v err=%v", wrote, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "a: 2\n" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestParsePortString(t *testing.T) {
	if pm, ok := ParsePortString("127.0.0.1:8443:443"); !ok || pm.BindAddress != "127.0.0.1" || pm.HostPort != 8443 || pm.ContainerPort != 443 {
		t.Fatalf("triple mis-parsed: %+v ok=%v", pm, ok)
	}
	if _, ok := ParsePortString("a:b:c:d"); ok {
		t.Fatalf("expected failure for four segments")
	}
}
