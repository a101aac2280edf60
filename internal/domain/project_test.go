package domain

import (
	"strings"
	"testing"
)

func TestPortMappingString(t *testing.T) {
	cases := []struct {
		mapping PortMapping
		want    string
	}{
		{PortMapping{ContainerPort: 80}, "80"},
		{PortMapping{ContainerPort: 80, HostPort: 8080}, "8080:80"},
		{PortMapping{ContainerPort: 80, HostPort: 8080, BindAddress: "127.0.0.1"}, "127.0.0.1:8080:80"},
	}
	for _, tc := range cases {
		if got := tc.mapping.String(); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestPortMappingValid(t *testing.T) {
	if (PortMapping{ContainerPort: 0}).Valid() {
		t.Fatalf("zero container port should be invalid")
	}
	if (PortMapping{ContainerPort: 70000}).Valid() {
		t.Fatalf("out of range container port should be invalid")
	}
	if !(PortMapping{ContainerPort: 80}).Valid() {
		t.Fatalf("plain container port should be valid")
	}
	if (PortMapping{ContainerPort: 80, HostPort: 70000}).Valid() {
		t.Fatalf("out of range host port should be invalid")
	}
}

func TestValidServiceName(t *testing.T) {
	for _, ok := range []string{"web", "db-1", "API_v2"} {
		if !ValidServiceName(ok) {
			t.Fatalf("expected %q to be valid", ok)
		}
	}
	for _, bad := range []string{"", "has space", "semi;colon", "waaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaay-too-long"} {
		if ValidServiceName(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestComposeProjectName(t *testing.T) {
	cases := map[string]string{
		"/srv/apps/My-App_2": "myapp2",
		"/srv/apps/foo":      "foo",
		"relative/Bar":       "bar",
	}
	for dir, want := range cases {
		if got := ComposeProjectName(dir); got != want {
			t.Fatalf("ComposeProjectName(%q) = %q, want %q", dir, got, want)
		}
	}
}

func TestCLIErrorMessage(t *testing.T) {
	err := &CLIError{Cmd: "docker", Args: []string{"compose", "up"}, Stderr: "boom"}
	msg := err.Error()
	if msg == "" {
		t.Fatalf("expected message")
	}
	for _, want := range []string{"docker", "compose up", "boom"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}
