package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// ServiceStatus describes the observed state of a service.
type ServiceStatus string

const (
	StatusRunning    ServiceStatus = "running"
	StatusStopped    ServiceStatus = "stopped"
	StatusRestarting ServiceStatus = "restarting"
	StatusStopping   ServiceStatus = "stopping"
	StatusUnknown    ServiceStatus = "unknown"
)

// RestartPolicy enumerates compose restart values.
type RestartPolicy string

const (
	RestartUnset         RestartPolicy = ""
	RestartNo            RestartPolicy = "no"
	RestartAlways        RestartPolicy = "always"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// TemplateProject is the protected project folder name.
const TemplateProject = "template"

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidServiceName reports whether name is an acceptable service name.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}

// PortMapping is the semantic form of a compose port entry. NeedsHostPort
// marks entries submitted in structured form without a host port; the
// apply operation allocates one for them.
type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort,omitempty"`
	BindAddress   string `json:"bindAddress,omitempty"`
	NeedsHostPort bool   `json:"-"`
}

// String renders the canonical compose short syntax.
func (p PortMapping) String() string {
	switch {
	case p.BindAddress != "" && p.HostPort > 0:
		return fmt.Sprintf("%s:%d:%d", p.BindAddress, p.HostPort, p.ContainerPort)
	case p.HostPort > 0:
		return fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort)
	default:
		return fmt.Sprintf("%d", p.ContainerPort)
	}
}

// Valid reports whether the mapping has usable port numbers.
func (p PortMapping) Valid() bool {
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return false
	}
	if p.HostPort != 0 && (p.HostPort < 1 || p.HostPort > 65535) {
		return false
	}
	return true
}

// NetworkAttachment links a service to a named network.
type NetworkAttachment struct {
	IPv4    string         `json:"ipv4_address,omitempty"`
	Extra   map[string]any `json:"-"`
	BareRef bool           `json:"-"`
}

// ProjectName derives the display name from a project directory path.
func ProjectName(dir string) string {
	dir = strings.TrimRight(dir, "/")
	if idx := strings.LastIndexByte(dir, '/'); idx >= 0 {
		return dir[idx+1:]
	}
	return dir
}

// ComposeProjectName derives the per-project name override used when
// invoking the compose CLI: the lowercase alphanumeric tail of the folder.
func ComposeProjectName(dir string) string {
	name := strings.ToLower(ProjectName(dir))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
