package compose

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Neuxbane/Docker/internal/domain"
)

// Manifest is the in-memory form of one compose file. Key order is
// preserved for services, networks and unrecognized top-level blocks so
// that a file already in normalized form re-serializes byte-identically.
type Manifest struct {
	Path string

	ServiceOrder []string
	Services     map[string]*Service

	NetworkOrder []string
	Networks     map[string]*yaml.Node

	extra []extraEntry
}

type extraEntry struct {
	key  string
	node *yaml.Node
}

// Service models one compose service. Fields the control plane reasons
// about are typed; everything else is carried verbatim in extra.
type Service struct {
	Image       string
	Restart     domain.RestartPolicy
	Ports       []domain.PortMapping
	Volumes     []string
	Environment []string

	NetworkOrder []string
	Networks     map[string]*domain.NetworkAttachment
	// networksWereList records the original shape so bare lists round-trip.
	networksWereList bool

	extra []extraEntry
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse decodes manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	m := &Manifest{
		Services: make(map[string]*Service),
		Networks: make(map[string]*yaml.Node),
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return m, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level is not a mapping")
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i].Value
		value := doc.Content[i+1]
		switch key {
		case "version":
			// legacy key, dropped on write
		case "services":
			if err := m.decodeServices(value); err != nil {
				return nil, err
			}
		case "networks":
			if value.Kind == yaml.MappingNode {
				for j := 0; j+1 < len(value.Content); j += 2 {
					name := value.Content[j].Value
					m.NetworkOrder = append(m.NetworkOrder, name)
					m.Networks[name] = value.Content[j+1]
				}
			}
		default:
			m.extra = append(m.extra, extraEntry{key: key, node: value})
		}
	}
	return m, nil
}

func (m *Manifest) decodeServices(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("services is not a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		svc, err := decodeService(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		m.ServiceOrder = append(m.ServiceOrder, name)
		m.Services[name] = svc
	}
	return nil
}

func decodeService(node *yaml.Node) (*Service, error) {
	svc := &Service{Networks: make(map[string]*domain.NetworkAttachment)}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("service body is not a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		switch key {
		case "image":
			svc.Image = value.Value
		case "restart":
			svc.Restart = domain.RestartPolicy(value.Value)
		case "ports":
			svc.Ports = decodePorts(value)
		case "volumes":
			_ = value.Decode(&svc.Volumes)
		case "environment":
			svc.Environment = decodeEnvironment(value)
		case "networks":
			decodeServiceNetworks(svc, value)
		default:
			svc.extra = append(svc.extra, extraEntry{key: key, node: value})
		}
	}
	return svc, nil
}

func decodePorts(node *yaml.Node) []domain.PortMapping {
	if node.Kind != yaml.SequenceNode {
		return nil
	}
	ports := make([]domain.PortMapping, 0, len(node.Content))
	for _, item := range node.Content {
		var pm domain.PortMapping
		var ok bool
		switch item.Kind {
		case yaml.ScalarNode:
			pm, ok = ParsePortString(item.Value)
		case yaml.MappingNode:
			pm, ok = portFromMapping(item)
		}
		// entries that cannot be reduced to a valid triple are dropped
		if ok && pm.Valid() {
			ports = append(ports, pm)
		}
	}
	return ports
}

// ParsePortString parses the compose short syntax "C", "H:C" or "B:H:C".
func ParsePortString(raw string) (domain.PortMapping, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	switch len(parts) {
	case 1:
		c, err := strconv.Atoi(parts[0])
		if err != nil {
			return domain.PortMapping{}, false
		}
		return domain.PortMapping{ContainerPort: c}, true
	case 2:
		h, err1 := strconv.Atoi(parts[0])
		c, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return domain.PortMapping{}, false
		}
		return domain.PortMapping{HostPort: h, ContainerPort: c}, true
	case 3:
		h, err1 := strconv.Atoi(parts[1])
		c, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || parts[0] == "" {
			return domain.PortMapping{}, false
		}
		return domain.PortMapping{BindAddress: parts[0], HostPort: h, ContainerPort: c}, true
	default:
		return domain.PortMapping{}, false
	}
}

func portFromMapping(node *yaml.Node) (domain.PortMapping, bool) {
	var pm domain.PortMapping
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1].Value
		switch key {
		case "container", "target":
			pm.ContainerPort, _ = strconv.Atoi(value)
		case "host", "published":
			pm.HostPort, _ = strconv.Atoi(value)
		case "bind", "host_ip":
			pm.BindAddress = value
		}
	}
	return pm, pm.ContainerPort > 0
}

func decodeEnvironment(node *yaml.Node) []string {
	switch node.Kind {
	case yaml.SequenceNode:
		var env []string
		_ = node.Decode(&env)
		return env
	case yaml.MappingNode:
		env := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			env = append(env, node.Content[i].Value+"="+node.Content[i+1].Value)
		}
		return env
	default:
		return nil
	}
}

func decodeServiceNetworks(svc *Service, node *yaml.Node) {
	switch node.Kind {
	case yaml.SequenceNode:
		svc.networksWereList = true
		for _, item := range node.Content {
			name := item.Value
			if name == "" {
				continue
			}
			svc.NetworkOrder = append(svc.NetworkOrder, name)
			svc.Networks[name] = &domain.NetworkAttachment{BareRef: true}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			value := node.Content[i+1]
			att := &domain.NetworkAttachment{}
			switch value.Kind {
			case yaml.ScalarNode:
				if value.Tag == "!!null" || value.Value == "" {
					att.BareRef = true
				} else {
					// bare IPv4 under a network key, canonicalized on write
					att.IPv4 = value.Value
				}
			case yaml.MappingNode:
				for j := 0; j+1 < len(value.Content); j += 2 {
					k := value.Content[j].Value
					if k == "ipv4_address" {
						att.IPv4 = value.Content[j+1].Value
						continue
					}
					var raw any
					_ = value.Content[j+1].Decode(&raw)
					if att.Extra == nil {
						att.Extra = make(map[string]any)
					}
					att.Extra[k] = raw
				}
			}
			svc.NetworkOrder = append(svc.NetworkOrder, name)
			svc.Networks[name] = att
		}
	}
}

// ReferencedNetworks returns the set of network names used by services.
func (m *Manifest) ReferencedNetworks() map[string]struct{} {
	refs := make(map[string]struct{})
	for _, name := range m.ServiceOrder {
		for _, n := range m.Services[name].NetworkOrder {
			refs[n] = struct{}{}
		}
	}
	return refs
}

// AddService appends or replaces a service definition.
func (m *Manifest) AddService(name string, svc *Service) {
	if _, ok := m.Services[name]; !ok {
		m.ServiceOrder = append(m.ServiceOrder, name)
	}
	m.Services[name] = svc
}

// RemoveService deletes a service definition.
func (m *Manifest) RemoveService(name string) {
	if _, ok := m.Services[name]; !ok {
		return
	}
	delete(m.Services, name)
	for i, n := range m.ServiceOrder {
		if n == name {
			m.ServiceOrder = append(m.ServiceOrder[:i], m.ServiceOrder[i+1:]...)
			break
		}
	}
}
