package compose

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Neuxbane/Docker/internal/domain"
)

// serviceJSON is the wire shape of a service used by the API.
type serviceJSON struct {
	Image       string                     `json:"image,omitempty"`
	Restart     string                     `json:"restart,omitempty"`
	Ports       []json.RawMessage          `json:"ports,omitempty"`
	Volumes     []string                   `json:"volumes,omitempty"`
	Environment []string                   `json:"environment,omitempty"`
	Networks    map[string]json.RawMessage `json:"networks"`
}

type portJSON struct {
	Container int    `json:"container"`
	Host      int    `json:"host,omitempty"`
	Bind      string `json:"bind,omitempty"`
}

type attachmentJSON struct {
	IPv4 string `json:"ipv4_address,omitempty"`
}

// MarshalJSON renders the service for API consumers.
func (s *Service) MarshalJSON() ([]byte, error) {
	out := serviceJSON{
		Image:       s.Image,
		Restart:     string(s.Restart),
		Volumes:     s.Volumes,
		Environment: s.Environment,
		Networks:    make(map[string]json.RawMessage, len(s.Networks)),
	}
	for _, p := range s.Ports {
		raw, err := json.Marshal(p.String())
		if err != nil {
			return nil, err
		}
		out.Ports = append(out.Ports, raw)
	}
	for name, att := range s.Networks {
		body := attachmentJSON{}
		if att != nil {
			body.IPv4 = att.IPv4
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		out.Networks[name] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the API wire shape: ports as canonical strings or
// {container, host?, bind?} objects, networks as {name: {ipv4_address}}.
func (s *Service) UnmarshalJSON(data []byte) error {
	var in serviceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Image = in.Image
	s.Restart = domain.RestartPolicy(in.Restart)
	s.Volumes = in.Volumes
	s.Environment = in.Environment
	s.Ports = nil
	for _, raw := range in.Ports {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			if pm, ok := ParsePortString(str); ok && pm.Valid() {
				s.Ports = append(s.Ports, pm)
			}
			continue
		}
		var obj portJSON
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("invalid port entry: %s", string(raw))
		}
		pm := domain.PortMapping{
			ContainerPort: obj.Container,
			HostPort:      obj.Host,
			BindAddress:   obj.Bind,
			NeedsHostPort: obj.Host == 0,
		}
		if pm.Valid() && pm.ContainerPort > 0 {
			s.Ports = append(s.Ports, pm)
		}
	}
	s.Networks = make(map[string]*domain.NetworkAttachment, len(in.Networks))
	s.NetworkOrder = nil
	names := make([]string, 0, len(in.Networks))
	for name := range in.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		raw := in.Networks[name]
		att := &domain.NetworkAttachment{}
		if len(raw) > 0 && string(raw) != "null" {
			var body attachmentJSON
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("invalid network attachment %s: %s", name, string(raw))
			}
			att.IPv4 = body.IPv4
		}
		if att.IPv4 == "" {
			att.BareRef = true
		}
		s.NetworkOrder = append(s.NetworkOrder, name)
		s.Networks[name] = att
	}
	return nil
}
