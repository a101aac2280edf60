package compose

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Neuxbane/Docker/internal/domain"
)

// Serialize renders the manifest back to YAML, applying the write-side
// normalizations: canonical port strings, structured network attachments,
// top-level networks closure (referenced networks inserted as external,
// unreferenced ones pruned except defaultNetwork), legacy version dropped.
func (m *Manifest) Serialize(defaultNetwork string) ([]byte, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	services := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, name := range m.ServiceOrder {
		services.Content = append(services.Content, scalarNode(name), m.Services[name].toNode())
	}
	appendPair(doc, "services", services)

	if networks := m.topLevelNetworks(defaultNetwork); networks != nil {
		appendPair(doc, "networks", networks)
	}
	for _, e := range m.extra {
		appendPair(doc, e.key, e.node)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manifest) topLevelNetworks(defaultNetwork string) *yaml.Node {
	refs := m.ReferencedNetworks()
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	seen := make(map[string]struct{})
	for _, name := range m.NetworkOrder {
		_, referenced := refs[name]
		if !referenced && name != defaultNetwork {
			continue
		}
		appendPair(out, name, m.Networks[name])
		seen[name] = struct{}{}
	}
	// any network referenced by a service but absent from the top level
	missing := make([]string, 0)
	for name := range refs {
		if _, ok := seen[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		ext := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		appendPair(ext, "external", boolNode(true))
		appendPair(ext, "name", scalarNode(name))
		appendPair(out, name, ext)
	}
	if len(out.Content) == 0 {
		return nil
	}
	return out
}

func (s *Service) toNode() *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if s.Image != "" {
		appendPair(node, "image", scalarNode(s.Image))
	}
	if s.Restart != domain.RestartUnset {
		appendPair(node, "restart", scalarNode(string(s.Restart)))
	}
	if len(s.Ports) > 0 {
		ports := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, p := range s.Ports {
			if !p.Valid() {
				continue
			}
			ports.Content = append(ports.Content, quotedNode(p.String()))
		}
		if len(ports.Content) > 0 {
			appendPair(node, "ports", ports)
		}
	}
	if len(s.Volumes) > 0 {
		vols := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, v := range s.Volumes {
			vols.Content = append(vols.Content, scalarNode(v))
		}
		appendPair(node, "volumes", vols)
	}
	if len(s.Environment) > 0 {
		env := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range s.Environment {
			env.Content = append(env.Content, scalarNode(e))
		}
		appendPair(node, "environment", env)
	}
	if nets := s.networksToNode(); nets != nil {
		appendPair(node, "networks", nets)
	}
	for _, e := range s.extra {
		appendPair(node, e.key, e.node)
	}
	return node
}

func (s *Service) networksToNode() *yaml.Node {
	if len(s.NetworkOrder) == 0 {
		return nil
	}
	if s.networksWereList && s.allBare() {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, name := range s.NetworkOrder {
			seq.Content = append(seq.Content, scalarNode(name))
		}
		return seq
	}
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, name := range s.NetworkOrder {
		att := s.Networks[name]
		if att == nil || (att.BareRef && att.IPv4 == "" && len(att.Extra) == 0) {
			appendPair(out, name, nullNode())
			continue
		}
		body := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if att.IPv4 != "" {
			appendPair(body, "ipv4_address", scalarNode(att.IPv4))
		}
		keys := make([]string, 0, len(att.Extra))
		for k := range att.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			var vn yaml.Node
			if err := vn.Encode(att.Extra[k]); err != nil {
				continue
			}
			appendPair(body, k, &vn)
		}
		appendPair(out, name, body)
	}
	return out
}

func (s *Service) allBare() bool {
	for _, att := range s.Networks {
		if att == nil {
			continue
		}
		if att.IPv4 != "" || len(att.Extra) > 0 {
			return false
		}
	}
	return true
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, scalarNode(key), value)
}

func scalarNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func quotedNode(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v, Style: yaml.DoubleQuotedStyle}
}

func boolNode(v bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: fmt.Sprintf("%t", v)}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

// WriteIfChanged writes data to path only when it differs byte-for-byte
// from the current content. It reports whether a write happened.
func WriteIfChanged(path string, data []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
