package proxycfg

import (
	"strings"
)

// Config is the recovered structure of an nginx-style configuration.
// The tokenizer is deliberately minimal: it skips whitespace and
// comments, reads a directive header up to '{' or ';', and on '{' finds
// the matching '}' by depth counting before recursing into the body.
type Config struct {
	Upstreams []Upstream `json:"upstreams"`
	Servers   []Server   `json:"servers"`
}

// Upstream is one upstream block with its server lines.
type Upstream struct {
	Name    string   `json:"name"`
	Servers []string `json:"servers"`
}

// Server is one server block.
type Server struct {
	Listen            string     `json:"listen"`
	ServerName        string     `json:"server_name"`
	SSLCertificate    string     `json:"ssl_certificate,omitempty"`
	SSLCertificateKey string     `json:"ssl_certificate_key,omitempty"`
	Locations         []Location `json:"locations"`
}

// Location is one location block inside a server.
type Location struct {
	Location  string `json:"location"`
	ProxyPass string `json:"proxy_pass,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	Raw       string `json:"raw"`
}

// Parse recovers upstream/server structure from config text.
func Parse(content string) *Config {
	cfg := &Config{Upstreams: []Upstream{}, Servers: []Server{}}
	walkBlocks(content, func(header, body string) {
		fields := strings.Fields(header)
		if len(fields) == 0 {
			return
		}
		switch fields[0] {
		case "upstream":
			up := Upstream{Servers: []string{}}
			if len(fields) > 1 {
				up.Name = fields[1]
			}
			for _, directive := range directives(body) {
				if name, rest, ok := splitDirective(directive); ok && name == "server" {
					up.Servers = append(up.Servers, rest)
				}
			}
			cfg.Upstreams = append(cfg.Upstreams, up)
		case "server":
			cfg.Servers = append(cfg.Servers, parseServer(body))
		case "http":
			// recurse: upstream and server blocks usually live inside http
			nested := Parse(body)
			cfg.Upstreams = append(cfg.Upstreams, nested.Upstreams...)
			cfg.Servers = append(cfg.Servers, nested.Servers...)
		}
	})
	return cfg
}

func parseServer(body string) Server {
	srv := Server{Locations: []Location{}}
	for _, directive := range directives(body) {
		name, rest, ok := splitDirective(directive)
		if !ok {
			continue
		}
		switch name {
		case "listen":
			if srv.Listen == "" {
				srv.Listen = rest
			}
		case "server_name":
			srv.ServerName = rest
		case "ssl_certificate":
			srv.SSLCertificate = rest
		case "ssl_certificate_key":
			srv.SSLCertificateKey = rest
		}
	}
	walkBlocks(body, func(header, locBody string) {
		fields := strings.Fields(header)
		if len(fields) == 0 || fields[0] != "location" {
			return
		}
		loc := Location{Location: strings.Join(fields[1:], " "), Raw: strings.TrimSpace(locBody)}
		for _, directive := range directives(locBody) {
			name, rest, ok := splitDirective(directive)
			if !ok {
				continue
			}
			switch name {
			case "proxy_pass":
				loc.ProxyPass = rest
			case "return", "rewrite":
				loc.Redirect = rest
			}
		}
		srv.Locations = append(srv.Locations, loc)
	})
	return srv
}

// walkBlocks invokes fn for every top-level `header { body }` block.
func walkBlocks(content string, fn func(header, body string)) {
	i := 0
	for i < len(content) {
		i = skipInsignificant(content, i)
		if i >= len(content) {
			return
		}
		start := i
		for i < len(content) && content[i] != '{' && content[i] != ';' {
			if content[i] == '#' {
				i = skipLine(content, i)
				continue
			}
			i++
		}
		if i >= len(content) {
			return
		}
		if content[i] == ';' {
			i++
			continue
		}
		header := strings.TrimSpace(content[start:i])
		end := matchBrace(content, i)
		if end < 0 {
			return
		}
		fn(header, content[i+1:end])
		i = end + 1
	}
}

// matchBrace returns the index of the '}' matching the '{' at open.
func matchBrace(content string, open int) int {
	depth := 0
	for i := open; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		case '#':
			i = skipLine(content, i) - 1
		}
	}
	return -1
}

// directives returns the ';'-terminated lines of a block body, skipping
// nested blocks.
func directives(body string) []string {
	var out []string
	i := 0
	for i < len(body) {
		i = skipInsignificant(body, i)
		if i >= len(body) {
			break
		}
		start := i
		for i < len(body) && body[i] != ';' && body[i] != '{' {
			if body[i] == '#' {
				i = skipLine(body, i)
				continue
			}
			i++
		}
		if i >= len(body) {
			break
		}
		if body[i] == '{' {
			end := matchBrace(body, i)
			if end < 0 {
				break
			}
			i = end + 1
			continue
		}
		if d := strings.TrimSpace(body[start:i]); d != "" {
			out = append(out, d)
		}
		i++
	}
	return out
}

func splitDirective(directive string) (string, string, bool) {
	fields := strings.Fields(directive)
	if len(fields) == 0 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}

func skipInsignificant(s string, i int) int {
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r':
			i++
		case s[i] == '#':
			i = skipLine(s, i)
		default:
			return i
		}
	}
	return i
}

func skipLine(s string, i int) int {
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}
