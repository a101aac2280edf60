package ptymux

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/logstats"
)

const tailPollInterval = 500 * time.Millisecond

// handleAccessLog tail-follows the proxy access logs, forwarding lines
// whose upstream field matches the service's IPv4 as structured JSON.
func (m *Multiplexer) handleAccessLog(ctx context.Context, s *session, projectDir, service, ip string) error {
	if ip == "" {
		resolved, ok := m.store.ServiceIP(projectDir, service)
		if !ok {
			return domain.Validationf("service %s has no static ip and none was given", service)
		}
		ip = resolved
	}
	matcher, err := regexp.Compile(`"` + regexp.QuoteMeta(ip) + `(:\d+)?"`)
	if err != nil {
		return domain.Validationf("invalid ip filter %q", ip)
	}

	go func() {
		for {
			if _, _, readErr := s.conn.ReadMessage(); readErr != nil {
				s.shutdown()
				return
			}
		}
	}()

	for _, file := range m.accessLogs {
		go m.followAccessLog(s, file, matcher)
	}
	<-s.closed
	return nil
}

// followAccessLog streams matching lines of one file until the session
// closes, surviving log rotation by reopening from the start.
func (m *Multiplexer) followAccessLog(s *session, path string, matcher *regexp.Regexp) {
	var (
		f      *os.File
		reader *bufio.Reader
		offset int64
	)
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	open := func(seekEnd bool) bool {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return false
		}
		if seekEnd {
			offset, _ = f.Seek(0, io.SeekEnd)
		} else {
			offset = 0
		}
		reader = bufio.NewReader(f)
		return true
	}

	if !open(true) {
		m.logger.Warn("access log unavailable", "file", path)
		return
	}

	pending := ""
	for !s.isClosed() {
		line, err := reader.ReadString('\n')
		offset += int64(len(line))
		if err == nil {
			m.forwardLine(s, pending+line, matcher)
			pending = ""
			continue
		}
		// partial line or EOF: buffer what arrived, wait for more,
		// watching for truncation
		pending += line
		select {
		case <-s.closed:
			return
		case <-time.After(tailPollInterval):
		}
		if info, statErr := os.Stat(path); statErr == nil && info.Size() < offset {
			_ = f.Close()
			pending = ""
			if !open(false) {
				return
			}
		}
	}
}

func (m *Multiplexer) forwardLine(s *session, line string, matcher *regexp.Regexp) {
	if !matcher.MatchString(line) {
		return
	}
	var payload []byte
	if rec, ok := logstats.ParseLine(line); ok {
		payload, _ = json.Marshal(rec)
	} else {
		payload, _ = json.Marshal(map[string]string{"raw": line})
	}
	if payload != nil {
		s.touch()
		_ = s.client.Send(payload)
	}
}
