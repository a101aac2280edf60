package logstats

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Record is one parsed access-log line.
type Record struct {
	Remote   string `json:"remote"`
	Time     string `json:"time"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Status   int    `json:"status"`
	Size     int64  `json:"size"`
	Referer  string `json:"referer"`
	UA       string `json:"ua"`
	Upstream string `json:"upstream"`
}

// nginx combined format followed by the quoted upstream address
var accessLinePattern = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[([^\]]+)\] "(\S+) (\S+)(?: [^"]*)?" (\d{3}) (\d+|-) "([^"]*)" "([^"]*)"(?:\s+"?([0-9]{1,3}(?:\.[0-9]{1,3}){3}(?::\d+)?)"?)?`)

const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// ParseLine parses one access-log line. ok is false for lines that do not
// match the expected format.
func ParseLine(line string) (Record, bool) {
	match := accessLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return Record{}, false
	}
	rec := Record{
		Remote:   match[1],
		Time:     match[2],
		Method:   match[3],
		Path:     match[4],
		Referer:  match[7],
		UA:       match[8],
		Upstream: match[9],
	}
	rec.Status, _ = strconv.Atoi(match[5])
	if match[6] != "-" {
		rec.Size, _ = strconv.ParseInt(match[6], 10, 64)
	}
	return rec, true
}

// Timestamp parses the record's time field.
func (r Record) Timestamp() (time.Time, error) {
	return time.Parse(accessTimeLayout, r.Time)
}

// UpstreamIP returns the IPv4 portion of the upstream address.
func (r Record) UpstreamIP() string {
	if idx := strings.IndexByte(r.Upstream, ':'); idx >= 0 {
		return r.Upstream[:idx]
	}
	return r.Upstream
}
