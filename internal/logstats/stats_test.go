package logstats

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/mapper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

const sampleLine = `203.0.113.7 - - [06/Aug/2026:10:15:00 +0000] "GET /api/items HTTP/1.1" 200 512 "https://ref.example" "Mozilla/5.0" "172.28.0.5:8080"`

func TestParseLine(t *testing.T) {
	rec, ok := ParseLine(sampleLine)
	if !ok {
		t.Fatalf("line did not parse")
	}
	if rec.Remote != "203.0.113.7" {
		t.Fatalf("remote mis-parsed: %q", rec.Remote)
	}
	if rec.Method != "GET" || rec.Path != "/api/items" {
		t.Fatalf("request mis-parsed: %q %q", rec.Method, rec.Path)
	}
	if rec.Status != 200 || rec.Size != 512 {
		t.Fatalf("status/size mis-parsed: %d %d", rec.Status, rec.Size)
	}
	if rec.UA != "Mozilla/5.0" || rec.Referer != "https://ref.example" {
		t.Fatalf("referer/ua mis-parsed: %q %q", rec.Referer, rec.UA)
	}
	if rec.Upstream != "172.28.0.5:8080" || rec.UpstreamIP() != "172.28.0.5" {
		t.Fatalf("upstream mis-parsed: %q", rec.Upstream)
	}
	if _, err := rec.Timestamp(); err != nil {
		t.Fatalf("timestamp did not parse: %v", err)
	}
}

func TestParseLineRejectsGarbage(t *testing.T) {
	if _, ok := ParseLine("not an access log line"); ok {
		t.Fatalf("garbage parsed")
	}
}

func seedStore(t *testing.T) *mapper.Store {
	t.Helper()
	m, err := compose.Parse([]byte(`services:
  web:
    image: nginx
    networks:
      dockernet:
        ipv4_address: 172.28.0.5
`))
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	store := mapper.NewStore(filepath.Join(t.TempDir(), "mapper.json"), newLogger())
	snap := mapper.Snapshot{
		"/srv/apps/shop": {
			ManifestFile: "/srv/apps/shop/docker-compose.yml",
			ComposeName:  "shop",
			Services: map[string]mapper.ServiceRecord{
				"web": {Definition: m.Services["web"], Status: domain.StatusRunning},
			},
		},
	}
	if _, err := store.Update(snap); err != nil {
		t.Fatalf("store update: %v", err)
	}
	return store
}

func TestQueryBucketsAttributedLines(t *testing.T) {
	now := time.Date(2026, 8, 6, 10, 30, 0, 0, time.UTC)
	logPath := filepath.Join(t.TempDir(), "access.log")

	var lines string
	stamp := func(ts time.Time) string {
		return ts.Format("02/Jan/2006:15:04:05 -0700")
	}
	// two attributable hits in the window, one unknown upstream, one stale
	lines += fmt.Sprintf(`1.1.1.1 - - [%s] "GET / HTTP/1.1" 200 10 "-" "ua" "172.28.0.5:8080"`+"\n", stamp(now.Add(-10*time.Minute)))
	lines += fmt.Sprintf(`1.1.1.2 - - [%s] "GET / HTTP/1.1" 200 10 "-" "ua" "172.28.0.5:8080"`+"\n", stamp(now.Add(-7*time.Minute)))
	lines += fmt.Sprintf(`1.1.1.3 - - [%s] "GET / HTTP/1.1" 200 10 "-" "ua" "10.9.9.9:80"`+"\n", stamp(now.Add(-5*time.Minute)))
	lines += fmt.Sprintf(`1.1.1.4 - - [%s] "GET / HTTP/1.1" 200 10 "-" "ua" "172.28.0.5:8080"`+"\n", stamp(now.Add(-3*time.Hour)))
	if err := os.WriteFile(logPath, []byte(lines), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	svc := New(seedStore(t), []string{logPath}, newLogger())
	svc.now = func() time.Time { return now }

	result, err := svc.Query("1h")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	series, ok := result.Services["shop"]
	if !ok {
		t.Fatalf("project missing from result: %+v", result.Services)
	}
	total := 0
	for _, n := range series {
		total += n
	}
	if total != 2 {
		t.Fatalf("expected 2 attributed hits inside the window, got %d (%v)", total, series)
	}
	if len(result.Labels) != len(series) {
		t.Fatalf("labels and series length differ: %d vs %d", len(result.Labels), len(series))
	}
}

func TestQueryRejectsUnknownRange(t *testing.T) {
	svc := New(seedStore(t), nil, newLogger())
	if _, err := svc.Query("42days"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRangesSorted(t *testing.T) {
	names := Ranges()
	if len(names) != 6 {
		t.Fatalf("expected 6 ranges, got %v", names)
	}
}
