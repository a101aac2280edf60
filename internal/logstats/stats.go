package logstats

import (
	"bufio"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/mapper"
)

// rangeSpec pairs a lookback window with its bucket width.
type rangeSpec struct {
	window time.Duration
	bucket time.Duration
}

var ranges = map[string]rangeSpec{
	"1h":     {time.Hour, 5 * time.Minute},
	"6h":     {6 * time.Hour, 30 * time.Minute},
	"1day":   {24 * time.Hour, 2 * time.Hour},
	"3day":   {3 * 24 * time.Hour, 6 * time.Hour},
	"1week":  {7 * 24 * time.Hour, 24 * time.Hour},
	"1month": {30 * 24 * time.Hour, 7 * 24 * time.Hour},
}

// Result is the bucketed per-project request series.
type Result struct {
	Services map[string][]int `json:"services"`
	Labels   []string         `json:"labels"`
}

// Service aggregates proxy access logs into per-project counters.
type Service struct {
	store  *mapper.Store
	files  []string
	logger *slog.Logger
	now    func() time.Time
}

// New constructs the log stats service over the configured access logs.
func New(store *mapper.Store, files []string, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "logstats")
	}
	return &Service{store: store, files: files, logger: logger, now: time.Now}
}

// Query buckets request counts for the named range. Lines that cannot be
// attributed to a known project are dropped.
func (s *Service) Query(rangeName string) (*Result, error) {
	spec, ok := ranges[rangeName]
	if !ok {
		return nil, domain.Validationf("unknown range %q", rangeName)
	}
	now := s.now()
	start := now.Add(-spec.window).Truncate(spec.bucket)
	buckets := int(now.Sub(start)/spec.bucket) + 1

	result := &Result{
		Services: make(map[string][]int),
		Labels:   make([]string, buckets),
	}
	for i := 0; i < buckets; i++ {
		result.Labels[i] = start.Add(time.Duration(i) * spec.bucket).Format("2006-01-02 15:04")
	}

	for _, file := range s.files {
		s.scanFile(file, start, spec.bucket, buckets, result)
	}
	return result, nil
}

func (s *Service) scanFile(path string, start time.Time, bucket time.Duration, buckets int, result *Result) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Debug("access log unavailable", "file", path, "error", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec, ok := ParseLine(scanner.Text())
		if !ok || rec.Upstream == "" {
			continue
		}
		ts, err := rec.Timestamp()
		if err != nil {
			continue
		}
		idx := int(ts.Sub(start) / bucket)
		if idx < 0 || idx >= buckets {
			continue
		}
		dir, ok := s.store.ProjectByIP(rec.UpstreamIP())
		if !ok {
			continue
		}
		name := domain.ProjectName(dir)
		series := result.Services[name]
		if series == nil {
			series = make([]int, buckets)
			result.Services[name] = series
		}
		series[idx]++
	}
}

// Ranges lists the supported range names, sorted.
func Ranges() []string {
	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
