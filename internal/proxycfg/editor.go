package proxycfg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Prober abstracts the reverse proxy's config-test and reload capability
// so other proxies can slot in behind the same save protocol.
type Prober interface {
	Test(ctx context.Context, path string) error
	Reload(ctx context.Context) error
}

// SaveError reports which phase of the save protocol failed.
type SaveError struct {
	Phase  string `json:"phase"`
	Stderr string `json:"stderr"`
	Err    error  `json:"-"`
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("proxy config save failed during %s: %v", e.Phase, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Editor performs atomic edits of the live proxy configuration.
type Editor struct {
	path   string
	prober Prober
	logger *slog.Logger
	now    func() time.Time
}

// NewEditor constructs an editor for the config at path.
func NewEditor(path string, prober Prober, logger *slog.Logger) *Editor {
	if logger != nil {
		logger = logger.With("component", "proxycfg")
	}
	return &Editor{path: path, prober: prober, logger: logger, now: time.Now}
}

// Read returns the live configuration text.
func (e *Editor) Read() (string, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Save writes content using the backup/test/reload protocol. On any
// failure the previous content is restored byte-for-byte before the
// error is returned.
func (e *Editor) Save(ctx context.Context, content string) error {
	backup, hadLive, err := e.backup()
	if err != nil {
		return &SaveError{Phase: "backup", Err: err}
	}
	restore := func() {
		if !hadLive {
			_ = os.Remove(e.path)
			return
		}
		if data, err := os.ReadFile(backup); err == nil {
			_ = os.WriteFile(e.path, data, 0o644)
		}
	}
	cleanup := func() {
		if hadLive {
			_ = os.Remove(backup)
		}
	}

	if err := os.WriteFile(e.path, []byte(content), 0o644); err != nil {
		restore()
		cleanup()
		return &SaveError{Phase: "write", Err: err}
	}

	if err := e.prober.Test(ctx, e.path); err != nil {
		restore()
		cleanup()
		e.logger.Warn("proxy config rejected by test", "error", err)
		return &SaveError{Phase: "test", Stderr: stderrOf(err), Err: err}
	}

	if err := e.prober.Reload(ctx); err != nil {
		restore()
		cleanup()
		e.logger.Error("proxy reload failed, rolled back", "error", err)
		return &SaveError{Phase: "reload", Stderr: stderrOf(err), Err: err}
	}

	cleanup()
	e.logger.Info("proxy config saved and reloaded")
	return nil
}

func (e *Editor) backup() (string, bool, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	backup := fmt.Sprintf("%s.bak-%s", e.path, e.now().Format("20060102-150405"))
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", false, err
	}
	return backup, true, nil
}
