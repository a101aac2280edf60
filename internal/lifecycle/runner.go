package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
)

// Runner executes external commands under an allowlist with bounded
// timeouts. Only the container CLI, its compose subcommand, the reverse
// proxy binary, the service manager and project helper scripts may run.
type Runner struct {
	logger    *slog.Logger
	allowed   map[string]struct{}
	workspace string
}

// helper scripts that may be executed from inside a project directory
var allowedScripts = map[string]struct{}{
	"connect.sh": {},
	"restart.sh": {},
	"stop.sh":    {},
}

// NewRunner builds a Runner permitting the given binaries.
func NewRunner(logger *slog.Logger, workspace string, binaries ...string) *Runner {
	allowed := make(map[string]struct{}, len(binaries))
	for _, b := range binaries {
		if b = strings.TrimSpace(b); b != "" {
			allowed[filepath.Base(b)] = struct{}{}
		}
	}
	if logger != nil {
		logger = logger.With("component", "cli")
	}
	return &Runner{logger: logger, allowed: allowed, workspace: workspace}
}

// Allowed reports whether the command may be executed.
func (r *Runner) Allowed(name string) bool {
	if _, ok := r.allowed[filepath.Base(name)]; ok {
		return true
	}
	return r.isProjectScript(name)
}

func (r *Runner) isProjectScript(name string) bool {
	if _, ok := allowedScripts[filepath.Base(name)]; !ok {
		return false
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(r.workspace, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode()&0o111 != 0
}

// Run executes name with args inside dir, returning stdout and stderr.
// Failures are wrapped in *domain.CLIError carrying full command context.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, dir string, env []string, name string, args ...string) (string, string, error) {
	if !r.Allowed(name) {
		return "", "", fmt.Errorf("%w: command %q is not allowed", domain.ErrPolicy, name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if r.logger != nil {
		r.logger.Debug("command finished",
			"cmd", name,
			"args", strings.Join(args, " "),
			"dir", dir,
			"duration_ms", time.Since(start).Milliseconds(),
			"ok", err == nil)
	}
	if err != nil {
		return stdout.String(), stderr.String(), &domain.CLIError{
			Cmd:    name,
			Args:   args,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.String(), stderr.String(), nil
}
