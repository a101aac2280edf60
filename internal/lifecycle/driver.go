package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/mapper"
)

const (
	statusTimeout    = 10 * time.Second
	lifecycleTimeout = 20 * time.Second
	steadyStateDwell = 2 * time.Second
)

var containerConflictPattern = regexp.MustCompile(`is already in use by container "?([0-9a-f]{12,64})"?`)

// ContainerRemover force-removes a container by id.
type ContainerRemover interface {
	RemoveContainer(ctx context.Context, id string) error
}

// Driver invokes the container CLI for service lifecycle operations and
// maintains the transient status protocol.
type Driver struct {
	runner       *Runner
	store        *mapper.Store
	transient    *TransientSet
	containers   ContainerRemover
	logger       *slog.Logger
	composeCmd   []string
	manifestName string

	afterOp func()
	dwell   time.Duration
	sleep   func(time.Duration)
}

// NewDriver constructs the lifecycle driver. afterOp is invoked once a
// lifecycle mutation returns, to request an immediate reconcile.
func NewDriver(runner *Runner, store *mapper.Store, transient *TransientSet, containers ContainerRemover, logger *slog.Logger, composeCmd []string, manifestName string, afterOp func()) *Driver {
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	if len(composeCmd) == 0 {
		composeCmd = []string{"docker", "compose"}
	}
	return &Driver{
		runner:       runner,
		store:        store,
		transient:    transient,
		containers:   containers,
		logger:       logger,
		composeCmd:   composeCmd,
		manifestName: manifestName,
		afterOp:      afterOp,
		dwell:        steadyStateDwell,
		sleep:        time.Sleep,
	}
}

// Transient exposes the transient status set.
func (d *Driver) Transient() *TransientSet {
	return d.transient
}

// Restart restarts a service, preferring the project-local restart script.
func (d *Driver) Restart(ctx context.Context, projectDir, service string) error {
	return d.mutate(ctx, projectDir, service, domain.StatusRestarting, "restart.sh", "restart")
}

// Start is an alias for Restart: compose restart brings a stopped
// service up and bounces a running one.
func (d *Driver) Start(ctx context.Context, projectDir, service string) error {
	return d.Restart(ctx, projectDir, service)
}

// Stop stops a service, preferring the project-local stop script.
func (d *Driver) Stop(ctx context.Context, projectDir, service string) error {
	return d.mutate(ctx, projectDir, service, domain.StatusStopping, "stop.sh", "stop")
}

func (d *Driver) mutate(ctx context.Context, projectDir, service string, transient domain.ServiceStatus, script, composeVerb string) error {
	if !domain.ValidServiceName(service) {
		return domain.Validationf("invalid service name %q", service)
	}
	if err := d.refuseOnNameCollision(projectDir); err != nil {
		return err
	}

	d.transient.Set(projectDir, service, transient)

	err := d.invoke(ctx, projectDir, service, script, composeVerb)
	if err != nil {
		if id, ok := conflictingContainer(err); ok {
			d.logger.Warn("container name conflict, removing and retrying",
				"project", projectDir, "service", service, "container", id)
			if d.containers != nil {
				if rmErr := d.containers.RemoveContainer(ctx, id); rmErr != nil {
					d.logger.Error("conflicting container removal failed", "container", id, "error", rmErr)
				}
			}
			err = d.invoke(ctx, projectDir, service, script, composeVerb)
		}
	}

	expect := domain.StatusStopped
	if transient == domain.StatusRestarting {
		expect = domain.StatusRunning
	}
	go d.settleTransient(projectDir, service, expect)

	if d.afterOp != nil {
		d.afterOp()
	}
	return err
}

func (d *Driver) invoke(ctx context.Context, projectDir, service, script, composeVerb string) error {
	scriptPath := filepath.Join(projectDir, script)
	if isExecutable(scriptPath) {
		_, _, err := d.runner.Run(ctx, lifecycleTimeout, projectDir, d.projectEnv(projectDir), scriptPath, service)
		return err
	}
	args := append(d.composeArgs(projectDir), composeVerb, service)
	_, _, err := d.runner.Run(ctx, lifecycleTimeout, projectDir, d.projectEnv(projectDir), d.composeCmd[0], args...)
	return err
}

// settleTransient waits a fixed dwell, re-queries status and clears the
// transient entry once the service reached the expected steady state.
// When it has not, the entry is cleared on the subsequent poll.
func (d *Driver) settleTransient(projectDir, service string, expect domain.ServiceStatus) {
	for attempt := 0; attempt < 2; attempt++ {
		d.sleep(d.dwell)
		ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
		running, err := d.RunningServices(ctx, projectDir)
		cancel()
		if err != nil {
			continue
		}
		_, up := running[service]
		observed := domain.StatusStopped
		if up {
			observed = domain.StatusRunning
		}
		if observed == expect || attempt == 1 {
			d.transient.Clear(projectDir, service)
			return
		}
	}
	d.transient.Clear(projectDir, service)
}

// SettleAfter runs the transient settle protocol in the background for an
// operation that was invoked outside the driver (a PTY session), and
// requests the reconcile that every lifecycle mutation triggers.
func (d *Driver) SettleAfter(projectDir, service string, expect domain.ServiceStatus) {
	go d.settleTransient(projectDir, service, expect)
	if d.afterOp != nil {
		d.afterOp()
	}
}

// ContainerID resolves the container id backing a service.
func (d *Driver) ContainerID(ctx context.Context, projectDir, service string) (string, error) {
	args := append(d.composeArgs(projectDir), "ps", "-q", service)
	stdout, _, err := d.runner.Run(ctx, statusTimeout, projectDir, d.projectEnv(projectDir), d.composeCmd[0], args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(stdout)
	if idx := strings.IndexByte(id, '\n'); idx >= 0 {
		id = strings.TrimSpace(id[:idx])
	}
	if id == "" {
		return "", domain.NotFoundf("no container for service %s", service)
	}
	return id, nil
}

// LogsHistory returns the last tail lines of a service's logs.
func (d *Driver) LogsHistory(ctx context.Context, projectDir, service string, tail int) (string, error) {
	args := append(d.composeArgs(projectDir),
		"logs", "--no-color", "--tail", strconv.Itoa(tail), service)
	stdout, _, err := d.runner.Run(ctx, statusTimeout, projectDir, d.projectEnv(projectDir), d.composeCmd[0], args...)
	if err != nil {
		return "", err
	}
	return stdout, nil
}

// RunningServices returns the set of services reported running, scoped by
// the per-project name override and intersected with known service names.
func (d *Driver) RunningServices(ctx context.Context, projectDir string) (map[string]struct{}, error) {
	args := append(d.composeArgs(projectDir), "ps", "--services", "--filter", "status=running")
	stdout, _, err := d.runner.Run(ctx, statusTimeout, projectDir, d.projectEnv(projectDir), d.composeCmd[0], args...)
	if err != nil {
		return nil, err
	}

	known := d.knownServices(projectDir)
	running := make(map[string]struct{})
	for _, line := range strings.Split(stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if known != nil {
			if _, ok := known[name]; !ok {
				continue
			}
		}
		running[name] = struct{}{}
	}
	return running, nil
}

// Status reports the aggregated status of one service: transient state
// wins over live CLI state, unknown when the CLI cannot be queried.
func (d *Driver) Status(ctx context.Context, projectDir, service string) domain.ServiceStatus {
	if status, ok := d.transient.Get(projectDir, service); ok {
		return status
	}
	running, err := d.RunningServices(ctx, projectDir)
	if err != nil {
		return domain.StatusUnknown
	}
	if _, up := running[service]; up {
		return domain.StatusRunning
	}
	return domain.StatusStopped
}

// AnyRunning reports whether any service of the project is running.
func (d *Driver) AnyRunning(ctx context.Context, projectDir string) (bool, error) {
	running, err := d.RunningServices(ctx, projectDir)
	if err != nil {
		return false, err
	}
	return len(running) > 0, nil
}

func (d *Driver) refuseOnNameCollision(projectDir string) error {
	if d.store == nil {
		return nil
	}
	if entry, ok := d.store.Current()[projectDir]; ok && entry.NameCollision {
		return domain.Conflictf("project name %q collides with another project", entry.ComposeName)
	}
	return nil
}

func (d *Driver) knownServices(projectDir string) map[string]struct{} {
	if d.store == nil {
		return nil
	}
	entry, ok := d.store.Current()[projectDir]
	if !ok {
		return nil
	}
	known := make(map[string]struct{}, len(entry.Services))
	for name := range entry.Services {
		known[name] = struct{}{}
	}
	return known
}

func (d *Driver) composeArgs(projectDir string) []string {
	args := append([]string{}, d.composeCmd[1:]...)
	return append(args, "-f", filepath.Join(projectDir, d.manifestName))
}

func (d *Driver) projectEnv(projectDir string) []string {
	return []string{"COMPOSE_PROJECT_NAME=" + domain.ComposeProjectName(projectDir)}
}

// ComposeCommand returns the compose invocation for projectDir, used by
// PTY sessions that need to spawn compose children directly.
func (d *Driver) ComposeCommand(projectDir string, verb ...string) (string, []string, []string) {
	args := append(d.composeArgs(projectDir), verb...)
	return d.composeCmd[0], args, d.projectEnv(projectDir)
}

// ScriptPath returns the project script path when present and executable.
func (d *Driver) ScriptPath(projectDir, script string) (string, bool) {
	p := filepath.Join(projectDir, script)
	return p, isExecutable(p)
}

func conflictingContainer(err error) (string, bool) {
	var cliErr *domain.CLIError
	if !errors.As(err, &cliErr) {
		return "", false
	}
	match := containerConflictPattern.FindStringSubmatch(cliErr.Stderr)
	if match == nil {
		return "", false
	}
	return match[1], true
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
