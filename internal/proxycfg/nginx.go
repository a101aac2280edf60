package proxycfg

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Neuxbane/Docker/internal/domain"
)

const proberTimeout = 15 * time.Second

// CommandRunner executes an allowlisted external command.
type CommandRunner interface {
	Run(ctx context.Context, timeout time.Duration, dir string, env []string, name string, args ...string) (string, string, error)
}

// ContainerSignaler sends a signal to a named container.
type ContainerSignaler interface {
	SignalContainer(ctx context.Context, name, signal string) error
}

// NginxProber tests and reloads nginx: binary first, then the service
// manager, then a HUP to a configured container.
type NginxProber struct {
	runner         CommandRunner
	logger         *slog.Logger
	binary         string
	serviceManager string
	container      string
	signaler       ContainerSignaler
}

// NewNginxProber constructs the nginx Prober implementation.
func NewNginxProber(runner CommandRunner, logger *slog.Logger, binary, serviceManager, container string, signaler ContainerSignaler) *NginxProber {
	if logger != nil {
		logger = logger.With("component", "nginx")
	}
	if binary == "" {
		binary = "nginx"
	}
	return &NginxProber{
		runner:         runner,
		logger:         logger,
		binary:         binary,
		serviceManager: serviceManager,
		container:      container,
		signaler:       signaler,
	}
}

// Test runs the config-test subcommand against path.
func (p *NginxProber) Test(ctx context.Context, path string) error {
	_, _, err := p.runner.Run(ctx, proberTimeout, "", nil, p.binary, "-t", "-c", path)
	return err
}

// Reload signals nginx to pick up the new configuration.
func (p *NginxProber) Reload(ctx context.Context) error {
	_, _, err := p.runner.Run(ctx, proberTimeout, "", nil, p.binary, "-s", "reload")
	if err == nil {
		return nil
	}
	p.logger.Warn("binary reload failed, trying service manager", "error", err)

	if p.serviceManager != "" {
		if _, _, svcErr := p.runner.Run(ctx, proberTimeout, "", nil, p.serviceManager, "reload", "nginx"); svcErr == nil {
			return nil
		} else {
			err = errors.Join(err, svcErr)
		}
	}
	if p.container != "" && p.signaler != nil {
		if sigErr := p.signaler.SignalContainer(ctx, p.container, "HUP"); sigErr == nil {
			return nil
		} else {
			err = errors.Join(err, sigErr)
		}
	}
	return err
}

// stderrOf extracts captured stderr from a CLI failure for the API body.
func stderrOf(err error) string {
	var cliErr *domain.CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Stderr
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
