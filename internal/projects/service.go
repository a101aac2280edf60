package projects

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Neuxbane/Docker/internal/alloc"
	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/discovery"
	"github.com/Neuxbane/Docker/internal/domain"
)

// StatusChecker reports whether any service of a project is running.
type StatusChecker interface {
	AnyRunning(ctx context.Context, projectDir string) (bool, error)
}

// Service implements project directory operations: apply, add from
// template, rename, delete and per-project config file CRUD.
type Service struct {
	finder         *discovery.Finder
	status         StatusChecker
	logger         *slog.Logger
	defaultNetwork string
	subnetBase     string
	reconcile      func()
}

// New constructs the project service. reconcile is invoked after every
// mutation to request an immediate pass.
func New(finder *discovery.Finder, status StatusChecker, logger *slog.Logger, defaultNetwork, subnetBase string, reconcile func()) *Service {
	if logger != nil {
		logger = logger.With("component", "projects")
	}
	return &Service{
		finder:         finder,
		status:         status,
		logger:         logger,
		defaultNetwork: defaultNetwork,
		subnetBase:     subnetBase,
		reconcile:      reconcile,
	}
}

// Resolve maps a workspace-relative project path to an absolute directory,
// refusing paths that escape the workspace root.
func (s *Service) Resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", domain.Validationf("project path is required")
	}
	abs := filepath.Clean(filepath.Join(s.finder.Root(), rel))
	within, err := filepath.Rel(s.finder.Root(), abs)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", domain.Validationf("path escapes workspace")
	}
	return abs, nil
}

// ResolveExisting resolves rel and requires it to be a project directory.
func (s *Service) ResolveExisting(rel string) (string, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return "", err
	}
	if !s.finder.IsProject(abs) {
		return "", domain.NotFoundf("project %s", rel)
	}
	return abs, nil
}

// ResolveManifest validates a manifest file reference (absolute or
// workspace-relative) and returns its absolute path plus the owning
// project directory.
func (s *Service) ResolveManifest(file string) (string, string, error) {
	file = strings.TrimSpace(file)
	if file == "" {
		return "", "", domain.Validationf("file is required")
	}
	var abs string
	if filepath.IsAbs(file) {
		abs = filepath.Clean(file)
	} else {
		abs = filepath.Clean(filepath.Join(s.finder.Root(), file))
	}
	within, err := filepath.Rel(s.finder.Root(), abs)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", "", domain.Validationf("path escapes workspace")
	}
	dir := filepath.Dir(abs)
	if !s.finder.IsProject(dir) {
		return "", "", domain.NotFoundf("project for %s", file)
	}
	return abs, dir, nil
}

// Apply upserts the full services map of one project: services missing
// from the request are deleted, new ones added, present ones replaced.
// Structured ports without a host port get one allocated workspace-wide.
func (s *Service) Apply(ctx context.Context, rel string, services map[string]*compose.Service) error {
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return err
	}
	for name := range services {
		if !domain.ValidServiceName(name) {
			return domain.Validationf("invalid service name %q", name)
		}
	}

	m, err := compose.Load(s.finder.ManifestPath(dir))
	if err != nil {
		return err
	}

	for _, name := range append([]string{}, m.ServiceOrder...) {
		if _, keep := services[name]; !keep {
			m.RemoveService(name)
		}
	}

	used, err := s.usedHostPorts()
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(services) {
		svc := services[name]
		for i := range svc.Ports {
			port := &svc.Ports[i]
			if port.NeedsHostPort && port.HostPort == 0 && port.ContainerPort > 0 {
				next := alloc.NextHostPort(used)
				if next == 0 {
					return fmt.Errorf("host port space exhausted")
				}
				port.HostPort = next
				port.NeedsHostPort = false
				used[next]++
			}
		}
		m.AddService(name, svc)
	}

	data, err := m.Serialize(s.defaultNetwork)
	if err != nil {
		return err
	}
	if _, err := compose.WriteIfChanged(m.Path, data); err != nil {
		return err
	}
	s.logger.Info("project applied", "project", dir, "services", len(services))
	s.requestReconcile()
	return nil
}

// Add copies the template project to a new directory and reallocates
// every host port and static IP so the clone starts conflict-free.
func (s *Service) Add(ctx context.Context, name string) (string, error) {
	if !domain.ValidServiceName(name) {
		return "", domain.Validationf("invalid project name %q", name)
	}
	if name == domain.TemplateProject {
		return "", fmt.Errorf("%w: cannot clone over the template", domain.ErrPolicy)
	}
	templateDir, err := s.ResolveExisting(domain.TemplateProject)
	if err != nil {
		return "", domain.NotFoundf("template project")
	}
	target, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return "", domain.Conflictf("project %q already exists", name)
	}

	if err := copyTree(templateDir, target); err != nil {
		return "", fmt.Errorf("copy template: %w", err)
	}

	if err := s.reallocate(target); err != nil {
		// leave nothing half-provisioned
		_ = os.RemoveAll(target)
		return "", err
	}
	s.logger.Info("project added from template", "project", target)
	s.requestReconcile()
	return target, nil
}

func (s *Service) reallocate(dir string) error {
	m, err := compose.Load(s.finder.ManifestPath(dir))
	if err != nil {
		return err
	}
	usedPorts, err := s.usedHostPorts()
	if err != nil {
		return err
	}
	usedIPs, err := s.usedIPs()
	if err != nil {
		return err
	}
	for _, name := range m.ServiceOrder {
		svc := m.Services[name]
		for i := range svc.Ports {
			if svc.Ports[i].HostPort == 0 {
				continue
			}
			next := alloc.NextHostPort(usedPorts)
			if next == 0 {
				return fmt.Errorf("host port space exhausted")
			}
			svc.Ports[i].HostPort = next
			usedPorts[next]++
		}
		for _, netName := range svc.NetworkOrder {
			att := svc.Networks[netName]
			if att == nil || att.IPv4 == "" {
				continue
			}
			base, ok := alloc.SubnetBase(att.IPv4)
			if !ok {
				base = s.subnetBase
			}
			next, err := alloc.NextIPv4(base, usedIPs)
			if err != nil {
				return err
			}
			att.IPv4 = next
			usedIPs[next]++
		}
	}
	data, err := m.Serialize(s.defaultNetwork)
	if err != nil {
		return err
	}
	_, err = compose.WriteIfChanged(m.Path, data)
	return err
}

// Rename moves a project directory. The template is protected and every
// service must be stopped first.
func (s *Service) Rename(ctx context.Context, rel, newName string) (string, error) {
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return "", err
	}
	if domain.ProjectName(dir) == domain.TemplateProject {
		return "", fmt.Errorf("%w: the template project cannot be renamed", domain.ErrPolicy)
	}
	if !domain.ValidServiceName(newName) {
		return "", domain.Validationf("invalid project name %q", newName)
	}
	if err := s.requireStopped(ctx, dir, "rename"); err != nil {
		return "", err
	}
	target := filepath.Join(filepath.Dir(dir), newName)
	if _, err := os.Stat(target); err == nil {
		return "", domain.Conflictf("project %q already exists", newName)
	}
	if err := os.Rename(dir, target); err != nil {
		return "", fmt.Errorf("rename project: %w", err)
	}
	s.logger.Info("project renamed", "from", dir, "to", target)
	s.requestReconcile()
	return target, nil
}

// Delete removes a project directory after confirmation. confirmName must
// equal the folder name; the template is protected; running services block.
func (s *Service) Delete(ctx context.Context, rel, confirmName string) error {
	dir, err := s.ResolveExisting(rel)
	if err != nil {
		return err
	}
	name := domain.ProjectName(dir)
	if name == domain.TemplateProject {
		return fmt.Errorf("%w: the template project cannot be deleted", domain.ErrPolicy)
	}
	if confirmName != name {
		return domain.Validationf("confirmation %q does not match folder name %q", confirmName, name)
	}
	if err := s.requireStopped(ctx, dir, "delete"); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	s.logger.Info("project deleted", "project", dir)
	s.requestReconcile()
	return nil
}

func (s *Service) requireStopped(ctx context.Context, dir, verb string) error {
	if s.status == nil {
		return nil
	}
	running, err := s.status.AnyRunning(ctx, dir)
	if err != nil {
		// fall back to refusing: destroying a project under unknown state is worse
		return fmt.Errorf("cannot verify service state: %w", err)
	}
	if running {
		return domain.Conflictf("cannot %s project with running services", verb)
	}
	return nil
}

func (s *Service) usedHostPorts() (map[int]int, error) {
	used := make(map[int]int)
	dirs, err := s.finder.Projects()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		m, err := compose.Load(s.finder.ManifestPath(dir))
		if err != nil {
			continue
		}
		for _, name := range m.ServiceOrder {
			for _, p := range m.Services[name].Ports {
				if p.HostPort > 0 {
					used[p.HostPort]++
				}
			}
		}
	}
	return used, nil
}

func (s *Service) usedIPs() (map[string]int, error) {
	used := make(map[string]int)
	dirs, err := s.finder.Projects()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		m, err := compose.Load(s.finder.ManifestPath(dir))
		if err != nil {
			continue
		}
		for _, name := range m.ServiceOrder {
			svc := m.Services[name]
			for _, netName := range svc.NetworkOrder {
				if att := svc.Networks[netName]; att != nil && att.IPv4 != "" {
					used[att.IPv4]++
				}
			}
		}
	}
	return used, nil
}

func (s *Service) requestReconcile() {
	if s.reconcile != nil {
		s.reconcile()
	}
}

func sortedKeys(m map[string]*compose.Service) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
