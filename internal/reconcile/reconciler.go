package reconcile

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Neuxbane/Docker/internal/alloc"
	"github.com/Neuxbane/Docker/internal/compose"
	"github.com/Neuxbane/Docker/internal/discovery"
	"github.com/Neuxbane/Docker/internal/domain"
	"github.com/Neuxbane/Docker/internal/mapper"
)

const defaultInterval = 5 * time.Second

// StatusProber reports which services of a project are currently running.
type StatusProber interface {
	RunningServices(ctx context.Context, projectDir string) (map[string]struct{}, error)
}

// TerminalCounter exposes the number of live PTY sessions.
type TerminalCounter interface {
	Active() int
}

// Reconciler periodically scans every project, resolves duplicate host
// ports and static IPs, rewrites manifests and emits the derived mapper.
type Reconciler struct {
	finder    *discovery.Finder
	store     *mapper.Store
	status    StatusProber
	terminals TerminalCounter
	logger    *slog.Logger

	interval       time.Duration
	defaultNetwork string
	subnetBase     string

	requests chan struct{}
	inFlight atomic.Bool
	now      func() time.Time
	onChange func()
}

// Options configures a Reconciler.
type Options struct {
	Interval       time.Duration
	DefaultNetwork string
	SubnetBase     string
}

// New constructs a Reconciler.
func New(finder *discovery.Finder, store *mapper.Store, status StatusProber, terminals TerminalCounter, logger *slog.Logger, opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "reconcile")
	}
	return &Reconciler{
		finder:         finder,
		store:          store,
		status:         status,
		terminals:      terminals,
		logger:         logger,
		interval:       interval,
		defaultNetwork: opts.DefaultNetwork,
		subnetBase:     opts.SubnetBase,
		requests:       make(chan struct{}, 1),
		now:            time.Now,
	}
}

// OnMapperChange registers a hook invoked after a pass that changed the
// mapper, used to notify subscribed dashboard clients.
func (r *Reconciler) OnMapperChange(fn func()) {
	r.onChange = fn
}

// Request asks for an immediate reconcile. It never blocks; a pending
// request coalesces with the next.
func (r *Reconciler) Request() {
	select {
	case r.requests <- struct{}{}:
	default:
	}
}

// Run executes the periodic loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		case <-r.requests:
			r.tick(ctx)
		}
	}
}

// tick runs one guarded iteration: overlapping ticks are dropped and the
// whole pass is skipped while any PTY session is attached.
func (r *Reconciler) tick(ctx context.Context) {
	if r.terminals != nil && r.terminals.Active() > 0 {
		r.logger.Debug("reconcile skipped, terminals attached", "active", r.terminals.Active())
		observeTick("skipped")
		return
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		observeTick("dropped")
		return
	}
	defer r.inFlight.Store(false)

	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile failed", "error", err)
		observeTick("failed")
		return
	}
	observeTick("run")
}

// RunOnce performs a single full reconcile pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	start := r.now()

	dirs, err := r.finder.Projects()
	if err != nil {
		return err
	}

	manifests := make(map[string]*compose.Manifest, len(dirs))
	ordered := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		m, err := compose.Load(r.finder.ManifestPath(dir))
		if err != nil {
			// the project sits out this tick, everyone else proceeds
			r.logger.Warn("manifest excluded from tick", "project", dir, "error", err)
			continue
		}
		manifests[dir] = m
		ordered = append(ordered, dir)
	}

	c := takeCensus(ordered, manifests)

	writes := 0
	for _, dir := range ordered {
		changed, err := r.fixProject(dir, manifests[dir], c)
		if err != nil {
			r.logger.Warn("manifest write failed", "project", dir, "error", err)
			delete(manifests, dir)
			continue
		}
		if changed {
			writes++
		}
	}

	snap := r.buildSnapshot(ctx, ordered, manifests)
	mapperChanged, err := r.store.Update(snap)
	if err != nil {
		return err
	}
	if mapperChanged && r.onChange != nil {
		r.onChange()
	}

	r.logger.Debug("reconcile pass complete",
		"projects", len(ordered),
		"writes", writes,
		"mapper_changed", mapperChanged,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// fixProject resolves duplicates for one project and conditionally writes
// the manifest. Singletons are never touched so stable layouts stay
// bit-identical across ticks.
func (r *Reconciler) fixProject(dir string, m *compose.Manifest, c *census) (bool, error) {
	for _, name := range m.ServiceOrder {
		svc := m.Services[name]
		for i := range svc.Ports {
			port := &svc.Ports[i]
			if port.HostPort == 0 || c.ports[port.HostPort] <= 1 {
				continue
			}
			next := alloc.NextHostPort(c.ports)
			if next == 0 {
				r.logger.Error("host port space exhausted", "project", dir, "service", name)
				continue
			}
			r.logger.Info("duplicate host port reassigned",
				"project", dir, "service", name, "old", port.HostPort, "new", next)
			c.ports[port.HostPort]--
			c.ports[next]++
			port.HostPort = next
		}
		for _, netName := range svc.NetworkOrder {
			att := svc.Networks[netName]
			if att == nil || att.IPv4 == "" || c.pairs[netName+"|"+att.IPv4] <= 1 {
				continue
			}
			base, ok := alloc.SubnetBase(att.IPv4)
			if !ok {
				base = r.subnetBase
			}
			next, err := alloc.NextIPv4(base, c.ips)
			if err != nil {
				r.logger.Error("static ip reassignment failed",
					"project", dir, "service", name, "network", netName, "error", err)
				continue
			}
			r.logger.Info("duplicate static ip reassigned",
				"project", dir, "service", name, "network", netName, "old", att.IPv4, "new", next)
			c.pairs[netName+"|"+att.IPv4]--
			c.ips[att.IPv4]--
			c.pairs[netName+"|"+next]++
			c.ips[next]++
			att.IPv4 = next
		}
	}

	data, err := m.Serialize(r.defaultNetwork)
	if err != nil {
		return false, err
	}
	return compose.WriteIfChanged(m.Path, data)
}

func (r *Reconciler) buildSnapshot(ctx context.Context, ordered []string, manifests map[string]*compose.Manifest) mapper.Snapshot {
	collisions := composeNameCollisions(ordered)

	snap := make(mapper.Snapshot, len(manifests))
	for _, dir := range ordered {
		m, ok := manifests[dir]
		if !ok {
			continue
		}
		composeName := domain.ComposeProjectName(dir)
		entry := &mapper.Entry{
			ManifestFile: m.Path,
			ComposeName:  composeName,
			Services:     make(map[string]mapper.ServiceRecord, len(m.Services)),
		}
		if collisions[composeName] > 1 {
			entry.NameCollision = true
			r.logger.Error("compose project name collision", "project", dir, "name", composeName)
		}

		running, statusKnown := r.queryStatus(ctx, dir)
		for name, svc := range m.Services {
			status := domain.StatusUnknown
			if statusKnown {
				if _, up := running[name]; up {
					status = domain.StatusRunning
				} else {
					status = domain.StatusStopped
				}
			}
			entry.Services[name] = mapper.ServiceRecord{Definition: svc, Status: status}
		}
		snap[dir] = entry
	}
	return snap
}

func (r *Reconciler) queryStatus(ctx context.Context, dir string) (map[string]struct{}, bool) {
	if r.status == nil {
		return nil, false
	}
	running, err := r.status.RunningServices(ctx, dir)
	if err != nil {
		r.logger.Debug("status query failed", "project", dir, "error", err)
		return nil, false
	}
	return running, true
}

func composeNameCollisions(dirs []string) map[string]int {
	counts := make(map[string]int, len(dirs))
	for _, dir := range dirs {
		counts[domain.ComposeProjectName(dir)]++
	}
	return counts
}

// census counts allocations for one tick. It is taken before any fix and
// updated as each duplicate is reassigned.
type census struct {
	ports map[int]int    // host port -> multiplicity
	pairs map[string]int // "network|ip" -> multiplicity
	ips   map[string]int // ip -> multiplicity, for allocation
}

func takeCensus(ordered []string, manifests map[string]*compose.Manifest) *census {
	c := &census{
		ports: make(map[int]int),
		pairs: make(map[string]int),
		ips:   make(map[string]int),
	}
	for _, dir := range ordered {
		m := manifests[dir]
		for _, name := range m.ServiceOrder {
			svc := m.Services[name]
			for _, p := range svc.Ports {
				if p.HostPort > 0 {
					c.ports[p.HostPort]++
				}
			}
			for _, netName := range svc.NetworkOrder {
				if att := svc.Networks[netName]; att != nil && att.IPv4 != "" {
					c.pairs[netName+"|"+att.IPv4]++
					c.ips[att.IPv4]++
				}
			}
		}
	}
	return c
}
