package dockerx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/Neuxbane/Docker/internal/domain"
)

const opTimeout = 20 * time.Second

// networks managed by the engine itself; they cannot be edited or removed
var builtinNetworks = map[string]struct{}{
	"bridge": {},
	"host":   {},
	"none":   {},
}

// Client wraps the Docker SDK for network, image and container operations.
type Client struct {
	inner  *client.Client
	logger *slog.Logger
}

// New creates a Docker client using environment defaults.
func New(logger *slog.Logger) (*Client, error) {
	inner, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger != nil {
		logger = logger.With("component", "docker")
	}
	return &Client{inner: inner, logger: logger}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Ping validates daemon connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.inner.Ping(ctx)
	return err
}

// NetworkInfo is the enriched view of one container network.
type NetworkInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Driver  string `json:"driver"`
	Subnet  string `json:"subnet,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	Builtin bool   `json:"builtin"`
}

// ListNetworks returns all networks enriched via inspect.
func (c *Client) ListNetworks(ctx context.Context) ([]NetworkInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	summaries, err := c.inner.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	infos := make([]NetworkInfo, 0, len(summaries))
	for _, summary := range summaries {
		info := NetworkInfo{
			ID:     summary.ID,
			Name:   summary.Name,
			Driver: summary.Driver,
		}
		_, info.Builtin = builtinNetworks[summary.Name]
		if inspected, err := c.inner.NetworkInspect(ctx, summary.ID, types.NetworkInspectOptions{}); err == nil {
			for _, cfg := range inspected.IPAM.Config {
				info.Subnet = cfg.Subnet
				info.Gateway = cfg.Gateway
				break
			}
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// InspectNetwork returns one network's info by name.
func (c *Client) InspectNetwork(ctx context.Context, name string) (NetworkInfo, error) {
	networks, err := c.ListNetworks(ctx)
	if err != nil {
		return NetworkInfo{}, err
	}
	for _, n := range networks {
		if n.Name == name {
			return n, nil
		}
	}
	return NetworkInfo{}, domain.NotFoundf("network %s", name)
}

// CreateNetwork creates a bridge network, optionally with a static subnet.
func (c *Client) CreateNetwork(ctx context.Context, name, subnet, gateway string) error {
	if strings.TrimSpace(name) == "" {
		return domain.Validationf("network name is required")
	}
	if _, builtin := builtinNetworks[name]; builtin {
		return domain.Conflictf("builtin network %q cannot be modified", name)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := types.NetworkCreate{Driver: "bridge"}
	if subnet != "" {
		cfg := network.IPAMConfig{Subnet: subnet}
		if gateway != "" {
			cfg.Gateway = gateway
		}
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{cfg}}
	}
	if _, err := c.inner.NetworkCreate(ctx, name, opts); err != nil {
		if errdefs.IsConflict(err) {
			return domain.Conflictf("network %q already exists", name)
		}
		return fmt.Errorf("create network %s: %w", name, err)
	}
	c.logger.Info("network created", "network", name, "subnet", subnet)
	return nil
}

// RemoveNetwork deletes a non-builtin network by name.
func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if _, builtin := builtinNetworks[name]; builtin {
		return domain.Conflictf("builtin network %q cannot be removed", name)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.inner.NetworkRemove(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.NotFoundf("network %s", name)
		}
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	c.logger.Info("network removed", "network", name)
	return nil
}

// UpdateNetwork recreates a network with new IPAM settings. The engine
// has no in-place network update, so remove-and-create is the protocol.
func (c *Client) UpdateNetwork(ctx context.Context, name, subnet, gateway string) error {
	if err := c.RemoveNetwork(ctx, name); err != nil {
		return err
	}
	return c.CreateNetwork(ctx, name, subnet, gateway)
}

// ImageInfo is one local image.
type ImageInfo struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
	Size int64    `json:"size"`
}

// ListImages returns the local image inventory.
func (c *Client) ListImages(ctx context.Context) ([]ImageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	summaries, err := c.inner.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	infos := make([]ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, ImageInfo{ID: s.ID, Tags: s.RepoTags, Size: s.Size})
	}
	return infos, nil
}

// PullImage pulls ref from its registry, draining progress output.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return domain.Validationf("image reference is required")
	}
	reader, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	c.logger.Info("image pulled", "ref", ref)
	return nil
}

// DeleteImage removes a local image by reference or id.
func (c *Client) DeleteImage(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.NotFoundf("image %s", ref)
		}
		return fmt.Errorf("remove image %s: %w", ref, err)
	}
	c.logger.Info("image removed", "ref", ref)
	return nil
}

// RemoveContainer force-removes a container by id.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.NotFoundf("container %s", id)
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// SignalContainer sends a signal to a named container.
func (c *Client) SignalContainer(ctx context.Context, name, signal string) error {
	if err := c.inner.ContainerKill(ctx, name, signal); err != nil {
		if errdefs.IsNotFound(err) {
			return domain.NotFoundf("container %s", name)
		}
		return err
	}
	return nil
}
