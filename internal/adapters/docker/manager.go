package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/manthysbr/quickloan-kb/internal/core/domain"
	"github.com/manthysbr/quickloan-kb/internal/core/ports"
)

// ComposeProjectLabel selects the containers of one docker compose project.
const ComposeProjectLabel = "com.docker.compose.project"

// containerLister is the part of the Docker API the inspector uses.
type containerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Manager reports the runtime state of the platform's containers.
type Manager struct {
	cli     containerLister
	project string
}

// NewManager creates a Docker-backed inspector. project, when set, limits
// results to one compose project.
func NewManager(project string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli, project: project}, nil
}

// Ensure Manager implements PlatformInspector
var _ ports.PlatformInspector = (*Manager)(nil)

// ListServices lists platform containers, running or not, sorted by name.
func (m *Manager) ListServices(ctx context.Context, nameFilter string) ([]domain.ServiceStatus, error) {
	f := map[string]string{}
	if m.project != "" {
		f["label"] = ComposeProjectLabel + "=" + m.project
	}
	if nameFilter != "" {
		f["name"] = nameFilter
	}

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: makeFilters(f),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	services := make([]domain.ServiceStatus, 0, len(containers))
	for _, c := range containers {
		services = append(services, domain.ServiceStatus{
			Name:      serviceName(c),
			Image:     c.Image,
			Status:    healthOf(string(c.State), c.Status),
			State:     string(c.State),
			CreatedAt: time.Unix(c.Created, 0),
			Labels:    c.Labels,
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// serviceName prefers the compose service label over the container name.
func serviceName(c container.Summary) string {
	if s := c.Labels["com.docker.compose.service"]; s != "" {
		return s
	}
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// healthOf maps the engine state and status text ("Up 2 hours (healthy)") to a HealthStatus.
func healthOf(state, status string) domain.HealthStatus {
	switch state {
	case "running":
		switch {
		case strings.Contains(status, "(unhealthy)"):
			return domain.HealthStatusUnhealthy
		case strings.Contains(status, "(health: starting)"):
			return domain.HealthStatusStarting
		default:
			return domain.HealthStatusHealthy
		}
	case "created", "restarting":
		return domain.HealthStatusStarting
	case "exited", "dead":
		return domain.HealthStatusExited
	case "paused", "removing":
		return domain.HealthStatusUnhealthy
	}
	return domain.HealthStatusUnknown
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
