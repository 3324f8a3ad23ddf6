package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/tandemtools/standman/internal/core/domain"
)

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// NewAdapter creates a new Docker adapter instance.
func NewAdapter() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// ListContainers lists all containers built from the ancestor image,
// running or not.
func (a *Adapter) ListContainers(ctx context.Context, ancestorImage string) ([]domain.ContainerSummary, error) {
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("ancestor", ancestorImage)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var result []domain.ContainerSummary
	for _, c := range containers {
		// Use the first name if available, remove slash
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0][1:]
		}

		result = append(result, domain.ContainerSummary{
			ID:    c.ID[:12], // Short ID
			Name:  name,
			Image: c.Image,
			State: c.State,
		})
	}
	return result, nil
}

// InspectContainer returns the running flag and the published ports of a
// container addressed by name.
func (a *Adapter) InspectContainer(ctx context.Context, name string) (domain.ContainerState, error) {
	info, err := a.cli.ContainerInspect(ctx, name)
	if err != nil {
		return domain.ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	state := domain.ContainerState{}
	if info.State != nil {
		state.Running = info.State.Running
	}
	if info.NetworkSettings != nil {
		state.Ports = info.NetworkSettings.Ports
	}
	return state, nil
}

// StartContainer starts an existing container.
func (a *Adapter) StartContainer(ctx context.Context, name string) error {
	if err := a.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// ContainerLogs reads the last tail lines of a container's log. tail is a
// line count or "all".
func (a *Adapter) ContainerLogs(ctx context.Context, name string, tail string) ([]byte, error) {
	reader, err := a.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read logs of container %s: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read log stream of container %s: %w", name, err)
	}
	return data, nil
}
