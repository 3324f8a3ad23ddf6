package ports

import (
	"context"

	"github.com/tandemtools/standman/internal/core/domain"
)

// ContainerRuntime is the container-runtime collaborator. All calls block;
// callers are expected to bound them with the context. Stopping a stand is
// deliberately absent: stands are stopped through the agent, never through
// the runtime.
type ContainerRuntime interface {
	// ListContainers lists all containers (running or not) built from the
	// given ancestor image.
	ListContainers(ctx context.Context, ancestorImage string) ([]domain.ContainerSummary, error)
	// InspectContainer returns the running flag and published ports of a
	// container addressed by name.
	InspectContainer(ctx context.Context, name string) (domain.ContainerState, error)
	// StartContainer starts an existing, stopped container.
	StartContainer(ctx context.Context, name string) error
	// ContainerLogs returns the last tail lines of a container's log, or
	// everything when tail is "all".
	ContainerLogs(ctx context.Context, name string, tail string) ([]byte, error)
}
