package domain

import "github.com/docker/go-connections/nat"

// Port bindings the stand image is expected to publish.
const (
	AgentPortBinding  = "8082/tcp" // in-container control agent
	PublicPortBinding = "8080/tcp" // application server
)

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	State string `json:"state"` // running, exited, etc.
}

// ContainerState is the part of a container inspect the core cares about:
// whether it runs and which host ports it published.
type ContainerState struct {
	Running bool
	Ports   nat.PortMap
}

// HostPort resolves the host port a container port is published on.
// It returns false when the binding is absent or empty.
func (s ContainerState) HostPort(binding nat.Port) (string, bool) {
	bindings, ok := s.Ports[binding]
	if !ok || len(bindings) == 0 || bindings[0].HostPort == "" {
		return "", false
	}
	return bindings[0].HostPort, true
}
