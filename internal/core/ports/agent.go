package ports

import (
	"context"
	"time"
)

// AgentTarget addresses the control agent of one stand. Container is the
// container name, used for the authoritative inspect when the agent stays
// unreachable.
type AgentTarget struct {
	Container string
	Host      string
	Port      string
}

// AgentClient calls one action on a stand's in-container agent and waits
// for it to finish. Right after a container starts the agent may not
// accept connections yet; implementations retry such transient failures
// before giving up with domain.ErrAgentUnavailable or
// domain.ErrContainerStopped.
type AgentClient interface {
	Call(ctx context.Context, target AgentTarget, action string, timeout time.Duration) ([]byte, error)
}
