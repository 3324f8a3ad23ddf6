package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStandNotFound means the name did not resolve to a tracked stand
	// even after reconciliation.
	ErrStandNotFound = errors.New("stand does not exist")

	// ErrNoResources means the cap on simultaneously running stands is
	// reached and no new stand may be started.
	ErrNoResources = errors.New("no resources available")

	// ErrAgentUnavailable means the in-container agent stayed unreachable
	// for the whole retry window while the container kept running.
	ErrAgentUnavailable = errors.New("agent is not available")

	// ErrContainerStopped means the container went down while an agent
	// call was waiting for it, i.e. someone stopped it from outside.
	ErrContainerStopped = errors.New("container has stopped unexpectedly")

	// ErrQueueBusy rejects a mass action while destination queues still
	// hold pending tasks.
	ErrQueueBusy = errors.New("busy with another mass task")
)

// AgentStatusError is a non-2xx answer from the agent. Status 400 marks
// infrastructure trouble upstream of the stand (broken test build, dead
// database) and is treated as an expected operational condition.
type AgentStatusError struct {
	Action string
	Status int
	Body   string
}

func (e *AgentStatusError) Error() string {
	return fmt.Sprintf("agent action %s failed with status %d: %s", e.Action, e.Status, e.Body)
}

// IsInfrastructureError reports whether err is the agent's well-known
// bad-request answer for upstream infrastructure faults.
func IsInfrastructureError(err error) bool {
	var statusErr *AgentStatusError
	return errors.As(err, &statusErr) && statusErr.Status == 400
}
