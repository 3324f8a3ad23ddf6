package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/core/ports"
	"go.uber.org/zap"
)

// statusNotReady is the placeholder status the agent's embedded server
// answers with while it is up but not yet able to serve requests.
const statusNotReady = 599

const (
	defaultRetryAttempts = 15
	defaultRetryInterval = time.Second
)

// Client implements ports.AgentClient over plain HTTP. Right after a
// container starts its agent may refuse connections for a while; Call
// hides that behind a bounded retry loop. The runtime is consulted once,
// after the retries are exhausted, to tell a stopped container apart from
// a hung agent.
type Client struct {
	runtime ports.ContainerRuntime
	http    *http.Client
	log     *zap.SugaredLogger

	retryAttempts int
	retryInterval time.Duration
}

func NewClient(runtime ports.ContainerRuntime, log *zap.SugaredLogger) *Client {
	return &Client{
		runtime:       runtime,
		http:          &http.Client{},
		log:           log,
		retryAttempts: defaultRetryAttempts,
		retryInterval: defaultRetryInterval,
	}
}

// Call performs one synchronous agent action and returns the response
// body. Connection failures, per-attempt timeouts and the not-ready
// placeholder status are retried; any other non-2xx answer fails right
// away with *domain.AgentStatusError.
func (c *Client) Call(ctx context.Context, target ports.AgentTarget, action string, timeout time.Duration) ([]byte, error) {
	url := fmt.Sprintf("http://%s/%s?sync=1", net.JoinHostPort(target.Host, target.Port), action)
	c.log.Debugw("agent request", "container", target.Container, "url", url, "timeout", timeout)

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retry, err := c.attempt(ctx, url, action, timeout)
		if err == nil {
			return body, nil
		}
		if !retry {
			return nil, err
		}
		c.log.Debugw("agent not ready", "container", target.Container, "action", action, "attempt", attempt+1, "reason", err)
	}

	// The agent never answered. Ask the runtime whether the container is
	// even running: someone may have stopped it from outside.
	state, err := c.runtime.InspectContainer(ctx, target.Container)
	if err != nil {
		return nil, fmt.Errorf("container %s: agent unreachable and inspect failed: %w", target.Container, err)
	}
	if !state.Running {
		return nil, fmt.Errorf("container %s: %w", target.Container, domain.ErrContainerStopped)
	}
	return nil, fmt.Errorf("container %s: %w", target.Container, domain.ErrAgentUnavailable)
}

// attempt performs a single HTTP round trip. The second return value
// reports whether the failure is a transient not-ready condition worth
// retrying.
func (c *Client) attempt(ctx context.Context, url, action string, timeout time.Duration) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build agent request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The encompassing operation was cancelled, not the attempt.
			return nil, false, ctx.Err()
		}
		// Connection refused/reset while the agent is coming up, or the
		// per-attempt timeout. Both are not-ready conditions.
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode == statusNotReady {
		return nil, true, errors.New("agent answered with placeholder timeout status")
	}
	if resp.StatusCode >= 300 {
		return nil, false, &domain.AgentStatusError{Action: action, Status: resp.StatusCode, Body: string(body)}
	}
	return body, false, nil
}
