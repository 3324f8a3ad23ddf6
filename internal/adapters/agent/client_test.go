package agent

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/core/ports"
	"go.uber.org/zap"
)

// inspectRuntime answers only the authoritative inspect the client falls
// back to after exhausting its retries.
type inspectRuntime struct {
	running bool
}

func (r *inspectRuntime) ListContainers(ctx context.Context, ancestorImage string) ([]domain.ContainerSummary, error) {
	return nil, nil
}

func (r *inspectRuntime) InspectContainer(ctx context.Context, name string) (domain.ContainerState, error) {
	return domain.ContainerState{Running: r.running}, nil
}

func (r *inspectRuntime) StartContainer(ctx context.Context, name string) error { return nil }

func (r *inspectRuntime) ContainerLogs(ctx context.Context, name string, tail string) ([]byte, error) {
	return nil, nil
}

func testClient(runtime ports.ContainerRuntime) *Client {
	c := NewClient(runtime, zap.NewNop().Sugar())
	c.retryInterval = 5 * time.Millisecond
	return c
}

func targetFor(t *testing.T, serverURL string) ports.AgentTarget {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	return ports.AgentTarget{Container: "alpha", Host: host, Port: port}
}

func TestCallRetriesNotReadyStatus(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/engine_status", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("sync"))
		if requests.Add(1) < 3 {
			w.WriteHeader(599)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(&inspectRuntime{running: true})
	body, err := c.Call(context.Background(), targetFor(t, srv.URL), domain.ActionStatus, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Equal(t, int32(3), requests.Load())
}

func TestCallAgentUnavailableWhenContainerRuns(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(599)
	}))
	defer srv.Close()

	c := testClient(&inspectRuntime{running: true})
	_, err := c.Call(context.Background(), targetFor(t, srv.URL), domain.ActionCheckServer, time.Second)
	// Still running, agent just never answered: unavailable, not stopped.
	require.ErrorIs(t, err, domain.ErrAgentUnavailable)
	assert.NotErrorIs(t, err, domain.ErrContainerStopped)
	assert.Equal(t, int32(defaultRetryAttempts), requests.Load())
}

func TestCallContainerStoppedUnexpectedly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := targetFor(t, srv.URL)
	srv.Close() // every attempt now fails with connection refused

	c := testClient(&inspectRuntime{running: false})
	_, err := c.Call(context.Background(), target, domain.ActionStatus, time.Second)
	require.ErrorIs(t, err, domain.ErrContainerStopped)
}

func TestCallPropagatesAgentErrorStatus(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "broken infrastructure", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(&inspectRuntime{running: true})
	_, err := c.Call(context.Background(), targetFor(t, srv.URL), domain.ActionBackup, time.Second)
	require.Error(t, err)

	// No retries: a real error status is not a not-ready condition.
	assert.Equal(t, int32(1), requests.Load())
	assert.True(t, domain.IsInfrastructureError(err))
	var statusErr *domain.AgentStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
}

func TestCallCancelledByCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(599)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := testClient(&inspectRuntime{running: true})
	_, err := c.Call(ctx, targetFor(t, srv.URL), domain.ActionStatus, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
