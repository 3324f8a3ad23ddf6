package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/core/ports"
	"github.com/tandemtools/standman/internal/metrics"
	"go.uber.org/zap"
)

// fakeContainer is one container known to the fake runtime.
type fakeContainer struct {
	running   bool
	portsless bool // simulate missing port bindings
	logs      []byte
}

// fakeRuntime implements ports.ContainerRuntime in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	listErr    error
	started    []string
}

func newFakeRuntime(names ...string) *fakeRuntime {
	r := &fakeRuntime{containers: make(map[string]*fakeContainer)}
	for _, name := range names {
		r.containers[name] = &fakeContainer{running: true}
	}
	return r
}

func (r *fakeRuntime) setRunning(name string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name].running = running
}

func (r *fakeRuntime) add(name string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = &fakeContainer{running: running}
}

func (r *fakeRuntime) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
}

func (r *fakeRuntime) setListErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listErr = err
}

func (r *fakeRuntime) startedContainers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *fakeRuntime) ListContainers(ctx context.Context, ancestorImage string) ([]domain.ContainerSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var result []domain.ContainerSummary
	for name := range r.containers {
		result = append(result, domain.ContainerSummary{ID: "000000000000", Name: name, Image: ancestorImage, State: "running"})
	}
	return result, nil
}

func (r *fakeRuntime) InspectContainer(ctx context.Context, name string) (domain.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return domain.ContainerState{}, fmt.Errorf("no such container: %s", name)
	}
	state := domain.ContainerState{Running: c.running}
	if c.running && !c.portsless {
		state.Ports = nat.PortMap{
			nat.Port(domain.AgentPortBinding):  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32001"}},
			nat.Port(domain.PublicPortBinding): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32002"}},
		}
	}
	return state, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("no such container: %s", name)
	}
	c.running = true
	r.started = append(r.started, name)
	return nil
}

func (r *fakeRuntime) ContainerLogs(ctx context.Context, name string, tail string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", name)
	}
	return c.logs, nil
}

// fakeAgent implements ports.AgentClient. Reports are keyed by container
// name; onAction, when set, intercepts non-status actions.
type fakeAgent struct {
	mu       sync.Mutex
	reports  map[string]domain.AgentReport
	calls    []string
	onAction func(container, action string) error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{reports: make(map[string]domain.AgentReport)}
}

func (a *fakeAgent) setReport(container string, report domain.AgentReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports[container] = report
}

func (a *fakeAgent) actionCalls(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var containers []string
	for _, call := range a.calls {
		var container, called string
		fmt.Sscanf(call, "%s %s", &container, &called)
		if called == action {
			containers = append(containers, container)
		}
	}
	return containers
}

func (a *fakeAgent) Call(ctx context.Context, target ports.AgentTarget, action string, timeout time.Duration) ([]byte, error) {
	a.mu.Lock()
	a.calls = append(a.calls, fmt.Sprintf("%s %s", target.Container, action))
	report := a.reports[target.Container]
	hook := a.onAction
	a.mu.Unlock()

	if action == domain.ActionStatus {
		return json.Marshal(report)
	}
	if hook != nil {
		if err := hook(target.Container, action); err != nil {
			return nil, err
		}
	}
	return []byte("ok"), nil
}

func testEngine(runtime *fakeRuntime, agent *fakeAgent, opts Options) *Engine {
	if opts.DomainName == "" {
		opts.DomainName = "172.17.0.1"
	}
	if opts.Image == "" {
		opts.Image = "tandemservice/test-tools"
	}
	if opts.MaxActiveStands == 0 {
		opts.MaxActiveStands = 6
	}
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = time.Minute
	}
	return New(runtime, agent, opts, zap.NewNop().Sugar(), metrics.New(prometheus.NewRegistry()))
}
