package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/core/ports"
	"go.uber.org/zap"
)

// Stand is one managed container together with the lifecycle state
// learned about it. Two locks with distinct jobs: opMu serializes the
// mutating operations (start, stop, queued tasks, the idle-stop timer),
// stateMu only guards field access so refresh and snapshots stay cheap
// while a long operation holds opMu.
type Stand struct {
	Name string

	runtime     ports.ContainerRuntime
	agent       ports.AgentClient
	agentHost   string
	stopTimeout time.Duration
	log         *zap.SugaredLogger

	// opMu is the stand's operation lock. Queue workers and the facade
	// acquire it for every mutating operation.
	opMu sync.Mutex

	stateMu       sync.Mutex
	lastDiscovery time.Time
	running       bool
	agentPort     string
	publicPort    string
	dbAddr        string
	report        *domain.AgentReport
	queue         *destinationQueue
	stopTimer     *time.Timer
	stopGen       uint64
}

func newStand(name string, runtime ports.ContainerRuntime, agent ports.AgentClient, agentHost string, stopTimeout time.Duration, log *zap.SugaredLogger) *Stand {
	return &Stand{
		Name:        name,
		runtime:     runtime,
		agent:       agent,
		agentHost:   agentHost,
		stopTimeout: stopTimeout,
		log:         log.With("stand", name),
	}
}

// Refresh reads the container state and, when it runs, the agent's status
// report. It never changes what the container actually does, only the
// stand's view of it. The learned database address survives a stop so the
// queue binding stays stable for the stand's lifetime.
func (s *Stand) Refresh(ctx context.Context) error {
	state, err := s.runtime.InspectContainer(ctx, s.Name)
	if err != nil {
		return err
	}

	if !state.Running {
		s.stateMu.Lock()
		s.running = false
		s.report = nil
		s.stateMu.Unlock()
		return nil
	}

	agentPort, okAgent := state.HostPort(nat.Port(domain.AgentPortBinding))
	publicPort, okPublic := state.HostPort(nat.Port(domain.PublicPortBinding))
	if !okAgent || !okPublic {
		s.log.Warnw("container has unbound ports, cannot use it")
		s.stateMu.Lock()
		s.running = true
		s.agentPort = ""
		s.publicPort = ""
		s.report = nil
		s.stateMu.Unlock()
		return nil
	}

	s.stateMu.Lock()
	s.running = true
	s.agentPort = agentPort
	s.publicPort = publicPort
	s.stateMu.Unlock()

	body, err := s.callAgent(ctx, domain.ActionStatus, domain.StatusTimeout)
	if err != nil {
		return fmt.Errorf("stand %s: status query failed: %w", s.Name, err)
	}
	var report domain.AgentReport
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("stand %s: malformed status report: %w", s.Name, err)
	}

	s.stateMu.Lock()
	s.report = &report
	if report.DBAddr != "" {
		s.dbAddr = report.DBAddr
	}
	s.stateMu.Unlock()
	return nil
}

// Start starts the container and waits for the application server to come
// up. Public entry point for the facade; queued operations use startOp
// under an already-held operation lock.
func (s *Stand) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startOp(ctx)
}

// Stop stops the application server through the agent. The container is
// left in place, idle.
func (s *Stand) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopOp(ctx)
}

func (s *Stand) startOp(ctx context.Context) error {
	s.log.Infow("starting stand")

	s.stateMu.Lock()
	s.cancelStopTimer()
	if s.stopTimeout > 0 {
		gen := s.stopGen
		s.stopTimer = time.AfterFunc(s.stopTimeout, func() { s.autoStop(gen) })
	}
	s.stateMu.Unlock()

	if err := s.runtime.StartContainer(ctx, s.Name); err != nil {
		return err
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.callAgent(ctx, domain.ActionStartServer, domain.StartServerTimeout); err != nil {
		return fmt.Errorf("stand %s: server start failed: %w", s.Name, err)
	}
	return nil
}

func (s *Stand) stopOp(ctx context.Context) error {
	s.log.Infow("stopping stand")

	s.stateMu.Lock()
	s.cancelStopTimer()
	s.stateMu.Unlock()

	if _, err := s.callAgent(ctx, domain.ActionStopServer, domain.StopServerTimeout); err != nil {
		return fmt.Errorf("stand %s: server stop failed: %w", s.Name, err)
	}
	return nil
}

// backupOp backs up the stand's database. The server must prove it is
// healthy first so a broken stand is never backed up over a good dump.
func (s *Stand) backupOp(ctx context.Context) error {
	s.log.Infow("backup started")
	if err := s.startOp(ctx); err != nil {
		return err
	}
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	if _, err := s.callAgent(ctx, domain.ActionCheckServer, domain.ServerReadyTimeout); err != nil {
		return fmt.Errorf("stand %s: server never became ready, backup aborted: %w", s.Name, err)
	}
	if _, err := s.callAgent(ctx, domain.ActionBackup, domain.BackupTimeout); err != nil {
		return fmt.Errorf("stand %s: backup failed: %w", s.Name, err)
	}
	if err := s.stopOp(ctx); err != nil {
		return err
	}
	s.log.Infow("backup completed")
	return nil
}

// updateOp rebuilds the stand's application from the current test build
// and verifies it starts.
func (s *Stand) updateOp(ctx context.Context) error {
	s.log.Infow("update started")
	if err := s.startOp(ctx); err != nil {
		return err
	}
	if _, err := s.callAgent(ctx, domain.ActionBuildUpdate, domain.UpdateTimeout); err != nil {
		return fmt.Errorf("stand %s: update failed: %w", s.Name, err)
	}
	if _, err := s.callAgent(ctx, domain.ActionCheckServer, domain.ServerReadyTimeout); err != nil {
		return fmt.Errorf("stand %s: server not ready after update: %w", s.Name, err)
	}
	if err := s.stopOp(ctx); err != nil {
		return err
	}
	s.log.Infow("update completed")
	return nil
}

// backupAndUpdateOp runs backup then update; a failed backup prevents the
// update from touching the stand.
func (s *Stand) backupAndUpdateOp(ctx context.Context) error {
	if err := s.backupOp(ctx); err != nil {
		return err
	}
	return s.updateOp(ctx)
}

// Logs reads the stand's container log. tail is a line count or "all";
// anything unparsable falls back to 150 lines.
func (s *Stand) Logs(ctx context.Context, tail string) ([]byte, error) {
	if tail != "all" {
		if _, err := strconv.Atoi(tail); err != nil {
			tail = "150"
		}
	}
	s.log.Debugw("reading stand log", "tail", tail)
	return s.runtime.ContainerLogs(ctx, s.Name, tail)
}

// autoStop fires from the idle-stop timer. The generation captured at arm
// time is re-checked after the operation lock is acquired: a concurrent
// explicit stop or restart bumps the generation and turns a stale timer
// into a no-op instead of a second stop.
func (s *Stand) autoStop(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stateMu.Lock()
	stale := s.stopGen != gen
	s.stateMu.Unlock()
	if stale {
		return
	}

	s.log.Infow("stopping stand by idle timeout")
	if err := s.stopOp(context.Background()); err != nil {
		s.log.Warnw("idle-timeout stop failed", "error", err)
	}
}

// cancelStopTimer invalidates any armed idle-stop. Callers hold stateMu.
func (s *Stand) cancelStopTimer() {
	s.stopGen++
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
}

func (s *Stand) callAgent(ctx context.Context, action string, timeout time.Duration) ([]byte, error) {
	s.stateMu.Lock()
	port := s.agentPort
	s.stateMu.Unlock()
	if port == "" {
		return nil, fmt.Errorf("stand %s has no agent port binding", s.Name)
	}
	target := ports.AgentTarget{Container: s.Name, Host: s.agentHost, Port: port}
	return s.agent.Call(ctx, target, action, timeout)
}

// discoveryDue reports whether enough time has passed since the last
// destination probe to try again.
func (s *Stand) discoveryDue(window time.Duration) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return time.Since(s.lastDiscovery) >= window
}

// markDiscovery records that a destination probe ran, successful or not.
func (s *Stand) markDiscovery() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastDiscovery = time.Now()
}

// DBAddr returns the stand's destination address, empty until discovered.
func (s *Stand) DBAddr() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.dbAddr
}

func (s *Stand) destinationQueue() *destinationQueue {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.queue
}

func (s *Stand) bindQueue(q *destinationQueue) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.queue = q
}

// Snapshot returns an immutable view of the stand for reporting.
func (s *Stand) Snapshot() domain.StandInfo {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	info := domain.StandInfo{
		Name:       s.Name,
		Running:    s.running,
		AgentPort:  s.agentPort,
		PublicPort: s.publicPort,
		DBAddr:     s.dbAddr,
	}
	if s.report != nil {
		info.ExitCode = s.report.ExitCode
		info.LastTask = s.report.LastTask
		info.LastError = s.report.LastError
		info.ActiveTask = s.report.ActiveTask
		info.Version = s.report.Version
	}
	if s.running && s.agentPort == "" {
		// Required port bindings missing: the container runs but cannot
		// be asked anything.
		info.ServerStatus = domain.ServerUnknown
	} else {
		info.ServerStatus = domain.DeriveServerStatus(s.running, info.ExitCode)
	}
	return info
}
