package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tandemtools/standman/internal/core/domain"
	"github.com/tandemtools/standman/internal/core/ports"
	"github.com/tandemtools/standman/internal/metrics"
	"go.uber.org/zap"
)

// listTimeout guards container listing against a docker daemon that is
// busy with a long copy and stalls status queries
// (https://github.com/moby/moby/issues/29058). On timeout the previous
// snapshot is served unchanged.
const listTimeout = 5 * time.Second

// discoveryRetryInterval spaces out destination probes for stands whose
// discovery keeps failing. Reconcile runs on every request; without the
// backoff a stopped stand with a broken agent would be started and sit
// through the full agent retry window on each call.
const discoveryRetryInterval = time.Minute

// Options configures an Engine.
type Options struct {
	// DomainName is the address the in-container agents are reachable on
	// from this process, normally the docker bridge address of the host.
	DomainName string
	// Image is the ancestor image identifying stand containers.
	Image string
	// MaxActiveStands caps how many stands may run at the same time.
	MaxActiveStands int
	// StopTimeout is the idle window after which a started stand is shut
	// down again. Zero disables the auto-stop.
	StopTimeout time.Duration
	// ReconcileInterval is the period of the background reconcile loop.
	ReconcileInterval time.Duration
}

// Engine is the orchestration facade: it owns the stand registry and the
// destination queues and exposes the command/query API the presentation
// layer consumes.
type Engine struct {
	runtime ports.ContainerRuntime
	agent   ports.AgentClient
	opts    Options
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// workerCtx outlives request contexts; queued tasks run under it.
	workerCtx context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	stands map[string]*Stand
	queues map[string]*destinationQueue
}

func New(runtime ports.ContainerRuntime, agent ports.AgentClient, opts Options, log *zap.SugaredLogger, m *metrics.Metrics) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		runtime:   runtime,
		agent:     agent,
		opts:      opts,
		log:       log,
		metrics:   m,
		workerCtx: ctx,
		cancel:    cancel,
		stands:    make(map[string]*Stand),
		queues:    make(map[string]*destinationQueue),
	}
}

// Run reconciles immediately and then periodically until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	if _, err := e.Reconcile(ctx); err != nil {
		e.log.Errorw("initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(e.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				e.log.Warnw("periodic reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the queue workers. Pending tasks are discarded; the state
// they describe is rebuilt from the runtime on next start anyway.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		q.close()
	}
}

// Reconcile aligns the registry with the container runtime's current
// list and returns a snapshot of the registry. Stands seen for the first
// time get their destination discovered and a queue assigned; stands
// whose container disappeared are dropped (their queue stays, other
// stands may share it).
func (e *Engine) Reconcile(ctx context.Context) (map[string]*Stand, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	summaries, err := e.runtime.ListContainers(listCtx, e.opts.Image)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.Debugw("cannot update stand list, runtime request timed out")
			return e.snapshot(), nil
		}
		return nil, fmt.Errorf("reconciliation failed: %w", err)
	}

	current := make(map[string]struct{}, len(summaries))
	for _, c := range summaries {
		if c.Name != "" {
			current[c.Name] = struct{}{}
		}
	}

	e.mu.Lock()
	for name := range e.stands {
		if _, ok := current[name]; !ok {
			e.log.Infow("stand disappeared from runtime", "stand", name)
			delete(e.stands, name)
		}
	}
	for name := range current {
		if _, ok := e.stands[name]; !ok {
			// Registered before any blocking call so a concurrent
			// reconciliation cannot create the same stand twice.
			e.log.Infow("new stand discovered", "stand", name)
			e.stands[name] = newStand(name, e.runtime, e.agent, e.opts.DomainName, e.opts.StopTimeout, e.log)
		}
	}
	e.metrics.StandsTracked.Set(float64(len(e.stands)))
	stands := e.snapshotLocked()
	e.mu.Unlock()

	for _, s := range stands {
		if s.destinationQueue() == nil && s.discoveryDue(discoveryRetryInterval) {
			e.assignQueue(ctx, s)
		}
	}
	return stands, nil
}

// assignQueue learns which database destination a stand uses and binds it
// to that destination's queue, creating queue and worker on first sight
// of the destination. A stopped stand is started just long enough to ask
// and stopped again; discovery must not leave extra stands running.
func (e *Engine) assignQueue(ctx context.Context, s *Stand) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.destinationQueue() != nil {
		return
	}
	s.markDiscovery()
	if err := s.Refresh(ctx); err != nil {
		e.log.Warnw("cannot refresh stand for destination discovery", "stand", s.Name, "error", err)
		return
	}

	if s.DBAddr() == "" {
		info := s.Snapshot()
		if info.Running {
			// Running but the status report yielded no destination, e.g.
			// unbound ports. Retried on the next reconciliation.
			e.log.Warnw("running stand reports no destination", "stand", s.Name)
			return
		}
		if err := s.startOp(ctx); err != nil {
			e.log.Warnw("cannot start stand for destination discovery", "stand", s.Name, "error", err)
			return
		}
		if err := s.Refresh(ctx); err != nil {
			e.log.Warnw("cannot query freshly started stand", "stand", s.Name, "error", err)
			return
		}
		if err := s.stopOp(ctx); err != nil {
			e.log.Warnw("cannot stop stand after destination discovery", "stand", s.Name, "error", err)
		}
	}

	addr := s.DBAddr()
	if addr == "" {
		e.log.Warnw("destination discovery yielded no address", "stand", s.Name)
		return
	}

	e.mu.Lock()
	q, ok := e.queues[addr]
	if !ok {
		q = newDestinationQueue(addr, e.log, e.metrics)
		e.queues[addr] = q
		go q.work(e.workerCtx)
	}
	e.mu.Unlock()

	s.bindQueue(q)
	e.log.Infow("stand bound to destination queue", "stand", s.Name, "destination", addr)
}

// RefreshAll reconciles and refreshes every known stand concurrently.
func (e *Engine) RefreshAll(ctx context.Context) (map[string]*Stand, error) {
	stands, err := e.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, s := range stands {
		wg.Add(1)
		go func(s *Stand) {
			defer wg.Done()
			if err := s.Refresh(ctx); err != nil {
				e.log.Warnw("stand refresh failed", "stand", s.Name, "error", err)
			}
		}(s)
	}
	wg.Wait()

	running := 0
	for _, s := range stands {
		info := s.Snapshot()
		if info.Running && info.ExitCode == nil {
			running++
		}
	}
	e.metrics.StandsRunning.Set(float64(running))
	return stands, nil
}

// checkCapacity admits a new start only while fewer than the configured
// maximum of stands have a live application server. A running container
// whose server already exited does not count.
func (e *Engine) checkCapacity(ctx context.Context) error {
	stands, err := e.RefreshAll(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, s := range stands {
		info := s.Snapshot()
		if info.Running && info.ExitCode == nil {
			active++
		}
	}
	if active >= e.opts.MaxActiveStands {
		e.metrics.StartsRejected.Inc()
		return fmt.Errorf("%d stands active, limit %d: %w", active, e.opts.MaxActiveStands, domain.ErrNoResources)
	}
	return nil
}

// resolve reconciles and looks a stand up by name.
func (e *Engine) resolve(ctx context.Context, name string) (*Stand, error) {
	stands, err := e.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := stands[name]
	if !ok {
		return nil, fmt.Errorf("stand %s: %w", name, domain.ErrStandNotFound)
	}
	return s, nil
}

// ListAndRefresh returns a fleet report sorted by stand name.
func (e *Engine) ListAndRefresh(ctx context.Context) ([]domain.StandInfo, error) {
	stands, err := e.RefreshAll(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]domain.StandInfo, 0, len(stands))
	for _, s := range stands {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Logs reads a stand's container log. tail is a line count or "all".
func (e *Engine) Logs(ctx context.Context, name, tail string) ([]byte, error) {
	s, err := e.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.Logs(ctx, tail)
}

// Start starts a stand, gated by admission control.
func (e *Engine) Start(ctx context.Context, name string) error {
	if err := e.checkCapacity(ctx); err != nil {
		return err
	}
	s, err := e.resolve(ctx, name)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// Stop stops a stand's application server.
func (e *Engine) Stop(ctx context.Context, name string) error {
	s, err := e.resolve(ctx, name)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

// BackupAll enqueues a backup for every stand onto its destination queue.
func (e *Engine) BackupAll(ctx context.Context) error {
	e.log.Infow("backup of all stands requested")
	return e.enqueueAll(ctx, "backup", func(s *Stand) func(context.Context) error { return s.backupOp })
}

// UpdateAll enqueues an update for every stand.
func (e *Engine) UpdateAll(ctx context.Context) error {
	e.log.Infow("update of all stands requested")
	return e.enqueueAll(ctx, "update", func(s *Stand) func(context.Context) error { return s.updateOp })
}

// BackupAndUpdateAll enqueues backup-then-update for every stand; a
// failed backup prevents the update.
func (e *Engine) BackupAndUpdateAll(ctx context.Context) error {
	e.log.Infow("backup and update of all stands requested")
	return e.enqueueAll(ctx, "backup_and_update", func(s *Stand) func(context.Context) error { return s.backupAndUpdateOp })
}

func (e *Engine) enqueueAll(ctx context.Context, label string, op func(*Stand) func(context.Context) error) error {
	stands, err := e.Reconcile(ctx)
	if err != nil {
		return err
	}
	if err := e.queuesIdle(); err != nil {
		return err
	}

	names := make([]string, 0, len(stands))
	for name := range stands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := stands[name]
		// The operation lock is held across the enqueue so the binding
		// cannot change under us while reconciliation assigns queues.
		s.opMu.Lock()
		q := s.destinationQueue()
		if q == nil {
			e.log.Warnw("stand has no destination queue yet, skipping", "stand", name, "task", label)
			s.opMu.Unlock()
			continue
		}
		e.log.Infow("new task", "task", label, "stand", name)
		q.enqueue(queuedTask{
			run:   op(s),
			stand: s,
			label: fmt.Sprintf("%s %s", label, name),
		})
		s.opMu.Unlock()
	}
	return nil
}

// queuesIdle rejects mass actions while any destination queue still holds
// pending work.
func (e *Engine) queuesIdle() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		if !q.empty() {
			return domain.ErrQueueBusy
		}
	}
	return nil
}

// QueueStatus reports the pending task labels per destination, in queue
// order. Observability only.
func (e *Engine) QueueStatus() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := make(map[string][]string, len(e.queues))
	for addr, q := range e.queues {
		status[addr] = q.pending()
	}
	return status
}

func (e *Engine) snapshot() map[string]*Stand {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() map[string]*Stand {
	stands := make(map[string]*Stand, len(e.stands))
	for name, s := range e.stands {
		stands[name] = s
	}
	return stands
}
