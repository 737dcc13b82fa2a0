package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/paulgrammer/taskmaster/internal/executor"
)

const (
	RoutineWorker     = "worker"
	RoutineMonitor    = "monitor"
	RoutineSupervisor = "supervisor"
)

type Option func(*Manager)

// WithDequeueWait bounds how long the worker blocks on an empty queue before
// refreshing its heartbeat.
func WithDequeueWait(d time.Duration) Option {
	return func(m *Manager) { m.dequeueWait = d }
}

func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.monitorInterval = d }
}

func WithSupervisorInterval(d time.Duration) Option {
	return func(m *Manager) { m.supervisorInterval = d }
}

// WithStuckThreshold sets the heartbeat age after which an idle worker with
// pending jobs is reported as stuck.
func WithStuckThreshold(d time.Duration) Option {
	return func(m *Manager) { m.stuckThreshold = d }
}

func WithNotifier(n events.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithStreamer(s *LogStreamer) Option {
	return func(m *Manager) { m.streamer = s }
}

// WithScriptValidator rejects script ids at submission time.
func WithScriptValidator(validate func(script string) error) Option {
	return func(m *Manager) { m.validate = validate }
}

func WithRegistryOptions(opts ...RegistryOption) Option {
	return func(m *Manager) { m.registryOpts = append(m.registryOpts, opts...) }
}

// Manager is the orchestrator facade. It owns the registry, the single worker
// and the two watchdogs that keep the worker alive.
type Manager struct {
	registry *Registry
	runner   executor.Runner
	streamer *LogStreamer
	notifier events.Notifier
	metrics  *Metrics
	validate func(string) error

	dequeueWait        time.Duration
	monitorInterval    time.Duration
	supervisorInterval time.Duration
	stuckThreshold     time.Duration
	registryOpts       []RegistryOption

	// routinesMu serializes every start, stop and restart of a routine.
	routinesMu  sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	stopped     bool
	routines    map[string]*routine
	generations map[string]uint64
	restarts    map[string]int
	wg          sync.WaitGroup

	events chan events.Event
}

func NewManager(runner executor.Runner, opts ...Option) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}

	m := &Manager{
		runner:             runner,
		dequeueWait:        60 * time.Second,
		monitorInterval:    60 * time.Second,
		supervisorInterval: 30 * time.Second,
		stuckThreshold:     5 * time.Minute,
		routines:           make(map[string]*routine),
		generations:        make(map[string]uint64),
		restarts:           make(map[string]int),
		events:             make(chan events.Event, 256),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.dequeueWait <= 0 || m.monitorInterval <= 0 || m.supervisorInterval <= 0 || m.stuckThreshold <= 0 {
		return nil, errors.New("orchestrator intervals must be > 0")
	}
	if m.supervisorInterval >= m.monitorInterval {
		return nil, fmt.Errorf("supervisor interval %s must be shorter than monitor interval %s",
			m.supervisorInterval, m.monitorInterval)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.streamer == nil {
		m.streamer = NewLogStreamer()
	}
	m.registry = NewRegistry(append(m.registryOpts, WithObserver(observer{m}))...)
	return m, nil
}

// Start launches the worker, the monitor and the supervisor. The routines
// live until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.routinesMu.Lock()
	defer m.routinesMu.Unlock()

	if m.stopped {
		return ErrNotRunning
	}
	if m.started {
		return errors.New("orchestrator already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true

	if m.notifier != nil {
		m.wg.Add(1)
		go m.dispatch(m.ctx)
	}
	m.replaceWorkerLocked()
	m.replaceLocked(RoutineMonitor, m.monitorLoop)
	m.replaceLocked(RoutineSupervisor, m.supervisorLoop)

	slog.Info("orchestrator started",
		"dequeue_wait", m.dequeueWait.String(),
		"monitor_interval", m.monitorInterval.String(),
		"supervisor_interval", m.supervisorInterval.String(),
	)
	return nil
}

// Stop cancels every routine, terminates the running script and waits for
// the routines to exit. The job that was running ends Failed.
func (m *Manager) Stop() {
	m.routinesMu.Lock()
	if m.stopped {
		m.routinesMu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.routinesMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	slog.Info("orchestrator stopped")
}

// CreateJob registers a Pending job. It never fails.
func (m *Manager) CreateJob(scripts []string, params map[string]string) Job {
	return m.registry.Create(scripts, params)
}

// Submit validates a request, creates the job and optionally queues it.
func (m *Manager) Submit(req CreateJobRequest) (Job, error) {
	if len(req.Scripts) == 0 {
		return Job{}, fmt.Errorf("%w: at least one script is required", ErrInvalidRequest)
	}
	if m.validate != nil {
		for _, s := range req.Scripts {
			if err := m.validate(s); err != nil {
				return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
		}
	}

	job := m.CreateJob(req.Scripts, req.Params)
	if !req.Start {
		return job, nil
	}
	if err := m.StartJob(job.ID); err != nil {
		return job, err
	}
	job, _ = m.GetJob(job.ID)
	return job, nil
}

// StartJob queues a Pending job for the worker.
func (m *Manager) StartJob(id string) error {
	if err := m.registry.Enqueue(id); err != nil {
		return err
	}
	m.metrics.QueueDepth.Set(float64(m.registry.QueueDepth()))
	return nil
}

func (m *Manager) CancelJob(id string) error {
	return m.registry.Cancel(id)
}

func (m *Manager) GetJob(id string) (Job, bool) {
	return m.registry.Get(id)
}

func (m *Manager) ListActiveJobs() []Job {
	return m.registry.ListActive()
}

func (m *Manager) ListCompletedJobs(limit int) []Job {
	return m.registry.ListCompleted(limit)
}

// WaitJob blocks until the job reaches a terminal state or ctx is done.
func (m *Manager) WaitJob(ctx context.Context, id string) (Job, error) {
	done, err := m.registry.Done(id)
	if err != nil {
		return Job{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
	job, _ := m.registry.Get(id)
	return job, nil
}

func (m *Manager) Streamer() *LogStreamer {
	return m.streamer
}

// observer adapts the Manager to the registry notifications.
type observer struct {
	m *Manager
}

func (o observer) JobLogged(id, line string) {
	slog.Debug("job log", "job_id", id, "line", line)
	o.m.streamer.Broadcast(id, []byte(line))
}

func (o observer) JobChanged(kind events.Type, job Job) {
	o.m.metrics.observe(kind, job)
	if job.Status.Terminal() {
		o.m.streamer.Close(job.ID)
	}
	slog.Info("job status changed", "job_id", job.ID, "event", string(kind), "status", string(job.Status))

	if o.m.notifier == nil {
		return
	}
	ev := events.Event{
		Type:      kind,
		JobID:     job.ID,
		Status:    string(job.Status),
		Script:    job.CurrentScript,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
		Data:      job,
	}
	if kind == events.JobFailed && len(job.Logs) > 1 {
		ev.Error = job.Logs[len(job.Logs)-2]
	}
	select {
	case o.m.events <- ev:
	default:
		slog.Warn("event buffer full, dropping event", "job_id", job.ID, "event", string(kind))
	}
}

// dispatch delivers lifecycle events off the job path so a slow sink never
// holds up the worker.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := m.notifier.Notify(sendCtx, ev); err != nil {
				slog.Warn("failed to deliver job event", "job_id", ev.JobID, "event", string(ev.Type), "error", err)
			}
			cancel()
		}
	}
}
