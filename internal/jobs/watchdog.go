package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

const (
	workerRestartReason = "Job failed due to worker restart"

	byManual     = "manual"
	byMonitor    = "monitor"
	bySupervisor = "supervisor"
)

// routine is one generation of a background loop. It is alive until its
// goroutine returns, whatever the cause.
type routine struct {
	name     string
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	lastBeat atomic.Int64
}

func (r *routine) beat() {
	r.lastBeat.Store(time.Now().UnixNano())
}

func (r *routine) alive() bool {
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *routine) sinceBeat() time.Duration {
	if r == nil {
		return 0
	}
	return time.Since(time.Unix(0, r.lastBeat.Load()))
}

// replaceLocked cancels the current generation of name, if any, and spawns
// the next one. routinesMu must be held.
func (m *Manager) replaceLocked(name string, loop func(context.Context, *routine)) *routine {
	if old := m.routines[name]; old != nil {
		old.cancel()
	}
	m.generations[name]++

	ctx, cancel := context.WithCancel(m.ctx)
	r := &routine{
		name:   name,
		gen:    m.generations[name],
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.beat()
	m.routines[name] = r

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("routine panicked",
					"routine", name,
					"generation", r.gen,
					"panic", p,
					"stack", string(debug.Stack()),
				)
			}
		}()
		loop(ctx, r)
	}()
	return r
}

// replaceWorkerLocked hands dispatch to a new worker generation. The job the
// previous worker was running, if any, ends Failed and its process is
// terminated.
func (m *Manager) replaceWorkerLocked() (uint64, string) {
	gen := m.generations[RoutineWorker] + 1
	orphan := m.registry.handover(gen, workerRestartReason)
	r := m.replaceLocked(RoutineWorker, m.workerLoop)
	return r.gen, orphan
}

// RestartReport describes the outcome of a restart request.
type RestartReport struct {
	Restarted   bool   `json:"restarted"`
	Routine     string `json:"routine"`
	Generation  uint64 `json:"generation,omitempty"`
	OrphanedJob string `json:"orphaned_job,omitempty"`
	Message     string `json:"message"`
}

// RestartWorker replaces the worker unconditionally.
func (m *Manager) RestartWorker() RestartReport {
	return m.restartWorker(byManual)
}

// RestartMonitor replaces the monitor unconditionally.
func (m *Manager) RestartMonitor() RestartReport {
	return m.restartMonitor(byManual)
}

// restartWorker replaces the worker. Watchdog restarts are dropped when the
// worker is alive again by the time routinesMu is held, so two watchdogs that
// saw the same death restart it once.
func (m *Manager) restartWorker(reason string) RestartReport {
	m.routinesMu.Lock()
	defer m.routinesMu.Unlock()

	if !m.started || m.stopped {
		return RestartReport{Routine: RoutineWorker, Message: ErrNotRunning.Error()}
	}
	if cur := m.routines[RoutineWorker]; reason != byManual && cur.alive() {
		return RestartReport{Routine: RoutineWorker, Generation: cur.gen, Message: "worker already running"}
	}
	gen, orphan := m.replaceWorkerLocked()
	m.restarts[RoutineWorker]++
	m.metrics.RestartsTotal.WithLabelValues(RoutineWorker).Inc()

	slog.Warn("worker restarted", "reason", reason, "generation", gen, "orphaned_job", orphan)
	msg := "worker restarted"
	if orphan != "" {
		msg = fmt.Sprintf("worker restarted, job %s failed", orphan)
	}
	return RestartReport{Restarted: true, Routine: RoutineWorker, Generation: gen, OrphanedJob: orphan, Message: msg}
}

func (m *Manager) restartMonitor(reason string) RestartReport {
	m.routinesMu.Lock()
	defer m.routinesMu.Unlock()

	if !m.started || m.stopped {
		return RestartReport{Routine: RoutineMonitor, Message: ErrNotRunning.Error()}
	}
	if cur := m.routines[RoutineMonitor]; reason != byManual && cur.alive() {
		return RestartReport{Routine: RoutineMonitor, Generation: cur.gen, Message: "monitor already running"}
	}
	r := m.replaceLocked(RoutineMonitor, m.monitorLoop)
	m.restarts[RoutineMonitor]++
	m.metrics.RestartsTotal.WithLabelValues(RoutineMonitor).Inc()

	slog.Warn("monitor restarted", "reason", reason, "generation", r.gen)
	return RestartReport{Restarted: true, Routine: RoutineMonitor, Generation: r.gen, Message: "monitor restarted"}
}

func (m *Manager) routine(name string) *routine {
	m.routinesMu.Lock()
	defer m.routinesMu.Unlock()
	return m.routines[name]
}

// monitorLoop checks the worker once per interval, starting immediately.
func (m *Manager) monitorLoop(ctx context.Context, r *routine) {
	slog.Info("monitor started", "generation", r.gen)
	defer slog.Info("monitor stopped", "generation", r.gen)

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()
	for {
		r.beat()
		m.checkWorker(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) checkWorker(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w := m.routine(RoutineWorker)
	if !w.alive() {
		slog.Warn("worker is not alive, restarting")
		m.restartWorker(byMonitor)
		return
	}

	age := w.sinceBeat()
	m.metrics.HeartbeatAge.WithLabelValues(RoutineWorker).Set(age.Seconds())
	if age <= m.stuckThreshold {
		return
	}
	if _, running := m.registry.Active(); running {
		return
	}
	if pending := m.registry.PendingCount(); pending > 0 {
		m.metrics.StuckWorkerTotal.Inc()
		slog.Error("worker appears stuck",
			"seconds_since_heartbeat", age.Seconds(),
			"pending_jobs", pending,
			"queue_depth", m.registry.QueueDepth(),
		)
	}
}

// supervisorLoop restarts the monitor and the worker when they die. Each
// cycle is isolated so a failing check never ends the supervisor.
func (m *Manager) supervisorLoop(ctx context.Context, r *routine) {
	slog.Info("supervisor started", "generation", r.gen)
	defer slog.Info("supervisor stopped", "generation", r.gen)

	ticker := time.NewTicker(m.supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.beat()
		m.supervise(ctx)
	}
}

func (m *Manager) supervise(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("supervisor cycle panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if !m.routine(RoutineMonitor).alive() {
		slog.Warn("monitor is not alive, restarting")
		m.restartMonitor(bySupervisor)
	}
	if !m.routine(RoutineWorker).alive() {
		slog.Warn("worker is not alive, restarting")
		m.restartWorker(bySupervisor)
	}
}
