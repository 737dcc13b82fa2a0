package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/paulgrammer/taskmaster/internal/executor"
)

// workerLoop dispatches queued jobs one at a time. It exits when ctx is done
// or when a newer worker generation has taken over.
func (m *Manager) workerLoop(ctx context.Context, r *routine) {
	slog.Info("worker started", "generation", r.gen)
	defer slog.Info("worker stopped", "generation", r.gen)

	for {
		r.beat()
		m.metrics.QueueDepth.Set(float64(m.registry.QueueDepth()))

		id, ok := m.registry.queue.Pop(ctx, m.dequeueWait)
		if ctx.Err() != nil {
			if ok {
				m.registry.queue.PushFront(id)
			}
			return
		}
		if !ok {
			continue
		}

		r.beat()
		if err := m.execute(ctx, r, id); errors.Is(err, errStaleWorker) {
			m.registry.queue.PushFront(id)
			slog.Warn("worker superseded, handing job back", "job_id", id, "generation", r.gen)
			return
		}
	}
}

// execute runs every script of a job in order. A panic fails the job instead
// of ending the worker.
func (m *Manager) execute(ctx context.Context, r *routine, id string) (err error) {
	a, err := m.registry.begin(id, r.gen)
	if err != nil {
		if errors.Is(err, errStaleWorker) {
			return err
		}
		slog.Debug("skipping dequeued job", "job_id", id, "error", err)
		return nil
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("job execution panicked",
				"job_id", id,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			m.registry.finish(id, r.gen, false, fmt.Sprintf("Job failed due to internal error: %v", p))
			err = nil
		}
	}()

	total := len(a.scripts)
	for i, script := range a.scripts {
		if !m.registry.startScript(id, r.gen, i, total, script) {
			// cancelled or taken over
			return nil
		}
		r.beat()
		ok := m.runScript(ctx, r.gen, id, i, total, script, a.params)
		r.beat()
		if !ok {
			m.registry.finish(id, r.gen, false, "")
			return nil
		}
	}
	m.registry.finish(id, r.gen, true, "")
	return nil
}

func (m *Manager) runScript(ctx context.Context, gen uint64, id string, index, total int, script string, params map[string]string) bool {
	hooks := executor.Hooks{
		OnStart: func(p executor.Process, command string) {
			if !m.registry.attach(id, gen, p, command) {
				_ = p.Terminate()
			}
		},
		OnLine: func(line string) {
			m.registry.output(id, gen, line, index, total)
		},
		OnExit: func() {
			m.registry.detach(id)
		},
	}

	result, err := m.runner.Run(ctx, id, script, params, hooks)
	switch {
	case result == nil:
		m.registry.note(id, gen, fmt.Sprintf("Error running script: %v", err))
		return false
	case result.ExitCode != 0:
		m.registry.note(id, gen, fmt.Sprintf("Script failed with return code %d", result.ExitCode))
		return false
	case err != nil:
		m.registry.note(id, gen, fmt.Sprintf("Error running script: %v", err))
		return false
	}
	m.registry.note(id, gen, "Script completed successfully")
	return true
}
