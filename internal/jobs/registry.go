package jobs

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/paulgrammer/taskmaster/internal/executor"
	"github.com/paulgrammer/taskmaster/internal/progress"
)

// Observer receives registry notifications in order, after the registry lock
// has been released.
type Observer interface {
	JobLogged(id, line string)
	JobChanged(kind events.Type, job Job)
}

type notice struct {
	id      string
	line    string
	changed bool
	kind    events.Type
	job     Job
}

type RegistryOption func(*Registry)

// WithLogTail bounds the number of log lines carried by a snapshot.
func WithLogTail(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.tail = n
		}
	}
}

// WithSecretParams names the params masked in snapshots.
func WithSecretParams(keys ...string) RegistryOption {
	return func(r *Registry) {
		r.secrets = slices.Clone(keys)
	}
}

func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = o
	}
}

func withClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry is the single source of truth for job state. All mutations happen
// under one lock so a job is observed either before or after a transition.
type Registry struct {
	mu      sync.Mutex
	store   *store
	queue   *Queue
	pending []notice

	// active is the id of the Running job and activeGen the generation of
	// the worker that owns it.
	active    string
	activeGen uint64
	// dispatchGen is the only worker generation allowed to start jobs.
	dispatchGen uint64

	tail     int
	secrets  []string
	observer Observer
	now      func() time.Time
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		store:   newStore(),
		queue:   NewQueue(),
		tail:    50,
		secrets: executor.DefaultScriptConfig().Secrets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// unlock releases the lock and then delivers the notices recorded while it
// was held.
func (r *Registry) unlock() {
	pending := r.pending
	r.pending = nil
	obs := r.observer
	r.mu.Unlock()

	if obs == nil {
		return
	}
	for _, n := range pending {
		if n.changed {
			obs.JobChanged(n.kind, n.job)
		} else {
			obs.JobLogged(n.id, n.line)
		}
	}
}

func (r *Registry) logLocked(j *job, msg string) {
	line := j.addLog(r.now(), msg)
	r.pending = append(r.pending, notice{id: j.id, line: line})
}

func (r *Registry) changedLocked(kind events.Type, j *job) {
	r.pending = append(r.pending, notice{changed: true, kind: kind, job: j.snapshot(r.tail, r.secrets)})
}

// Create registers a Pending job. It never fails.
func (r *Registry) Create(scripts []string, params map[string]string) Job {
	r.mu.Lock()
	defer r.unlock()

	j := newJob(uuid.NewString(), scripts, params, r.now())
	r.store.put(j)
	r.logLocked(j, fmt.Sprintf("Job created with %d scripts", len(scripts)))
	r.changedLocked(events.JobCreated, j)
	return j.snapshot(r.tail, r.secrets)
}

// Enqueue appends a Pending job to the dispatch queue.
func (r *Registry) Enqueue(id string) error {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.store.get(id)
	if !ok {
		return ErrJobNotFound
	}
	if j.status != JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, j.status)
	}
	r.queue.Push(id)
	r.logLocked(j, "Job added to queue")
	r.changedLocked(events.JobQueued, j)
	return nil
}

// Cancel stops a Pending or Running job. A Running job's process is signalled
// before the transition is recorded.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.store.get(id)
	if !ok {
		return ErrJobNotFound
	}

	switch j.status {
	case JobStatusPending:
		j.finish(JobStatusCancelled, r.now())
		r.logLocked(j, "Job cancelled while pending")
	case JobStatusRunning:
		if r.active != id {
			slog.Error("running job is not the active job", "job_id", id, "active_job", r.active)
			return fmt.Errorf("%w: job %s is not owned by the worker", ErrInvalidState, id)
		}
		if j.process != nil {
			if err := j.process.Terminate(); err != nil {
				r.logLocked(j, fmt.Sprintf("Failed to cancel job: %v", err))
				return fmt.Errorf("terminate job %s: %w", id, err)
			}
		}
		r.active = ""
		j.finish(JobStatusCancelled, r.now())
		r.logLocked(j, "Job cancelled")
	default:
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, j.status)
	}

	r.changedLocked(events.JobCancelled, j)
	return nil
}

func (r *Registry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.store.get(id)
	if !ok {
		return Job{}, false
	}
	return j.snapshot(r.tail, r.secrets), true
}

// ListActive returns Pending and Running jobs in creation order.
func (r *Registry) ListActive() []Job {
	r.mu.Lock()
	defer r.unlock()

	active := r.store.filter(func(j *job) bool { return !j.status.Terminal() })
	return r.snapshots(active)
}

// ListCompleted returns terminal jobs, most recently ended first. A limit of
// zero or less returns all of them.
func (r *Registry) ListCompleted(limit int) []Job {
	r.mu.Lock()
	defer r.unlock()

	done := r.store.filter(func(j *job) bool { return j.status.Terminal() })
	slices.SortStableFunc(done, func(a, b *job) int {
		return cmp.Or(b.endedAt.Compare(a.endedAt), cmp.Compare(a.id, b.id))
	})
	if limit > 0 && len(done) > limit {
		done = done[:limit]
	}
	return r.snapshots(done)
}

func (r *Registry) snapshots(list []*job) []Job {
	out := make([]Job, 0, len(list))
	for _, j := range list {
		out = append(out, j.snapshot(r.tail, r.secrets))
	}
	return out
}

// Done returns a channel closed once the job reaches a terminal state.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.store.get(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.done, nil
}

// Active returns the id of the Running job, if any.
func (r *Registry) Active() (string, bool) {
	r.mu.Lock()
	defer r.unlock()
	return r.active, r.active != ""
}

func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.unlock()

	n := 0
	for _, j := range r.store.data {
		if j.status == JobStatusPending {
			n++
		}
	}
	return n
}

func (r *Registry) QueueDepth() int {
	return r.queue.Len()
}

type assignment struct {
	scripts []string
	params  map[string]string
}

// begin hands a Pending job to the worker of generation gen.
func (r *Registry) begin(id string, gen uint64) (assignment, error) {
	r.mu.Lock()
	defer r.unlock()

	if gen != r.dispatchGen {
		return assignment{}, errStaleWorker
	}
	j, ok := r.store.get(id)
	if !ok {
		return assignment{}, ErrJobNotFound
	}
	if j.status != JobStatusPending {
		return assignment{}, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, j.status)
	}

	j.status = JobStatusRunning
	j.startedAt = r.now()
	r.active = id
	r.activeGen = gen
	r.logLocked(j, "Job started")
	r.changedLocked(events.JobStarted, j)
	return assignment{scripts: slices.Clone(j.scripts), params: maps.Clone(j.params)}, nil
}

// ownedLocked returns the job only while it is Running under generation gen.
func (r *Registry) ownedLocked(id string, gen uint64) (*job, bool) {
	if r.active != id || r.activeGen != gen {
		return nil, false
	}
	j, ok := r.store.get(id)
	if !ok || j.status != JobStatusRunning {
		return nil, false
	}
	return j, true
}

func (r *Registry) startScript(id string, gen uint64, index, total int, script string) bool {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.ownedLocked(id, gen)
	if !ok {
		return false
	}
	j.currentScript = script
	j.progress.Advance(progress.Baseline(index, total))
	r.logLocked(j, fmt.Sprintf("Running script %d/%d: %s", index+1, total, script))
	return true
}

// attach records the process handle. It reports false when the job is no
// longer owned, in which case the caller must terminate the process.
func (r *Registry) attach(id string, gen uint64, p executor.Process, command string) bool {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.ownedLocked(id, gen)
	if !ok {
		return false
	}
	j.process = p
	r.logLocked(j, "Running command: "+command)
	return true
}

func (r *Registry) detach(id string) {
	r.mu.Lock()
	defer r.unlock()

	if j, ok := r.store.get(id); ok {
		j.process = nil
	}
}

// output appends a script line. Progress only moves while the job is owned.
func (r *Registry) output(id string, gen uint64, line string, index, total int) {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.store.get(id)
	if !ok {
		return
	}
	r.logLocked(j, line)
	if _, owned := r.ownedLocked(id, gen); !owned {
		return
	}
	if v, ok := progress.Line(line, index, total); ok {
		j.progress.Advance(v)
	}
}

func (r *Registry) note(id string, gen uint64, msg string) {
	r.mu.Lock()
	defer r.unlock()

	if j, ok := r.ownedLocked(id, gen); ok {
		r.logLocked(j, msg)
	}
}

// finish records the outcome of an owned job. reason, when set, is logged
// before the failure.
func (r *Registry) finish(id string, gen uint64, success bool, reason string) bool {
	r.mu.Lock()
	defer r.unlock()

	j, ok := r.ownedLocked(id, gen)
	if !ok {
		return false
	}
	r.active = ""
	if success {
		j.finish(JobStatusCompleted, r.now())
		r.logLocked(j, "Job completed successfully")
		r.changedLocked(events.JobCompleted, j)
		return true
	}
	if reason != "" {
		r.logLocked(j, reason)
	}
	j.finish(JobStatusFailed, r.now())
	r.logLocked(j, "Job failed")
	r.changedLocked(events.JobFailed, j)
	return true
}

// handover makes gen the only worker generation allowed to start jobs and
// fails the job the previous generation was running. It returns the id of
// that orphaned job.
func (r *Registry) handover(gen uint64, reason string) string {
	r.mu.Lock()
	defer r.unlock()

	r.dispatchGen = gen
	orphan := r.active
	if orphan == "" {
		return ""
	}
	r.active = ""

	j, ok := r.store.get(orphan)
	if !ok || j.status != JobStatusRunning {
		return ""
	}
	if j.process != nil {
		if err := j.process.Terminate(); err != nil {
			slog.Warn("failed to terminate orphaned process", "job_id", orphan, "error", err)
		}
	}
	r.logLocked(j, reason)
	j.finish(JobStatusFailed, r.now())
	r.changedLocked(events.JobFailed, j)
	return orphan
}
