package jobs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu      sync.Mutex
	lines   []string
	changes []events.Type
}

func (o *recordingObserver) JobLogged(_ string, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, line)
}

func (o *recordingObserver) JobChanged(kind events.Type, _ Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, kind)
}

type fakeProcess struct {
	once       sync.Once
	terminated chan struct{}
	err        error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{terminated: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Terminate() error {
	if p.err != nil {
		return p.err
	}
	p.once.Do(func() { close(p.terminated) })
	return nil
}

func (p *fakeProcess) wasTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestRegistryCreate(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(WithObserver(obs), withClock(stepClock()))

	job := r.Create([]string{"a.py", "b.py"}, map[string]string{"username": "u", "password": "p"})
	require.NotEmpty(t, job.ID)
	require.Equal(t, JobStatusPending, job.Status)
	require.Zero(t, job.Progress)
	require.Empty(t, job.CurrentScript)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.CompletedAt)
	require.Equal(t, "****", job.Params["password"])
	require.Equal(t, "u", job.Params["username"])
	require.Len(t, job.Logs, 1)
	require.Contains(t, job.Logs[0], "Job created with 2 scripts")

	other := r.Create([]string{"a.py"}, nil)
	require.NotEqual(t, job.ID, other.ID)
	require.Equal(t, []events.Type{events.JobCreated, events.JobCreated}, obs.changes)
	require.Len(t, obs.lines, 2)
}

func TestRegistryEnqueue(t *testing.T) {
	r := NewRegistry()
	job := r.Create([]string{"a.py"}, nil)

	require.NoError(t, r.Enqueue(job.ID))
	require.Equal(t, 1, r.QueueDepth())
	require.ErrorIs(t, r.Enqueue("missing"), ErrJobNotFound)

	require.NoError(t, r.Cancel(job.ID))
	require.ErrorIs(t, r.Enqueue(job.ID), ErrInvalidState)
}

func TestRegistryCancelPending(t *testing.T) {
	r := NewRegistry()
	job := r.Create([]string{"a.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))

	require.NoError(t, r.Cancel(job.ID))
	got, ok := r.Get(job.ID)
	require.True(t, ok)
	require.Equal(t, JobStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Contains(t, got.Logs[len(got.Logs)-1], "Job cancelled while pending")

	done, err := r.Done(job.ID)
	require.NoError(t, err)
	select {
	case <-done:
	default:
		t.Fatal("done channel not closed")
	}

	// the stale queue entry is skipped by the worker
	r.handover(1, workerRestartReason)
	_, err = r.begin(job.ID, 1)
	require.ErrorIs(t, err, ErrInvalidState)

	require.ErrorIs(t, r.Cancel(job.ID), ErrInvalidState)
	require.ErrorIs(t, r.Cancel("missing"), ErrJobNotFound)
}

func TestRegistryCancelRunning(t *testing.T) {
	r := NewRegistry()
	r.handover(1, workerRestartReason)
	job := r.Create([]string{"a.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))
	_, err := r.begin(job.ID, 1)
	require.NoError(t, err)
	require.True(t, r.startScript(job.ID, 1, 0, 1, "a.py"))

	p := newFakeProcess()
	require.True(t, r.attach(job.ID, 1, p, "python3 a.py"))

	require.NoError(t, r.Cancel(job.ID))
	require.True(t, p.wasTerminated())
	_, running := r.Active()
	require.False(t, running)

	// the worker's late bookkeeping must not overwrite the cancellation
	r.output(job.ID, 1, "100% complete", 0, 1)
	r.note(job.ID, 1, "Script failed with return code -15")
	require.False(t, r.finish(job.ID, 1, false, ""))

	got, _ := r.Get(job.ID)
	require.Equal(t, JobStatusCancelled, got.Status)
	require.Less(t, got.Progress, 100)
	require.Contains(t, strings.Join(got.Logs, "\n"), "100% complete")
	require.NotContains(t, strings.Join(got.Logs, "\n"), "return code -15")
}

func TestRegistryCancelTerminateError(t *testing.T) {
	r := NewRegistry()
	r.handover(1, workerRestartReason)
	job := r.Create([]string{"a.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))
	_, err := r.begin(job.ID, 1)
	require.NoError(t, err)
	require.True(t, r.startScript(job.ID, 1, 0, 1, "a.py"))
	p := newFakeProcess()
	p.err = errors.New("operation not permitted")
	require.True(t, r.attach(job.ID, 1, p, "python3 a.py"))

	err = r.Cancel(job.ID)
	require.Error(t, err)
	got, _ := r.Get(job.ID)
	require.Equal(t, JobStatusRunning, got.Status)
	require.Contains(t, got.Logs[len(got.Logs)-1], "Failed to cancel job")
}

func TestRegistryProgress(t *testing.T) {
	r := NewRegistry()
	r.handover(1, workerRestartReason)
	job := r.Create([]string{"a.py", "b.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))
	_, err := r.begin(job.ID, 1)
	require.NoError(t, err)

	progressOf := func() int {
		got, _ := r.Get(job.ID)
		return got.Progress
	}

	require.True(t, r.startScript(job.ID, 1, 0, 2, "a.py"))
	require.Equal(t, 0, progressOf())
	r.output(job.ID, 1, "50% complete", 0, 2)
	require.Equal(t, 25, progressOf())
	r.output(job.ID, 1, "10% complete", 0, 2)
	require.Equal(t, 25, progressOf())

	require.True(t, r.startScript(job.ID, 1, 1, 2, "b.py"))
	require.Equal(t, 50, progressOf())
	r.output(job.ID, 1, "upload done", 1, 2)
	require.Equal(t, 99, progressOf())

	got, _ := r.Get(job.ID)
	require.Equal(t, JobStatusRunning, got.Status)
	require.Equal(t, "b.py", got.CurrentScript)

	require.True(t, r.finish(job.ID, 1, true, ""))
	got, _ = r.Get(job.ID)
	require.Equal(t, JobStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Contains(t, got.Logs[len(got.Logs)-1], "Job completed successfully")
}

func TestRegistryGenerations(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(WithObserver(obs))
	require.Empty(t, r.handover(1, workerRestartReason))

	job := r.Create([]string{"a.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))

	_, err := r.begin(job.ID, 2)
	require.ErrorIs(t, err, errStaleWorker)

	_, err = r.begin(job.ID, 1)
	require.NoError(t, err)
	require.True(t, r.startScript(job.ID, 1, 0, 1, "a.py"))
	p := newFakeProcess()
	require.True(t, r.attach(job.ID, 1, p, "python3 a.py"))

	require.Equal(t, job.ID, r.handover(2, workerRestartReason))
	require.True(t, p.wasTerminated())

	got, _ := r.Get(job.ID)
	require.Equal(t, JobStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Contains(t, strings.Join(got.Logs, "\n"), workerRestartReason)

	// the superseded worker can no longer touch the job
	require.False(t, r.startScript(job.ID, 1, 0, 1, "a.py"))
	require.False(t, r.attach(job.ID, 1, newFakeProcess(), "python3 a.py"))
	require.False(t, r.finish(job.ID, 1, true, ""))
	got, _ = r.Get(job.ID)
	require.Equal(t, JobStatusFailed, got.Status)

	require.Empty(t, r.handover(3, workerRestartReason))
	require.Contains(t, obs.changes, events.JobFailed)
}

func TestRegistryListings(t *testing.T) {
	r := NewRegistry(withClock(stepClock()))
	r.handover(1, workerRestartReason)

	var ids []string
	for i := range 4 {
		job := r.Create([]string{fmt.Sprintf("s%d.py", i)}, nil)
		ids = append(ids, job.ID)
	}

	require.NoError(t, r.Cancel(ids[1]))
	require.NoError(t, r.Enqueue(ids[2]))
	_, err := r.begin(ids[2], 1)
	require.NoError(t, err)
	require.True(t, r.finish(ids[2], 1, true, ""))
	require.NoError(t, r.Cancel(ids[3]))

	active := r.ListActive()
	require.Len(t, active, 1)
	require.Equal(t, ids[0], active[0].ID)

	completed := r.ListCompleted(10)
	require.Len(t, completed, 3)
	require.Equal(t, []string{ids[3], ids[2], ids[1]}, []string{completed[0].ID, completed[1].ID, completed[2].ID})

	require.Len(t, r.ListCompleted(2), 2)
	require.Len(t, r.ListCompleted(0), 3)
	require.Equal(t, 1, r.PendingCount())
}

func TestRegistryLogTail(t *testing.T) {
	r := NewRegistry(WithLogTail(3))
	r.handover(1, workerRestartReason)
	job := r.Create([]string{"a.py"}, nil)
	require.NoError(t, r.Enqueue(job.ID))
	_, err := r.begin(job.ID, 1)
	require.NoError(t, err)
	for i := range 10 {
		r.output(job.ID, 1, fmt.Sprintf("line %d", i), 0, 1)
	}

	got, _ := r.Get(job.ID)
	require.Len(t, got.Logs, 3)
	require.Equal(t, 13, got.LogCount)
	require.True(t, strings.HasSuffix(got.Logs[2], "line 9"))
	require.Regexp(t, `^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}`, got.Logs[0])
}
