package jobs

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/paulgrammer/taskmaster/internal/executor"
	"github.com/paulgrammer/taskmaster/internal/progress"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type CreateJobRequest struct {
	Scripts []string          `json:"scripts"`
	Params  map[string]string `json:"params,omitempty"`
	Start   bool              `json:"start,omitempty"`
}

// Job is a point-in-time snapshot. Logs holds at most the configured tail.
type Job struct {
	ID            string            `json:"id"`
	Scripts       []string          `json:"scripts"`
	Params        map[string]string `json:"params,omitempty"`
	Status        JobStatus         `json:"status"`
	CurrentScript string            `json:"current_script,omitempty"`
	Progress      int               `json:"progress"`
	Logs          []string          `json:"logs"`
	LogCount      int               `json:"log_count"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"start_time,omitempty"`
	CompletedAt   *time.Time        `json:"end_time,omitempty"`
}

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// job is the mutable record owned by the Registry. Every field is guarded by
// the Registry lock.
type job struct {
	id      string
	scripts []string
	params  map[string]string

	status        JobStatus
	currentScript string
	progress      progress.Tracker
	logs          []string
	createdAt     time.Time
	startedAt     time.Time
	endedAt       time.Time

	// process is set only while one of the job's scripts is executing.
	process executor.Process
	done    chan struct{}
}

func newJob(id string, scripts []string, params map[string]string, now time.Time) *job {
	return &job{
		id:        id,
		scripts:   slices.Clone(scripts),
		params:    maps.Clone(params),
		status:    JobStatusPending,
		createdAt: now,
		done:      make(chan struct{}),
	}
}

func (j *job) addLog(now time.Time, msg string) string {
	line := fmt.Sprintf("[%s] %s", now.Format(logTimeFormat), msg)
	j.logs = append(j.logs, line)
	return line
}

// finish moves the job into a terminal state exactly once.
func (j *job) finish(status JobStatus, now time.Time) {
	j.status = status
	j.endedAt = now
	if status == JobStatusCompleted {
		j.progress.Complete()
	}
	close(j.done)
}

func (j *job) snapshot(tail int, secrets []string) Job {
	logs := j.logs
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	out := Job{
		ID:            j.id,
		Scripts:       slices.Clone(j.scripts),
		Params:        redact(j.params, secrets),
		Status:        j.status,
		CurrentScript: j.currentScript,
		Progress:      j.progress.Value(),
		Logs:          slices.Clone(logs),
		LogCount:      len(j.logs),
		CreatedAt:     j.createdAt,
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		out.StartedAt = &t
	}
	if !j.endedAt.IsZero() {
		t := j.endedAt
		out.CompletedAt = &t
	}
	return out
}

func redact(params map[string]string, secrets []string) map[string]string {
	if params == nil {
		return nil
	}
	out := maps.Clone(params)
	for _, key := range secrets {
		if v, ok := out[key]; ok && v != "" {
			out[key] = "****"
		}
	}
	return out
}
