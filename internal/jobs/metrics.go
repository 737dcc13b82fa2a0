package jobs

import (
	"github.com/paulgrammer/taskmaster/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobsCreatedTotal   prometheus.Counter
	JobsQueuedTotal    prometheus.Counter
	JobsInProgress     prometheus.Gauge
	JobsCompletedTotal prometheus.Counter
	JobsFailedTotal    prometheus.Counter
	JobsCancelledTotal prometheus.Counter
	QueueDepth         prometheus.Gauge
	RestartsTotal      *prometheus.CounterVec
	HeartbeatAge       *prometheus.GaugeVec
	StuckWorkerTotal   prometheus.Counter
}

// NewMetrics creates the orchestrator collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of jobs created",
		}),
		JobsQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_queued_total",
			Help: "Total number of jobs queued",
		}),
		JobsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_progress",
			Help: "Number of jobs currently running",
		}),
		JobsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		JobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		JobsCancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Number of job ids waiting in the dispatch queue",
		}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thread_restarts_total",
			Help: "Total number of background routine restarts",
		}, []string{"routine"}),
		HeartbeatAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routine_heartbeat_age_seconds",
			Help: "Seconds since the routine last refreshed its heartbeat",
		}, []string{"routine"}),
		StuckWorkerTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "worker_stuck_detections_total",
			Help: "Times the monitor found the worker idle with pending jobs",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsCreatedTotal,
			m.JobsQueuedTotal,
			m.JobsInProgress,
			m.JobsCompletedTotal,
			m.JobsFailedTotal,
			m.JobsCancelledTotal,
			m.QueueDepth,
			m.RestartsTotal,
			m.HeartbeatAge,
			m.StuckWorkerTotal,
		)
	}
	return m
}

// observe updates the job collectors for a lifecycle transition.
func (m *Metrics) observe(kind events.Type, job Job) {
	switch kind {
	case events.JobCreated:
		m.JobsCreatedTotal.Inc()
	case events.JobQueued:
		m.JobsQueuedTotal.Inc()
	case events.JobStarted:
		m.JobsInProgress.Inc()
	case events.JobCompleted:
		m.JobsCompletedTotal.Inc()
	case events.JobFailed:
		m.JobsFailedTotal.Inc()
	case events.JobCancelled:
		m.JobsCancelledTotal.Inc()
	}
	if job.Status.Terminal() && job.StartedAt != nil {
		m.JobsInProgress.Dec()
	}
}
