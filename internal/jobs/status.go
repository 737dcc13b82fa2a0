package jobs

type RoutineStatus struct {
	Alive                 bool    `json:"alive"`
	SecondsSinceHeartbeat float64 `json:"seconds_since_heartbeat"`
	Generation            uint64  `json:"generation"`
	Restarts              int     `json:"restarts"`
}

// Status is a diagnostic view of the orchestrator.
type Status struct {
	Worker      RoutineStatus `json:"worker"`
	Monitor     RoutineStatus `json:"monitor"`
	Supervisor  RoutineStatus `json:"supervisor"`
	ActiveJob   *string       `json:"active_job"`
	PendingJobs int           `json:"pending_jobs"`
	QueueDepth  int           `json:"queue_depth"`
}

func (m *Manager) Status() Status {
	m.routinesMu.Lock()
	st := Status{
		Worker:     m.routineStatusLocked(RoutineWorker),
		Monitor:    m.routineStatusLocked(RoutineMonitor),
		Supervisor: m.routineStatusLocked(RoutineSupervisor),
	}
	m.routinesMu.Unlock()

	if id, ok := m.registry.Active(); ok {
		st.ActiveJob = &id
	}
	st.PendingJobs = m.registry.PendingCount()
	st.QueueDepth = m.registry.QueueDepth()
	return st
}

func (m *Manager) routineStatusLocked(name string) RoutineStatus {
	r := m.routines[name]
	if r == nil {
		return RoutineStatus{}
	}
	return RoutineStatus{
		Alive:                 r.alive(),
		SecondsSinceHeartbeat: r.sinceBeat().Seconds(),
		Generation:            r.gen,
		Restarts:              m.restarts[name],
	}
}
