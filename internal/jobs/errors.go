package jobs

import "errors"

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidState   = errors.New("invalid job state")
	ErrInvalidRequest = errors.New("invalid job request")
	ErrNotRunning     = errors.New("orchestrator is not running")

	// errStaleWorker is returned to a worker whose generation has been
	// superseded by a restart.
	errStaleWorker = errors.New("worker generation superseded")
)
