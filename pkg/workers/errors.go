package workers

import "errors"

var (
	// ErrNoWorkersAvailable is returned synchronously when a submission
	// arrives while the pool is empty or disabled
	ErrNoWorkersAvailable = errors.New("no parse workers available")

	// ErrRequestTimeout marks a dispatched request whose worker never
	// responded within the request timeout
	ErrRequestTimeout = errors.New("worker request timed out")

	// ErrWorkerCrashed is propagated to every request pinned to a worker
	// that crashed; the worker slot is respawned afterwards
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrPoolClosed rejects requests still pending when the pool shuts down
	ErrPoolClosed = errors.New("worker pool closed")
)
