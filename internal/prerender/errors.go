package prerender

import (
	"errors"
	"net/http"
)

// Render failure conditions. Callers classify with errors.Is.
var (
	// ErrTimeout means the page never signaled readiness in time.
	ErrTimeout = errors.New("render timed out waiting for page ready")
	// ErrWorkerCrashed means the browser process died or stopped responding mid-render.
	ErrWorkerCrashed = errors.New("render worker crashed")
	// ErrNotFound means the front end found no resource at the requested path.
	ErrNotFound = errors.New("resource not found")
	// ErrEngineUnavailable means no browser worker can be spawned.
	ErrEngineUnavailable = errors.New("render engine unavailable")
	// ErrPoolClosed is returned once the worker pool has shut down.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("render queue full")
	// ErrRenderFailed covers navigation or evaluation failures on a healthy worker.
	ErrRenderFailed = errors.New("render failed")
)

// StatusForError maps a render error onto the HTTP status returned to clients.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrEngineUnavailable),
		errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrWorkerCrashed), errors.Is(err, ErrRenderFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Outcome returns a short metric label for a render error.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrWorkerCrashed):
		return "crashed"
	case errors.Is(err, ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrRenderFailed):
		return "failed"
	default:
		return "error"
	}
}
