// Package worker wraps one browser engine process and renders pages on it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/probe"
)

// State is the lifecycle stage of a Worker.
type State int32

const (
	// StateSpawning means the browser process is still starting.
	StateSpawning State = iota
	// StateFree means the worker is idle and may be claimed.
	StateFree
	// StateBusy means the worker is claimed by exactly one render.
	StateBusy
	// StateDead means the process exited or stopped responding.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateFree:
		return "free"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultPingTimeout = 2 * time.Second

// Config controls render polling and health checks.
type Config struct {
	PollInterval time.Duration
	PingTimeout  time.Duration
}

// Worker owns one browser process. The pool guarantees at most one in-flight
// render per worker by claiming it (Free to Busy) before handing it out.
type Worker struct {
	id     int
	cfg    Config
	logger *zap.Logger
	state  atomic.Int32

	mu      sync.RWMutex
	browser prerender.Browser
}

// New creates a worker in the Spawning state with no process yet.
func New(id int, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = probe.DefaultPollInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker_id", id)),
	}
	w.state.Store(int32(StateSpawning))
	return w
}

// Spawn creates a worker and starts its browser.
func Spawn(ctx context.Context, id int, launcher prerender.Launcher, cfg Config, logger *zap.Logger) (*Worker, error) {
	w := New(id, cfg, logger)
	if err := w.Start(ctx, launcher); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the browser process and moves the worker to Free.
func (w *Worker) Start(ctx context.Context, launcher prerender.Launcher) error {
	if w.State() != StateSpawning {
		return fmt.Errorf("worker %d: start in state %s", w.id, w.State())
	}
	b, err := launcher.Launch(ctx)
	if err != nil {
		w.state.Store(int32(StateDead))
		return fmt.Errorf("%w: worker %d: %w", prerender.ErrEngineUnavailable, w.id, err)
	}
	w.mu.Lock()
	w.browser = b
	w.mu.Unlock()
	if !w.state.CompareAndSwap(int32(StateSpawning), int32(StateFree)) {
		_ = b.Close()
		return fmt.Errorf("worker %d: closed while spawning", w.id)
	}
	w.logger.Info("worker started", zap.Int("pid", b.PID()))
	return nil
}

// ID returns the worker's pool-assigned identifier.
func (w *Worker) ID() int { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// PID reports the browser process id, or 0 before the process exists.
func (w *Worker) PID() int {
	b := w.currentBrowser()
	if b == nil {
		return 0
	}
	return b.PID()
}

// Done is closed when the browser process exits. It is nil before Start.
func (w *Worker) Done() <-chan struct{} {
	b := w.currentBrowser()
	if b == nil {
		return nil
	}
	return b.Done()
}

func (w *Worker) currentBrowser() prerender.Browser {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.browser
}

// TryClaim moves a Free worker to Busy.
func (w *Worker) TryClaim() bool {
	return w.state.CompareAndSwap(int32(StateFree), int32(StateBusy))
}

// MarkFree returns a Busy worker to Free.
func (w *Worker) MarkFree() bool {
	return w.state.CompareAndSwap(int32(StateBusy), int32(StateFree))
}

// MarkDead moves the worker to Dead from any state.
func (w *Worker) MarkDead() {
	w.state.Store(int32(StateDead))
}

// Render loads req in the worker's page, waits for it to declare readiness,
// and extracts the sanitized result. The worker must already be claimed.
func (w *Worker) Render(ctx context.Context, req prerender.Request, timeout time.Duration) (prerender.Result, error) {
	switch state := w.State(); state {
	case StateBusy:
	case StateDead:
		return prerender.Result{}, fmt.Errorf("%w: worker %d: process exited before render", prerender.ErrWorkerCrashed, w.id)
	default:
		return prerender.Result{}, fmt.Errorf("worker %d: render in state %s", w.id, state)
	}
	b := w.currentBrowser()
	if b == nil {
		return prerender.Result{}, fmt.Errorf("worker %d: no browser", w.id)
	}

	renderCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.render(renderCtx, b, req)
	if err != nil {
		err = w.classify(ctx, b, err)
		w.logger.Warn("render failed",
			zap.String("target", req.Target()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return prerender.Result{}, err
	}
	w.logger.Debug("render complete",
		zap.String("target", req.Target()),
		zap.Int("status", res.Status),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (w *Worker) render(ctx context.Context, b prerender.Browser, req prerender.Request) (prerender.Result, error) {
	if err := b.Navigate(ctx, req.Target()); err != nil {
		return prerender.Result{}, err
	}
	if err := probe.WaitReady(ctx, b, w.cfg.PollInterval); err != nil {
		return prerender.Result{}, err
	}
	declared, err := probe.ResultObject(ctx, b)
	if err != nil {
		return prerender.Result{}, err
	}
	html, err := probe.Content(ctx, b)
	if err != nil {
		return prerender.Result{}, err
	}
	return prerender.Result{
		Status:  declared.StatusOr(prerender.DefaultStatus),
		Headers: declared.Headers,
		Body:    html,
	}, nil
}

// classify decides whether a failed render killed the worker. A process that
// exited or fails its health check is a crash; anything else leaves the
// worker usable.
func (w *Worker) classify(ctx context.Context, b prerender.Browser, err error) error {
	if !w.alive(ctx, b) {
		w.MarkDead()
		return fmt.Errorf("%w: worker %d: %w", prerender.ErrWorkerCrashed, w.id, err)
	}
	switch {
	case errors.Is(err, prerender.ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", prerender.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("render canceled: %w", err)
	default:
		return fmt.Errorf("%w: %w", prerender.ErrRenderFailed, err)
	}
}

func (w *Worker) alive(ctx context.Context, b prerender.Browser) bool {
	select {
	case <-b.Done():
		return false
	default:
	}
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PingTimeout)
	defer cancel()
	return b.Ping(pingCtx) == nil
}

// Healthy pings the browser within the configured timeout.
func (w *Worker) Healthy(ctx context.Context) error {
	b := w.currentBrowser()
	if b == nil {
		return fmt.Errorf("worker %d: no browser", w.id)
	}
	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout)
	defer cancel()
	if err := b.Ping(pingCtx); err != nil {
		return fmt.Errorf("worker %d unhealthy: %w", w.id, err)
	}
	return nil
}

// Kill terminates the browser process immediately. The pool notices through
// Done or through the next render's health check.
func (w *Worker) Kill() error {
	b := w.currentBrowser()
	if b == nil {
		return nil
	}
	if err := b.Kill(); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	return nil
}

// Close marks the worker Dead and shuts its browser down.
func (w *Worker) Close() error {
	w.MarkDead()
	b := w.currentBrowser()
	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("worker %d close: %w", w.id, err)
	}
	return nil
}
