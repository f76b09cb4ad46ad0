// Package dispatcher turns render requests into worker renders.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/metrics"
	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/telemetry"
	"github.com/JakeFAU/crudivore/internal/worker"
)

const defaultRenderTimeout = 10 * time.Second

// Pool is the subset of the worker pool the dispatcher needs.
type Pool interface {
	Acquire(ctx context.Context) (*worker.Worker, error)
	AcquireFirst(ctx context.Context) (*worker.Worker, error)
	Release(w *worker.Worker)
}

// Config controls dispatcher defaults.
type Config struct {
	RenderTimeout time.Duration
}

// Dispatcher queues requests on the pool and retries once on worker crash.
type Dispatcher struct {
	pool   Pool
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type outcome struct {
	res prerender.Result
	err error
}

// New creates a Dispatcher.
func New(pool Pool, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = defaultRenderTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit renders req and returns exactly one result or error. Cancelling ctx
// abandons the wait; a render already running completes in the background
// and releases its worker.
func (d *Dispatcher) Submit(ctx context.Context, req prerender.Request) (prerender.Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = d.cfg.RenderTimeout
	}
	ctx, span := telemetry.Tracer().Start(ctx, "dispatcher.Submit",
		trace.WithAttributes(attribute.String("prerender.target", req.Target())),
	)
	defer span.End()

	start := time.Now()
	res, err := d.submit(ctx, req)
	elapsed := time.Since(start)
	label := prerender.Outcome(err)
	metrics.ObserveRender(label, elapsed)
	span.SetAttributes(attribute.String("prerender.outcome", label))

	fields := []zap.Field{
		zap.String("target", req.Target()),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		d.logger.Warn("render request failed", append(fields, zap.Error(err))...)
		return prerender.Result{}, err
	}
	span.SetAttributes(attribute.Int("prerender.status", res.Status))
	d.logger.Info("render request complete", append(fields, zap.Int("status", res.Status))...)
	return res, nil
}

func (d *Dispatcher) submit(ctx context.Context, req prerender.Request) (prerender.Result, error) {
	if !d.track() {
		return prerender.Result{}, prerender.ErrPoolClosed
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(d.ctx, cancel)
	w, err := d.pool.Acquire(acquireCtx)
	stop()
	cancel()
	if err != nil {
		d.wg.Done()
		if d.ctx.Err() != nil && ctx.Err() == nil {
			return prerender.Result{}, prerender.ErrPoolClosed
		}
		return prerender.Result{}, fmt.Errorf("acquire worker: %w", err)
	}

	span := trace.SpanFromContext(ctx)
	done := make(chan outcome, 1)
	go func() {
		defer d.wg.Done()
		res, err := d.render(span, w, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return prerender.Result{}, fmt.Errorf("request abandoned: %w", ctx.Err())
	}
}

// render runs on the dispatcher's own context so an abandoned request still
// finishes and releases its worker.
func (d *Dispatcher) render(span trace.Span, w *worker.Worker, req prerender.Request) (prerender.Result, error) {
	span.AddEvent("worker acquired", trace.WithAttributes(attribute.Int("worker.id", w.ID())))
	res, err := d.renderOn(w, req)
	if !errors.Is(err, prerender.ErrWorkerCrashed) {
		return res, err
	}

	metrics.IncRenderRetries()
	span.AddEvent("worker crashed, resubmitting", trace.WithAttributes(attribute.Int("worker.id", w.ID())))
	d.logger.Warn("resubmitting render after worker crash",
		zap.String("target", req.Target()),
		zap.Int("worker_id", w.ID()),
		zap.Error(err),
	)
	retry, acquireErr := d.pool.AcquireFirst(d.ctx)
	if acquireErr != nil {
		return prerender.Result{}, fmt.Errorf("resubmit after crash (%v): %w", err, acquireErr)
	}
	res, err = d.renderOn(retry, req)
	if errors.Is(err, prerender.ErrWorkerCrashed) {
		return prerender.Result{}, fmt.Errorf("render crashed twice: %w", err)
	}
	return res, err
}

func (d *Dispatcher) renderOn(w *worker.Worker, req prerender.Request) (prerender.Result, error) {
	res, err := w.Render(d.ctx, req, req.Timeout)
	d.pool.Release(w)
	if err != nil && d.ctx.Err() != nil && !errors.Is(err, prerender.ErrWorkerCrashed) {
		return prerender.Result{}, fmt.Errorf("%w: %w", prerender.ErrPoolClosed, err)
	}
	return res, err
}

func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

// Close cancels in-flight renders and waits for them to release their workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
