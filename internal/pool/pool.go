// Package pool keeps a fixed number of browser workers alive and hands them
// out to renders in FIFO order.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crudivore/internal/metrics"
	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/worker"
)

var (
	// ErrAlreadySized is returned when Resize is called more than once.
	ErrAlreadySized = errors.New("pool already sized")
	// ErrUnknownWorker is returned by Kill for an id the pool does not hold.
	ErrUnknownWorker = errors.New("unknown worker")
)

const (
	defaultSpawnAttempts = 3
	defaultSpawnBackoff  = 250 * time.Millisecond
)

// Config controls pool sizing and replacement.
type Config struct {
	// Size is the number of workers kept alive.
	Size int
	// QueueDepth bounds waiting acquirers. Zero means unbounded.
	QueueDepth int
	// SpawnAttempts is how many launches are tried per slot before giving up.
	SpawnAttempts int
	// SpawnBackoff is the delay before the second attempt; it doubles after.
	SpawnBackoff time.Duration
	Worker       worker.Config
}

// WorkerInfo is a diagnostic snapshot of one worker.
type WorkerInfo struct {
	ID    int    `json:"id"`
	PID   int    `json:"pid"`
	State string `json:"state"`
}

type grant struct {
	w   *worker.Worker
	err error
}

type waiter struct {
	ch      chan grant
	elem    *list.Element
	granted bool
}

// Pool owns the workers. Free list, waiters and membership are guarded by a
// single mutex so a release can never miss a queued acquirer.
type Pool struct {
	launcher prerender.Launcher
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[int]*worker.Worker
	free     []*worker.Worker
	waiters  *list.List
	nextID   int
	spawning int
	sized    bool
	closed   bool
}

// New creates an empty pool. Call Resize to start workers.
func New(launcher prerender.Launcher, cfg Config, logger *zap.Logger) *Pool {
	if cfg.SpawnAttempts <= 0 {
		cfg.SpawnAttempts = defaultSpawnAttempts
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = defaultSpawnBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[int]*worker.Worker),
		waiters:  list.New(),
	}
}

// Resize starts n workers concurrently. It may only be called once. The pool
// runs with fewer workers when some fail to start; it fails only when none do.
func (p *Pool) Resize(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be >= 1, got %d", n)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return prerender.ErrPoolClosed
	}
	if p.sized {
		p.mu.Unlock()
		return ErrAlreadySized
	}
	p.sized = true
	p.cfg.Size = n
	p.spawning += n
	p.mu.Unlock()

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.spawn(ctx)
		})
	}
	err := g.Wait()
	if live := p.Size(); live == 0 && err != nil {
		return fmt.Errorf("start workers: %w", err)
	} else if err != nil {
		p.logger.Warn("pool started below size", zap.Int("size", n), zap.Int("live", live), zap.Error(err))
	}
	p.logger.Info("pool started", zap.Int("size", n))
	return nil
}

// spawn fills one slot, retrying with backoff. The caller has already counted
// the slot in p.spawning.
func (p *Pool) spawn(ctx context.Context) error {
	var lastErr error
	backoff := p.cfg.SpawnBackoff
	for attempt := 1; attempt <= p.cfg.SpawnAttempts; attempt++ {
		if attempt > 1 {
			if err := p.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}
		w, err := p.register()
		if err != nil {
			lastErr = err
			break
		}
		err = w.Start(ctx, p.launcher)
		metrics.ObserveWorkerSpawn(err)
		if err == nil {
			p.activate(w)
			return nil
		}
		lastErr = err
		p.unregister(w)
		p.logger.Warn("worker spawn failed",
			zap.Int("worker_id", w.ID()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	p.spawnFailed(lastErr)
	return lastErr
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("spawn backoff: %w", ctx.Err())
	case <-p.ctx.Done():
		return prerender.ErrPoolClosed
	}
}

func (p *Pool) register() (*worker.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, prerender.ErrPoolClosed
	}
	p.nextID++
	w := worker.New(p.nextID, p.cfg.Worker, p.logger)
	p.workers[w.ID()] = w
	p.publishLocked()
	return w, nil
}

func (p *Pool) unregister(w *worker.Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.ID()] == w {
		delete(p.workers, w.ID())
	}
	p.publishLocked()
}

func (p *Pool) activate(w *worker.Worker) {
	p.mu.Lock()
	p.spawning--
	if p.closed || p.workers[w.ID()] != w {
		p.mu.Unlock()
		_ = w.Close()
		return
	}
	p.wg.Add(1)
	go p.watch(w)
	p.offerLocked(w)
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pool) spawnFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawning--
	if len(p.workers) == 0 && p.spawning == 0 && !p.closed {
		p.logger.Error("no browser workers left", zap.Error(err))
		p.failWaitersLocked(fmt.Errorf("%w: %w", prerender.ErrEngineUnavailable, err))
	}
	p.publishLocked()
}

// watch replaces a worker whose process exits outside of a render.
func (p *Pool) watch(w *worker.Worker) {
	defer p.wg.Done()
	select {
	case <-w.Done():
		p.OnCrash(w)
	case <-p.ctx.Done():
	}
}

// Acquire claims a free worker, waiting in FIFO order when none is free.
func (p *Pool) Acquire(ctx context.Context) (*worker.Worker, error) {
	return p.acquire(ctx, false)
}

// AcquireFirst is Acquire from the head of the wait queue. It is used to
// resubmit a render whose worker crashed, and ignores the queue bound.
func (p *Pool) AcquireFirst(ctx context.Context) (*worker.Worker, error) {
	return p.acquire(ctx, true)
}

func (p *Pool) acquire(ctx context.Context, first bool) (*worker.Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, prerender.ErrPoolClosed
	}
	if w := p.popFreeLocked(); w != nil {
		p.publishLocked()
		p.mu.Unlock()
		return w, nil
	}
	if p.sized && len(p.workers) == 0 && p.spawning == 0 {
		p.mu.Unlock()
		return nil, prerender.ErrEngineUnavailable
	}
	if !first && p.cfg.QueueDepth > 0 && p.waiters.Len() >= p.cfg.QueueDepth {
		p.mu.Unlock()
		return nil, prerender.ErrQueueFull
	}
	wt := &waiter{ch: make(chan grant, 1)}
	if first {
		wt.elem = p.waiters.PushFront(wt)
	} else {
		wt.elem = p.waiters.PushBack(wt)
	}
	p.publishLocked()
	p.mu.Unlock()

	select {
	case g := <-wt.ch:
		return g.w, g.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	granted := wt.granted
	if !granted {
		p.waiters.Remove(wt.elem)
		p.publishLocked()
	}
	p.mu.Unlock()
	if granted {
		if g := <-wt.ch; g.w != nil {
			p.Release(g.w)
		}
	}
	return nil, fmt.Errorf("wait for free worker: %w", ctx.Err())
}

func (p *Pool) popFreeLocked() *worker.Worker {
	for len(p.free) > 0 {
		w := p.free[0]
		p.free = p.free[1:]
		if w.TryClaim() {
			return w
		}
	}
	return nil
}

// offerLocked hands a Free worker to the oldest waiter or parks it.
func (p *Pool) offerLocked(w *worker.Worker) {
	front := p.waiters.Front()
	if front == nil || !w.TryClaim() {
		p.free = append(p.free, w)
		return
	}
	wt, _ := p.waiters.Remove(front).(*waiter)
	wt.granted = true
	wt.ch <- grant{w: w}
}

func (p *Pool) failWaitersLocked(err error) {
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		wt, _ := p.waiters.Remove(e).(*waiter)
		wt.granted = true
		wt.ch <- grant{err: err}
	}
}

// Release returns a worker after a render. Dead workers are replaced.
func (p *Pool) Release(w *worker.Worker) {
	if w == nil {
		return
	}
	if w.State() == worker.StateDead {
		p.OnCrash(w)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.ID()] != w || !w.MarkFree() {
		return
	}
	p.offerLocked(w)
	p.publishLocked()
}

// OnCrash removes w and starts a replacement. Repeated calls for the same
// worker are no-ops.
func (p *Pool) OnCrash(w *worker.Worker) {
	p.mu.Lock()
	if p.workers[w.ID()] != w {
		p.mu.Unlock()
		return
	}
	delete(p.workers, w.ID())
	p.removeFreeLocked(w)
	w.MarkDead()
	replace := !p.closed
	if replace {
		p.spawning++
		p.wg.Add(1)
	}
	p.publishLocked()
	p.mu.Unlock()

	metrics.IncWorkerCrashes()
	p.logger.Warn("worker crashed", zap.Int("worker_id", w.ID()), zap.Int("pid", w.PID()))
	if err := w.Close(); err != nil {
		p.logger.Debug("close crashed worker", zap.Int("worker_id", w.ID()), zap.Error(err))
	}
	if replace {
		go func() {
			defer p.wg.Done()
			if err := p.spawn(p.ctx); err != nil {
				p.logger.Error("worker replacement failed", zap.Error(err))
			}
		}()
	}
}

func (p *Pool) removeFreeLocked(w *worker.Worker) {
	for i, f := range p.free {
		if f == w {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// Kill terminates the process behind worker id without telling the pool.
// Recovery then follows the same path as a real crash.
func (p *Pool) Kill(id int) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	return w.Kill()
}

// Workers returns a snapshot of every registered worker ordered by id.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	ws := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		ws = append(ws, w)
	}
	p.mu.Unlock()
	sort.Slice(ws, func(i, j int) bool { return ws[i].ID() < ws[j].ID() })
	infos := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		infos = append(infos, WorkerInfo{ID: w.ID(), PID: w.PID(), State: w.State().String()})
	}
	return infos
}

// Size returns how many workers are running (free or busy).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if s := w.State(); s == worker.StateFree || s == worker.StateBusy {
			n++
		}
	}
	return n
}

// Pending returns the number of waiting acquirers.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

// Close fails all waiters, shuts every worker down, and waits for background
// spawns and watchers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[int]*worker.Worker)
	p.free = nil
	p.failWaitersLocked(prerender.ErrPoolClosed)
	p.publishLocked()
	p.mu.Unlock()

	p.cancel()
	var errs []error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) publishLocked() {
	counts := make(map[string]int, 4)
	for _, w := range p.workers {
		counts[w.State().String()]++
	}
	metrics.SetWorkers(counts)
	metrics.SetPending(p.waiters.Len())
}
