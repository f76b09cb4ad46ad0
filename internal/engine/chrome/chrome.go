// Package chrome launches one headless Chrome process per render worker and
// drives its single tab through chromedp.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/probe"
)

const (
	defaultStartTimeout = 15 * time.Second
	blankPage           = "about:blank"
)

// Config controls how Chrome processes are started.
type Config struct {
	ExecPath     string
	UserAgent    string
	NoSandbox    bool
	StartTimeout time.Duration
}

// Launcher implements prerender.Launcher with chromedp exec allocators.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts a Chrome process and waits for its first tab.
func (l *Launcher) Launch(ctx context.Context) (prerender.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	// The first Run starts the process; its context must outlive the launch.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, l.setupAction())
	}()

	timer := time.NewTimer(l.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("chromedp warmup: no response after %s", l.cfg.StartTimeout)
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
	}

	b := &Browser{
		tabCtx: tabCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Browser != nil {
		b.process = c.Browser.Process()
		go b.watch(c.Browser.LostConnection)
	} else {
		go b.watch(nil)
	}
	l.logger.Debug("chrome started", zap.Int("pid", b.PID()))
	return b, nil
}

func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if l.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// Browser is one Chrome process with a single tab.
type Browser struct {
	tabCtx  context.Context
	cancel  context.CancelFunc
	process *os.Process
	done    chan struct{}
}

func (b *Browser) watch(lost <-chan struct{}) {
	select {
	case <-lost:
	case <-b.tabCtx.Done():
	}
	close(b.done)
}

// Navigate loads target, passing through a blank document so that a change
// of "#!" route alone still produces a fresh page.
func (b *Browser) Navigate(ctx context.Context, target string) error {
	err := b.run(ctx,
		chromedp.Navigate(blankPage),
		chromedp.Navigate(target),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	return nil
}

// Evaluate runs expression in the tab and decodes its JSON value into out.
func (b *Browser) Evaluate(ctx context.Context, expression string, out any) error {
	if err := b.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Ping checks the process and the DevTools connection.
func (b *Browser) Ping(ctx context.Context) error {
	select {
	case <-b.done:
		return errors.New("browser connection lost")
	default:
	}
	if b.process != nil {
		if err := b.process.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("signal chrome process: %w", err)
		}
	}
	var one int
	return b.Evaluate(ctx, probe.PingExpression, &one)
}

// PID returns the Chrome process id, or 0 for a remote allocator.
func (b *Browser) PID() int {
	if b.process == nil {
		return 0
	}
	return b.process.Pid
}

// Done is closed when the DevTools connection drops or the tab is torn down.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

// Kill terminates the Chrome process without a graceful shutdown.
func (b *Browser) Kill() error {
	var err error
	if b.process != nil {
		if killErr := b.process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill chrome: %w", killErr)
		}
	}
	b.cancel()
	return err
}

// Close shuts Chrome down through chromedp.
func (b *Browser) Close() error {
	b.cancel()
	return nil
}

// run executes actions on the tab, bounded by ctx without ever cancelling the
// tab context itself.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithCancel(b.tabCtx)
	if deadline, ok := ctx.Deadline(); ok {
		cancel()
		opCtx, cancel = context.WithDeadline(b.tabCtx, deadline)
	}
	defer cancel()

	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return err
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
