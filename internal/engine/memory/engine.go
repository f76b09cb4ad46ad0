// Package memory provides an in-process browser engine that simulates pages
// honoring the readiness contract. It backs local development and tests,
// including fault injection (killed or hung processes, failed launches).
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/probe"
)

// HashPlaceholder in a page body is replaced with the "#!" route it was loaded with.
const HashPlaceholder = "{{hash}}"

// ErrProcessExited is returned by a Browser after Kill or Close.
var ErrProcessExited = errors.New("browser process exited")

// ErrLaunchFailed is returned by launches armed to fail.
var ErrLaunchFailed = errors.New("browser launch failed")

// Page describes how a simulated document behaves.
type Page struct {
	// Body is the serialized document, scripts included.
	Body string
	// ReadyAfter delays the pageReady flag relative to navigation.
	ReadyAfter time.Duration
	// NeverReady keeps pageReady false forever.
	NeverReady bool
	// Undeclared pages never create the result object at all.
	Undeclared bool
	// Status and Headers are the page-declared result fields.
	Status  int
	Headers map[string]string
}

// Site is a set of pages keyed by URL, optionally with a "#!" route suffix.
type Site struct {
	mu    sync.RWMutex
	pages map[string]Page
}

// NewSite creates an empty Site.
func NewSite() *Site {
	return &Site{pages: make(map[string]Page)}
}

// Handle registers page under target. A target with a "#!" route takes
// precedence over the bare URL when both match.
func (s *Site) Handle(target string, page Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[target] = page
}

// Exists reports whether any page is registered for the bare URL. It lets a
// Site stand in for the origin when the memory engine serves local development.
func (s *Site) Exists(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[prerender.NewRequest(url).URL]
	return ok, nil
}

func (s *Site) lookup(target string) (Page, string) {
	req := prerender.NewRequest(target)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if req.HashFragment != "" {
		if page, ok := s.pages[req.Target()]; ok {
			return page, req.HashFragment
		}
	}
	if page, ok := s.pages[req.URL]; ok {
		return page, req.HashFragment
	}
	return Page{Body: "<html><head></head><body>Cannot GET</body></html>", Undeclared: true}, req.HashFragment
}

// Launcher starts simulated browser processes against a Site.
type Launcher struct {
	site        *Site
	launchDelay time.Duration

	mu       sync.Mutex
	nextPID  int
	failures int
	launches int
	browsers []*Browser
}

// NewLauncher creates a Launcher serving pages from site.
func NewLauncher(site *Site) *Launcher {
	if site == nil {
		site = NewSite()
	}
	return &Launcher{site: site, nextPID: 10000}
}

// WithLaunchDelay makes every launch take d before the browser is usable.
func (l *Launcher) WithLaunchDelay(d time.Duration) *Launcher {
	l.launchDelay = d
	return l
}

// FailLaunches arms the next n launches to fail.
func (l *Launcher) FailLaunches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// Launches returns how many launches were attempted.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Browsers returns every browser launched so far, dead ones included.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Launch implements prerender.Launcher.
func (l *Launcher) Launch(ctx context.Context) (prerender.Browser, error) {
	if l.launchDelay > 0 {
		select {
		case <-time.After(l.launchDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("launch canceled: %w", ctx.Err())
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.failures > 0 {
		l.failures--
		return nil, ErrLaunchFailed
	}
	l.nextPID++
	b := &Browser{
		site: l.site,
		pid:  l.nextPID,
		done: make(chan struct{}),
	}
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Browser is one simulated engine process.
type Browser struct {
	site *Site
	pid  int

	mu          sync.Mutex
	page        Page
	hash        string
	loaded      bool
	navigatedAt time.Time
	navigations int

	hung      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Hang makes the process stop answering without exiting.
func (b *Browser) Hang() {
	b.hung.Store(true)
}

// Navigations returns how many documents this browser has loaded.
func (b *Browser) Navigations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.navigations
}

// Navigate implements prerender.Browser.
func (b *Browser) Navigate(ctx context.Context, target string) error {
	if err := b.await(ctx); err != nil {
		return err
	}
	page, hash := b.site.lookup(target)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.page = page
	b.hash = hash
	b.loaded = true
	b.navigatedAt = time.Now()
	b.navigations++
	return nil
}

// Evaluate implements prerender.Browser for the probe expressions.
func (b *Browser) Evaluate(ctx context.Context, expression string, out any) error {
	if err := b.await(ctx); err != nil {
		return err
	}
	value, err := b.evaluate(expression)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode evaluation result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode evaluation result: %w", err)
	}
	return nil
}

func (b *Browser) evaluate(expression string) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch expression {
	case probe.PingExpression:
		return 1, nil
	case probe.ReadyExpression:
		return b.readyLocked(), nil
	case probe.ResultExpression:
		if !b.loaded || b.page.Undeclared {
			return map[string]any{}, nil
		}
		out := map[string]any{"pageReady": b.readyLocked()}
		if b.page.Status != 0 {
			out["status"] = b.page.Status
		}
		if len(b.page.Headers) > 0 {
			out["headers"] = b.page.Headers
		}
		return out, nil
	case probe.ContentExpression:
		if !b.loaded {
			return "<html><head></head><body></body></html>", nil
		}
		route := ""
		if b.hash != "" {
			route = prerender.HashbangMarker + b.hash
		}
		return strings.ReplaceAll(b.page.Body, HashPlaceholder, route), nil
	default:
		return nil, fmt.Errorf("memory engine cannot evaluate %q", expression)
	}
}

func (b *Browser) readyLocked() bool {
	if !b.loaded || b.page.Undeclared || b.page.NeverReady {
		return false
	}
	return time.Since(b.navigatedAt) >= b.page.ReadyAfter
}

// await fails fast on a dead process and blocks forever on a hung one.
func (b *Browser) await(ctx context.Context) error {
	select {
	case <-b.done:
		return ErrProcessExited
	default:
	}
	if !b.hung.Load() {
		return nil
	}
	select {
	case <-b.done:
		return ErrProcessExited
	case <-ctx.Done():
		return fmt.Errorf("browser unresponsive: %w", ctx.Err())
	}
}

// Ping implements prerender.Browser.
func (b *Browser) Ping(ctx context.Context) error {
	var one int
	return b.Evaluate(ctx, probe.PingExpression, &one)
}

// PID implements prerender.Browser.
func (b *Browser) PID() int {
	return b.pid
}

// Done implements prerender.Browser.
func (b *Browser) Done() <-chan struct{} {
	return b.done
}

// Kill implements prerender.Browser.
func (b *Browser) Kill() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// Close implements prerender.Browser.
func (b *Browser) Close() error {
	return b.Kill()
}

// Alive reports whether the process has not exited.
func (b *Browser) Alive() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}
