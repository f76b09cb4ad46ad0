package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/config"
	"github.com/JakeFAU/crudivore/internal/metrics"
	"github.com/JakeFAU/crudivore/internal/pool"
	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/telemetry"
)

// EscapedFragmentParam carries the "#!" route for clients that cannot send fragments.
const EscapedFragmentParam = "_escaped_fragment_"

const (
	defaultContentType = "text/html; charset=utf-8"
	snapshotTimeout    = 10 * time.Second
)

// Renderer renders one page request.
type Renderer interface {
	Submit(ctx context.Context, req prerender.Request) (prerender.Result, error)
}

// WorkerLister reports pool state for readiness and diagnostics.
type WorkerLister interface {
	Workers() []pool.WorkerInfo
	Size() int
}

// OriginChecker reports whether a target URL exists on the origin.
type OriginChecker interface {
	Exists(ctx context.Context, rawURL string) (bool, error)
}

// Limiter decides whether a client may issue another render.
type Limiter interface {
	Allow(remoteAddr, target string) bool
}

// Archiver stores a rendered page.
type Archiver interface {
	Archive(ctx context.Context, req prerender.Request, res prerender.Result) (string, error)
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithOriginCheck rejects missing resources with 404 before rendering.
func WithOriginCheck(checker OriginChecker) Option {
	return func(s *Server) { s.origin = checker }
}

// WithRateLimit rejects clients over their budget with 429.
func WithRateLimit(limiter Limiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithSnapshots archives every successful render.
func WithSnapshots(archiver Archiver) Option {
	return func(s *Server) { s.archiver = archiver }
}

// Server wires HTTP handlers to the dispatcher and pool.
type Server struct {
	router   chi.Router
	renderer Renderer
	workers  WorkerLister
	idGen    prerender.IDGenerator
	origin   OriginChecker
	limiter  Limiter
	archiver Archiver
	baseURL  string
	cfg      config.Config
	logger   *zap.Logger

	archives sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	renderer Renderer,
	workers WorkerLister,
	idGen prerender.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		renderer: renderer,
		workers:  workers,
		idGen:    idGen,
		baseURL:  strings.TrimRight(cfg.Target.BaseURL, "/"),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	r.Use(requestIDMiddleware(idGen))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.requestBudget()))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/v1/workers", s.listWorkers)
		r.Get("/*", s.render)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestBudget covers an origin check plus a render and its crash retry.
func (s *Server) requestBudget() time.Duration {
	render := s.cfg.RenderTimeout()
	if render <= 0 {
		render = 10 * time.Second
	}
	return 2*render + s.cfg.CheckTimeout() + 5*time.Second
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	live := s.workers.Size()
	if live == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "workers": live})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "workers": live})
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.workers.Workers())
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := s.requestFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger := s.logger.With(zap.String("request_id", requestIDFrom(ctx)), zap.String("target", req.Target()))

	if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr, req.URL) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if s.origin != nil {
		exists, checkErr := s.checkOrigin(ctx, req.URL)
		switch {
		case checkErr != nil:
			logger.Warn("origin check failed, rendering anyway", zap.Error(checkErr))
		case !exists:
			s.writeRenderError(w, logger, fmt.Errorf("%w: %s", prerender.ErrNotFound, req.URL))
			return
		}
	}

	res, err := s.renderer.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("client went away", zap.Error(err))
			return
		}
		s.writeRenderError(w, logger, err)
		return
	}

	for key, values := range res.Header() {
		w.Header()[key] = values
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", defaultContentType)
	}
	w.WriteHeader(res.Status)
	if _, err := w.Write([]byte(res.Body)); err != nil {
		logger.Warn("write rendered body failed", zap.Error(err))
	}

	if s.archiver != nil {
		s.archive(context.WithoutCancel(ctx), req, res)
	}
}

// archive stores the page off the request path so a slow store never delays
// or times out the response. Close waits for pending writes.
func (s *Server) archive(ctx context.Context, req prerender.Request, res prerender.Result) {
	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		archiveCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
		defer cancel()
		// Failures are logged and counted by the archiver.
		_, _ = s.archiver.Archive(archiveCtx, req, res)
	}()
}

// Close waits for in-flight snapshot writes to finish.
func (s *Server) Close() {
	s.archives.Wait()
}

func (s *Server) checkOrigin(ctx context.Context, target string) (bool, error) {
	timeout := s.cfg.CheckTimeout()
	if timeout <= 0 {
		return s.origin.Exists(ctx, target)
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.origin.Exists(checkCtx, target)
}

func (s *Server) writeRenderError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := prerender.StatusForError(err)
	switch {
	case errors.Is(err, prerender.ErrNotFound):
		logger.Info("resource not found")
		writeError(w, status, "not found")
		return
	case status >= http.StatusInternalServerError:
		logger.Error("render failed", zap.Int("status", status), zap.Error(err))
	default:
		logger.Warn("render failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// requestFor maps an incoming request onto the target site.
func (s *Server) requestFor(r *http.Request) (prerender.Request, error) {
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	path, fragment, _ := strings.Cut(uri, "#")
	u, err := url.ParseRequestURI(path)
	if err != nil {
		return prerender.Request{}, fmt.Errorf("invalid request uri: %w", err)
	}
	if rest, value, ok := stripQueryParam(u.RawQuery, EscapedFragmentParam); ok {
		u.RawQuery = rest
		if value != "" {
			fragment = "!" + value
		}
	}

	target := s.baseURL + u.EscapedPath()
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	if fragment != "" {
		target += "#" + fragment
	}
	return prerender.NewRequest(target), nil
}

// stripQueryParam removes every key=value pair named key from rawQuery and
// returns the first decoded value. Other pairs keep their order and encoding.
func stripQueryParam(rawQuery, key string) (string, string, bool) {
	var (
		kept  []string
		value string
		found bool
	)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		if name, err := url.QueryUnescape(rawKey); err != nil || name != key {
			kept = append(kept, pair)
			continue
		}
		if !found {
			if v, err := url.QueryUnescape(rawValue); err == nil {
				value = v
			}
		}
		found = true
	}
	return strings.Join(kept, "&"), value, found
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
