package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/config"
	"github.com/JakeFAU/crudivore/internal/dispatcher"
	"github.com/JakeFAU/crudivore/internal/engine/memory"
	"github.com/JakeFAU/crudivore/internal/pool"
	"github.com/JakeFAU/crudivore/internal/prerender"
	"github.com/JakeFAU/crudivore/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const baseURL = "http://app.test"

type harness struct {
	site     *memory.Site
	launcher *memory.Launcher
	pool     *pool.Pool
	server   *Server
}

func testConfig() config.Config {
	return config.Config{
		Target: config.TargetConfig{BaseURL: baseURL, CheckOrigin: true},
		Render: config.RenderConfig{TimeoutMs: 2000},
	}
}

func newHarness(t *testing.T, size int, renderTimeout time.Duration, cfg config.Config, opts ...Option) *harness {
	t.Helper()
	site := memory.NewSite()
	site.Handle(baseURL+"/", memory.Page{
		Body:       `<html><head><script src="/app.js"></script></head><body><h1>home</h1><p>{{hash}}</p><script>boot()</script></body></html>`,
		ReadyAfter: 10 * time.Millisecond,
	})
	site.Handle(baseURL+"/async", memory.Page{
		Body:       `<html><body><div id="feed">loaded later</div></body></html>`,
		ReadyAfter: 120 * time.Millisecond,
	})
	site.Handle(baseURL+"/slow", memory.Page{
		Body:       `<html><body>slow</body></html>`,
		ReadyAfter: 150 * time.Millisecond,
	})
	site.Handle(baseURL+"/very-slow", memory.Page{
		Body:       `<html><body>very slow</body></html>`,
		ReadyAfter: 400 * time.Millisecond,
	})
	site.Handle(baseURL+"/gone", memory.Page{
		Body:   `<html><body>not here</body></html>`,
		Status: http.StatusNotFound,
	})
	site.Handle(baseURL+"/moved", memory.Page{
		Body:    `<html><body>moved</body></html>`,
		Status:  http.StatusFound,
		Headers: map[string]string{"Location": baseURL + "/elsewhere"},
	})
	site.Handle(baseURL+"/stuck", memory.Page{Body: "<p>stuck</p>", NeverReady: true})

	launcher := memory.NewLauncher(site)
	p := pool.New(launcher, pool.Config{
		SpawnAttempts: 2,
		SpawnBackoff:  time.Millisecond,
		Worker:        worker.Config{PollInterval: 5 * time.Millisecond, PingTimeout: 50 * time.Millisecond},
	}, zap.NewNop())
	require.NoError(t, p.Resize(context.Background(), size))
	d := dispatcher.New(p, dispatcher.Config{RenderTimeout: renderTimeout}, zap.NewNop())
	t.Cleanup(func() {
		d.Close()
		require.NoError(t, p.Close())
	})

	opts = append([]Option{WithOriginCheck(site)}, opts...)
	server := NewServer(d, p, &fakeIDGen{}, cfg, zap.NewNop(), opts...)
	t.Cleanup(server.Close)
	return &harness{site: site, launcher: launcher, pool: p, server: server}
}

func (h *harness) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (h *harness) navigations() int {
	total := 0
	for _, b := range h.launcher.Browsers() {
		total += b.Navigations()
	}
	return total
}

func (h *harness) busy() []pool.WorkerInfo {
	var out []pool.WorkerInfo
	for _, info := range h.pool.Workers() {
		if info.State == "busy" {
			out = append(out, info)
		}
	}
	return out
}

func (h *harness) getAsync(target string) <-chan *httptest.ResponseRecorder {
	out := make(chan *httptest.ResponseRecorder, 1)
	go func() { out <- h.get(target) }()
	return out
}

func await(t *testing.T, ch <-chan *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return nil
	}
}

func TestRenderServesStrippedPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	rec := h.get("/")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "<h1>home</h1>")
	require.NotContains(t, rec.Body.String(), "<script")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRenderWaitsForAsyncContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	start := time.Now()
	rec := h.get("/async")

	require.Equal(t, http.StatusOK, rec.Code)
	require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
	require.Contains(t, rec.Body.String(), "loaded later")
}

func TestRenderForwardsHashbang(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	for _, target := range []string{"/#!/hashtest", "/?_escaped_fragment_=/hashtest"} {
		rec := h.get(target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		require.Contains(t, rec.Body.String(), "<p>#!/hashtest</p>", target)
	}
}

func TestRequestForBuildsTarget(t *testing.T) {
	t.Parallel()

	s := &Server{baseURL: baseURL}
	cases := map[string]string{
		"/":                                   baseURL + "/",
		"/docs/page?lang=en":                  baseURL + "/docs/page?lang=en",
		"/#!/a/b":                             baseURL + "/#!/a/b",
		"/app?_escaped_fragment_=/x&lang=en":  baseURL + "/app?lang=en#!/x",
		"/app?_escaped_fragment_=":            baseURL + "/app",
		"/plain#section":                      baseURL + "/plain",
		"/list?b=1&_escaped_fragment_=/y&a=2": baseURL + "/list?b=1&a=2#!/y",
		"/list?b=%20x&a=2":                    baseURL + "/list?b=%20x&a=2",
		"/q?_escaped_fragment_=%2Fz%3Fk":      baseURL + "/q#!/z?k",
	}
	for uri, want := range cases {
		req, err := s.requestFor(httptest.NewRequest(http.MethodGet, uri, nil))
		require.NoError(t, err, uri)
		require.Equal(t, want, req.Target(), uri)
	}
}

func TestRenderPageDeclaredStatusAndHeaders(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())

	rec := h.get("/gone")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "not here")

	rec = h.get("/moved")
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, baseURL+"/elsewhere", rec.Header().Get("Location"))
}

func TestRenderMissingResourceSkipsBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	before := h.navigations()

	rec := h.get("/does-not-exist")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, before, h.navigations())
}

func TestRenderOriginErrorFailsOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig(), WithOriginCheck(failingOrigin{}))
	rec := h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRenderQueuesBeyondPoolSize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0, testConfig())
	results := make([]<-chan *httptest.ResponseRecorder, 0, 3)
	for i := 0; i < 3; i++ {
		results = append(results, h.getAsync("/slow"))
	}

	require.Eventually(t, func() bool {
		return len(h.busy()) == 2 && h.pool.Pending() == 1
	}, time.Second, time.Millisecond)

	for _, ch := range results {
		rec := await(t, ch)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), "slow")
	}
	require.Equal(t, 2, h.launcher.Launches())
}

func TestRenderRecoversFromWorkerCrash(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0, testConfig())
	ch := h.getAsync("/very-slow")

	require.Eventually(t, func() bool { return len(h.busy()) == 1 }, time.Second, time.Millisecond)
	victim := h.busy()[0]
	require.NoError(t, h.pool.Kill(victim.ID))

	rec := await(t, ch)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "very slow")
	require.Eventually(t, func() bool { return h.pool.Size() == 2 }, time.Second, time.Millisecond)
}

func TestRenderConcurrentSamePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0, testConfig())
	const n = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := h.get("/#!/shared")
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d", rec.Code)
				return
			}
			mu.Lock()
			bodies = append(bodies, rec.Body.String())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, bodies, n)
	for _, body := range bodies {
		require.Equal(t, bodies[0], body)
		require.Contains(t, body, "#!/shared")
	}
}

func TestRenderTimeoutIsGatewayTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Render.TimeoutMs = 50
	h := newHarness(t, 1, 50*time.Millisecond, cfg)

	rec := h.get("/stuck")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, h.launcher.Launches())
}

func TestRenderEngineUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	ch := h.getAsync("/very-slow")
	require.Eventually(t, func() bool { return len(h.busy()) == 1 }, time.Second, time.Millisecond)

	h.launcher.FailLaunches(100)
	require.NoError(t, h.pool.Kill(h.busy()[0].ID))

	rec := await(t, ch)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitRejects(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig(), WithRateLimit(&countingLimiter{allow: 1}))
	require.Equal(t, http.StatusOK, h.get("/").Code)

	before := h.navigations()
	rec := h.get("/")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, before, h.navigations())
}

func TestSnapshotArchivedAfterRender(t *testing.T) {
	t.Parallel()

	archiver := &recordingArchiver{}
	h := newHarness(t, 1, 0, testConfig(), WithSnapshots(archiver))

	require.Equal(t, http.StatusOK, h.get("/#!/snap").Code)
	require.Equal(t, http.StatusNotFound, h.get("/does-not-exist").Code)

	require.Eventually(t, func() bool { return len(archiver.Targets()) == 1 }, time.Second, time.Millisecond)
	h.server.Close()
	require.Equal(t, []string{baseURL + "/#!/snap"}, archiver.Targets())
}

func TestSlowSnapshotDoesNotDelayResponse(t *testing.T) {
	t.Parallel()

	archiver := &blockingArchiver{release: make(chan struct{}), started: make(chan struct{})}
	cfg := testConfig()
	cfg.Render.TimeoutMs = 200
	h := newHarness(t, 1, 0, cfg, WithSnapshots(archiver))

	start := time.Now()
	rec := h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "home")
	require.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-archiver.started:
	case <-time.After(time.Second):
		t.Fatal("archive never started")
	}
	close(archiver.release)
	h.server.Close()
	require.Equal(t, 1, archiver.Done())
}

func TestSnapshotFailureDoesNotFailRender(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig(), WithSnapshots(&recordingArchiver{err: errors.New("bucket offline")}))
	rec := h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "home")
}

func TestAPIKeyGuardsRenderAndWorkers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	h := newHarness(t, 1, 0, cfg)

	require.Equal(t, http.StatusForbidden, h.get("/").Code)
	require.Equal(t, http.StatusForbidden, h.get("/v1/workers").Code)
	require.Equal(t, http.StatusOK, h.get("/healthz").Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0, testConfig())
	require.Equal(t, http.StatusOK, h.get("/healthz").Code)
	require.Equal(t, http.StatusOK, h.get("/readyz").Code)
	require.Equal(t, http.StatusOK, h.get("/metrics").Code)

	empty := NewServer(stubRenderer{}, stubWorkers{}, nil, testConfig(), nil)
	rec := httptest.NewRecorder()
	empty.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWorkersEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0, testConfig())
	rec := h.get("/v1/workers")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []pool.WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	for _, info := range infos {
		require.Equal(t, "free", info.State)
		require.Positive(t, info.PID)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(panicRenderer{}, stubWorkers{}, &fakeIDGen{}, testConfig(), zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	server := NewServer(stubRenderer{}, stubWorkers{}, &fakeIDGen{}, testConfig(), zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return "req-" + strconv.Itoa(f.n), nil
}

type failingOrigin struct{}

func (failingOrigin) Exists(context.Context, string) (bool, error) {
	return false, errors.New("origin unreachable")
}

type countingLimiter struct {
	mu    sync.Mutex
	allow int
}

func (l *countingLimiter) Allow(string, string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allow <= 0 {
		return false
	}
	l.allow--
	return true
}

type recordingArchiver struct {
	mu      sync.Mutex
	err     error
	targets []string
}

func (a *recordingArchiver) Archive(_ context.Context, req prerender.Request, _ prerender.Result) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.targets = append(a.targets, req.Target())
	return "mem://" + req.Target(), nil
}

func (a *recordingArchiver) Targets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.targets...)
}

type blockingArchiver struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
	mu      sync.Mutex
	done    int
}

func (a *blockingArchiver) Archive(ctx context.Context, req prerender.Request, _ prerender.Result) (string, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-a.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	a.mu.Lock()
	a.done++
	a.mu.Unlock()
	return "mem://" + req.Target(), nil
}

func (a *blockingArchiver) Done() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

type stubRenderer struct{}

func (stubRenderer) Submit(context.Context, prerender.Request) (prerender.Result, error) {
	return prerender.Result{Status: http.StatusOK, Body: "<p>stub</p>"}, nil
}

type panicRenderer struct{}

func (panicRenderer) Submit(context.Context, prerender.Request) (prerender.Result, error) {
	panic("renderer exploded")
}

type stubWorkers struct{}

func (stubWorkers) Workers() []pool.WorkerInfo { return nil }

func (stubWorkers) Size() int { return 0 }
