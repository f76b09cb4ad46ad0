// Package server builds the application's dependencies from configuration
// and runs the HTTP front end until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/api"
	"github.com/JakeFAU/crudivore/internal/clock/system"
	"github.com/JakeFAU/crudivore/internal/config"
	"github.com/JakeFAU/crudivore/internal/dispatcher"
	"github.com/JakeFAU/crudivore/internal/engine/chrome"
	"github.com/JakeFAU/crudivore/internal/engine/memory"
	"github.com/JakeFAU/crudivore/internal/hash/sha256"
	"github.com/JakeFAU/crudivore/internal/id/uuid"
	"github.com/JakeFAU/crudivore/internal/origin"
	"github.com/JakeFAU/crudivore/internal/policy/ratelimit"
	"github.com/JakeFAU/crudivore/internal/pool"
	"github.com/JakeFAU/crudivore/internal/prerender"
	memorypublisher "github.com/JakeFAU/crudivore/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crudivore/internal/publisher/pubsub"
	"github.com/JakeFAU/crudivore/internal/snapshot"
	gcsstorage "github.com/JakeFAU/crudivore/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crudivore/internal/storage/local"
	memorystorage "github.com/JakeFAU/crudivore/internal/storage/memory"
	pgstore "github.com/JakeFAU/crudivore/internal/storage/postgres"
	"github.com/JakeFAU/crudivore/internal/telemetry"
	"github.com/JakeFAU/crudivore/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// demoPage is served by the memory engine at the target root.
const demoPage = `<html><head><title>crudivore</title>` +
	`<script>window.crudivore = {pageReady: false};</script></head>` +
	`<body><h1>crudivore</h1><p>route: ` + memory.HashPlaceholder + `</p></body></html>`

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pool.Pool
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	gcs       *gcsstorage.BlobStore
	pubsub    *gcppublisher.Publisher
	index     *pgstore.SnapshotIndex
	tracing   telemetry.ShutdownFunc
}

// Build creates the application's dependencies and starts the worker pool.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("target", cfg.Target.BaseURL),
		zap.String("engine", cfg.Engine.Backend),
		zap.Int("pool_size", cfg.Pool.Size),
	)

	tracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Proto:       cfg.Telemetry.Proto,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracing = tracing

	launcher, checker := app.setupEngine()
	app.pool = pool.New(launcher, pool.Config{
		Size:          cfg.Pool.Size,
		QueueDepth:    cfg.Pool.QueueDepth,
		SpawnAttempts: cfg.Pool.SpawnAttempts,
		SpawnBackoff:  cfg.SpawnBackoff(),
		Worker: worker.Config{
			PollInterval: cfg.PollInterval(),
			PingTimeout:  cfg.PingTimeout(),
		},
	}, logger.Named("pool"))
	if err := app.pool.Resize(ctx, cfg.Pool.Size); err != nil {
		_ = app.pool.Close()
		_ = app.tracing(ctx)
		return nil, fmt.Errorf("start worker pool: %w", err)
	}

	app.dispatch = dispatcher.New(app.pool, dispatcher.Config{
		RenderTimeout: cfg.RenderTimeout(),
	}, logger.Named("dispatcher"))

	opts, err := app.setupOptions(ctx, checker)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.apiServer = api.NewServer(
		app.dispatch,
		app.pool,
		uuid.New(),
		cfg,
		logger.Named("api"),
		opts...,
	)
	return app, nil
}

// setupEngine picks the browser backend. The memory backend also answers
// origin checks since it has no real origin behind it.
func (a *App) setupEngine() (prerender.Launcher, api.OriginChecker) {
	if a.cfg.Engine.Backend == config.BackendMemory {
		site := memory.NewSite()
		site.Handle(strings.TrimRight(a.cfg.Target.BaseURL, "/")+"/", memory.Page{Body: demoPage})
		a.logger.Warn("using in-memory browser engine")
		return memory.NewLauncher(site), site
	}
	a.logger.Info("using chrome browser engine",
		zap.String("exec_path", a.cfg.Engine.ExecPath),
		zap.Bool("no_sandbox", a.cfg.Engine.NoSandbox),
	)
	launcher := chrome.NewLauncher(chrome.Config{
		ExecPath:     a.cfg.Engine.ExecPath,
		UserAgent:    a.cfg.Engine.UserAgent,
		NoSandbox:    a.cfg.Engine.NoSandbox,
		StartTimeout: a.cfg.StartTimeout(),
	}, a.logger.Named("chrome"))
	return launcher, origin.New(origin.Config{
		UserAgent: a.cfg.Engine.UserAgent,
		Timeout:   a.cfg.CheckTimeout(),
	})
}

func (a *App) setupOptions(ctx context.Context, checker api.OriginChecker) ([]api.Option, error) {
	var opts []api.Option
	if a.cfg.Target.CheckOrigin {
		opts = append(opts, api.WithOriginCheck(checker))
	} else {
		a.logger.Info("origin check disabled")
	}

	if a.cfg.RateLimit.Enabled {
		opts = append(opts, api.WithRateLimit(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		})))
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	}

	store, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		var snapOpts []snapshot.Option
		if pub := a.setupPublisher(ctx); pub != nil {
			snapOpts = append(snapOpts, snapshot.WithPublisher(pub, a.cfg.Snapshot.Notify.Topic))
		}
		if a.cfg.Snapshot.Index.DSN != "" {
			idx, err := pgstore.NewSnapshotIndex(ctx, pgstore.Config{
				DSN:             a.cfg.Snapshot.Index.DSN,
				Table:           a.cfg.Snapshot.Index.Table,
				MaxConns:        a.cfg.Snapshot.Index.MaxConns,
				MinConns:        a.cfg.Snapshot.Index.MinConns,
				MaxConnLifetime: a.cfg.IndexConnLifetime(),
			})
			if err != nil {
				return nil, fmt.Errorf("snapshot index init failed: %w", err)
			}
			a.index = idx
			snapOpts = append(snapOpts, snapshot.WithIndex(idx))
			a.logger.Info("snapshot index initialized", zap.String("table", a.cfg.Snapshot.Index.Table))
		}
		archiver := snapshot.New(
			store,
			sha256.New(),
			system.New(),
			a.cfg.Snapshot.Prefix,
			a.logger.Named("snapshot"),
			snapOpts...,
		)
		opts = append(opts, api.WithSnapshots(archiver))
	}
	return opts, nil
}

// setupPublisher falls back to an in-process publisher when Pub/Sub cannot
// be reached, so a bad notification setup never blocks rendering.
func (a *App) setupPublisher(ctx context.Context) prerender.Publisher {
	notify := a.cfg.Snapshot.Notify
	if notify.Topic == "" {
		return nil
	}
	if notify.ProjectID == "" {
		a.logger.Warn("No Pub/Sub project configured, using in-memory publisher", zap.String("topic", notify.Topic))
		return memorypublisher.New(memorypublisher.DefaultRetain)
	}
	pub, err := gcppublisher.Open(ctx, notify.ProjectID)
	if err != nil {
		a.logger.Warn("pubsub init failed, using in-memory publisher", zap.Error(err))
		return memorypublisher.New(memorypublisher.DefaultRetain)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", notify.ProjectID),
		zap.String("topic", notify.Topic),
	)
	return pub
}

func (a *App) setupStorage(ctx context.Context) (prerender.BlobStore, error) {
	switch a.cfg.Snapshot.Backend {
	case config.SnapshotGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Snapshot.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Snapshot.Bucket))
		return store, nil
	case config.SnapshotLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshot.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Snapshot.Local.BaseDir))
		return store, nil
	case config.SnapshotMemory:
		a.logger.Info("using in-memory snapshot store")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("snapshots disabled")
		return nil, nil
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close()
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close stops in-flight renders, terminates every browser, and releases
// storage clients.
func (a *App) Close() error {
	a.dispatch.Close()
	if a.apiServer != nil {
		a.apiServer.Close()
	}
	var errs []error
	if err := a.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pool: %w", err))
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
