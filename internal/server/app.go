// Package server builds the service's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/timetravel/internal/api"
	"github.com/JakeFAU/timetravel/internal/clock/system"
	"github.com/JakeFAU/timetravel/internal/config"
	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/timetravel/internal/fetcher/colly"
	"github.com/JakeFAU/timetravel/internal/id/uuid"
	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/policy/ratelimit"
	"github.com/JakeFAU/timetravel/internal/processor"
	"github.com/JakeFAU/timetravel/internal/progress"
	progresssinks "github.com/JakeFAU/timetravel/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/timetravel/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/timetravel/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/timetravel/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/timetravel/internal/storage/gcs"
	localstorage "github.com/JakeFAU/timetravel/internal/storage/local"
	memoryStorage "github.com/JakeFAU/timetravel/internal/storage/memory"
	pgstore "github.com/JakeFAU/timetravel/internal/storage/postgres"
	"github.com/JakeFAU/timetravel/internal/submission"
	"github.com/JakeFAU/timetravel/internal/telemetry"
	"github.com/JakeFAU/timetravel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue
	progressHub    *progress.Hub
	pubsub         *gcppublisher.Client
	storage        *storage.Client
	resolutions    *pgstore.ResolutionStore
	tracerProvider *sdktrace.TracerProvider
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs the worker pool until ctx ends or the server
// fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started", zap.Int("port", a.cfg.Server.Port))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Workers.Concurrency))
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases every resource the App owns. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client: %w", err))
		}
	}
	if a.resolutions != nil {
		a.resolutions.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// Build creates the application's dependencies. On error everything built so
// far is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies")
	store, ready, err := setupResolutionStore(ctx, app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	deps, err := ProcessorDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.Emitter = emitter

	app.queue = queueMemory.NewQueue(cfg.Workers.QueueDepth)
	app.dispatch = setupDispatcher(app, store, blobStore, publisher, deps)

	app.apiServer = api.NewServer(
		store,
		app.dispatch,
		deps.Registry,
		uuid.NewUUIDGenerator(),
		system.New(),
		cfg,
		logger.Named("api"),
		ready...,
	)
	return app, nil
}

// ProcessorDeps builds the depot registry and submitters shared by every
// processor: depot lookups never follow redirects so Location headers stay
// visible, submissions do.
func ProcessorDeps(cfg config.Config, logger *zap.Logger) (processor.Deps, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter collyfetcher.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}
	depotFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
		Limiter:   limiter,
	})
	submitFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.HTTP.UserAgent,
		Timeout:         cfg.HTTPTimeout(),
		FollowRedirects: true,
		Limiter:         limiter,
	})

	registry, err := depot.NewRegistry(cfg.Depots, depotFetcher, cfg.HTTP.UserAgent,
		cfg.Fallback.DefaultPrefix, logger.Named("depot"))
	if err != nil {
		return processor.Deps{}, fmt.Errorf("depot registry: %w", err)
	}
	factory := submission.NewFactory(cfg.SubmissionSettings(), submitFetcher, system.New(), logger.Named("submission"))
	logger.Info("processor configured",
		zap.Int("depots", registry.Len()),
		zap.Strings("submitters", factory.Names()),
		zap.Int("max_status_checks", cfg.Submission.MaxStatusChecks),
	)
	return processor.Deps{
		Registry:        registry,
		Submitters:      factory,
		Logger:          logger.Named("processor"),
		MaxStatusChecks: cfg.Submission.MaxStatusChecks,
	}, nil
}

func setupResolutionStore(ctx context.Context, app *App) (memento.ResolutionStore, []api.ReadinessCheck, error) {
	dbCfg := app.cfg.Database
	if dbCfg.DSN == "" {
		app.logger.Warn("no database DSN configured, keeping resolutions in memory")
		return memoryStorage.NewResolutionStore(), nil, nil
	}
	store, err := pgstore.NewResolutionStore(ctx, pgstore.Config{
		DSN:             dbCfg.DSN,
		Table:           dbCfg.Table,
		MaxConns:        dbCfg.MaxConns,
		MinConns:        dbCfg.MinConns,
		MaxConnLifetime: dbCfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolution store init failed: %w", err)
	}
	app.resolutions = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	app.logger.Info("postgres resolution store initialized", zap.String("table", dbCfg.Table))
	return store, []api.ReadinessCheck{store.Ping}, nil
}

func setupStorage(ctx context.Context, app *App) (memento.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		var opts []option.ClientOption
		if endpoint := app.cfg.Storage.Endpoint; endpoint != "" {
			opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS receipt storage",
			zap.String("bucket", app.cfg.Storage.Bucket),
			zap.String("endpoint", app.cfg.Storage.Endpoint),
		)
		return blobStore, nil
	case config.StorageLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local receipt storage", zap.String("path", app.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory receipt storage")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (memento.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := gcppublisher.Connect(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub init failed: %w", err)
	}
	app.pubsub = client
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return client.Publisher(), nil
}

func setupProgress(app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.ProgressBatchWait(),
		SinkTimeout:    app.cfg.ProgressSinkTimeout(),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupDispatcher(
	app *App,
	store memento.ResolutionStore,
	blobStore memento.BlobStore,
	publisher memento.Publisher,
	deps processor.Deps,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		BlobPrefix: app.cfg.Storage.Prefix,
		Topic:      app.cfg.PubSub.TopicName,
		Timeout:    app.cfg.ResolveTimeout(),
	}
	app.logger.Info("worker config",
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("timeout", workerCfg.Timeout),
	)
	clock := system.New()
	workers := make([]dispatcher.Runner, 0, app.cfg.Workers.Concurrency)
	for i := 0; i < app.cfg.Workers.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			store,
			blobStore,
			publisher,
			clock,
			deps,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
