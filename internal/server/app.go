// Package server builds the tracker's dependency graph and runs the HTTP
// server alongside the sync scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/api"
	"github.com/JakeFAU/mgnrega-tracker/internal/clock/system"
	"github.com/JakeFAU/mgnrega-tracker/internal/collector"
	"github.com/JakeFAU/mgnrega-tracker/internal/config"
	"github.com/JakeFAU/mgnrega-tracker/internal/district"
	"github.com/JakeFAU/mgnrega-tracker/internal/geo"
	"github.com/JakeFAU/mgnrega-tracker/internal/id/uuid"
	redislock "github.com/JakeFAU/mgnrega-tracker/internal/lock/redis"
	"github.com/JakeFAU/mgnrega-tracker/internal/metrics"
	memorypublisher "github.com/JakeFAU/mgnrega-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/mgnrega-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/mgnrega-tracker/internal/scheduler"
	gcsstorage "github.com/JakeFAU/mgnrega-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/mgnrega-tracker/internal/storage/local"
	memorystorage "github.com/JakeFAU/mgnrega-tracker/internal/storage/memory"
	mongostore "github.com/JakeFAU/mgnrega-tracker/internal/storage/mongo"
	pgstore "github.com/JakeFAU/mgnrega-tracker/internal/storage/postgres"
	"github.com/JakeFAU/mgnrega-tracker/internal/syncer"
	"github.com/JakeFAU/mgnrega-tracker/internal/transform"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     district.Store
	syncer    *syncer.Syncer
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	closers   []closer
}

const defaultProbeTimeout = 10 * time.Second

type closer struct {
	name string
	fn   func(context.Context) error
}

// Store exposes the configured district store.
func (a *App) Store() district.Store {
	return a.store
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies. On error, anything already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
		zap.Bool("redis_lock", cfg.Redis.Addr != ""),
	)

	if a.store, err = a.setupStore(ctx); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	locker, err := a.setupLocker(ctx)
	if err != nil {
		return err
	}
	transformer, err := a.setupTransformer()
	if err != nil {
		return err
	}

	coll, err := collector.New(collector.Config{
		Endpoint:        cfg.Source.Endpoint,
		APIKey:          cfg.Source.APIKey,
		PageSize:        cfg.Source.PageSize,
		MaxPages:        cfg.Source.MaxPages,
		StateFilter:     cfg.Source.StateFilter,
		MinRecords:      cfg.Source.MinRecords,
		MinCombinations: cfg.Source.MinCombinations,
		PageDelay:       cfg.Source.PageDelay,
		Timeout:         cfg.Source.Timeout,
		MaxRetries:      cfg.Source.MaxRetries,
		RetryBackoff:    cfg.Source.RetryBackoff,
		UserAgent:       cfg.Source.UserAgent,
	}, nil, logger.Named("collector"))
	if err != nil {
		return fmt.Errorf("collector init failed: %w", err)
	}
	if cfg.Source.APIKey == "" {
		logger.Warn("source.api_key is empty; upstream requests will likely be rejected")
	}

	ids := uuid.New()
	a.syncer = syncer.New(
		coll,
		transformer,
		a.store,
		archive,
		publisher,
		locker,
		system.New(),
		ids,
		syncer.Config{
			ArchivePrefix: cfg.Archive.Prefix,
			Topic:         cfg.PubSub.TopicName,
			LockTTL:       cfg.Redis.LockTTL,
		},
		logger.Named("syncer"),
	)

	a.scheduler, err = scheduler.New(a.syncer, a.store, scheduler.Config{
		Enabled:     cfg.Schedule.Enabled,
		Spec:        cfg.Schedule.Spec,
		SyncOnEmpty: cfg.Schedule.SyncOnEmpty,
	}, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.store, a.syncer, ids, cfg, logger.Named("api"))
	return nil
}

func (a *App) setupStore(ctx context.Context) (district.Store, error) {
	switch a.cfg.Storage.Provider {
	case config.StoragePostgres:
		store, err := pgstore.NewDistrictStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres", func(context.Context) error { store.Close(); return nil })
		a.logger.Info("using postgres district store", zap.String("table", a.cfg.DB.Table))
		return a.bootstrap(ctx, "postgres", store, store.EnsureSchema, defaultProbeTimeout), nil
	case config.StorageMongo:
		store, err := mongostore.Dial(ctx, mongostore.Config{
			URI:            a.cfg.Mongo.URI,
			Database:       a.cfg.Mongo.Database,
			Collection:     a.cfg.Mongo.Collection,
			ConnectTimeout: a.cfg.Mongo.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo store init failed: %w", err)
		}
		a.addCloser("mongo", store.Close)
		a.logger.Info("using mongo district store",
			zap.String("database", a.cfg.Mongo.Database),
			zap.String("collection", a.cfg.Mongo.Collection),
		)
		setup := func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err //nolint:wrapcheck // wrapped by bootstrapStore
			}
			return store.EnsureIndexes(ctx) //nolint:wrapcheck // wrapped by bootstrapStore
		}
		return a.bootstrap(ctx, "mongo", store, setup, a.cfg.Mongo.ConnectTimeout), nil
	default:
		a.logger.Info("using in-memory district store")
		return memorystorage.NewDistrictStore(), nil
	}
}

// bootstrap wraps store so backend setup is retried until it succeeds, and
// tries it once now. A failure only degrades the service; /readyz reports it.
func (a *App) bootstrap(
	ctx context.Context,
	backend string,
	store district.Store,
	setup func(context.Context) error,
	probeTimeout time.Duration,
) district.Store {
	wrapped := newBootstrapStore(backend, store, setup, a.logger.Named("store"))
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := wrapped.ensure(probeCtx); err != nil {
		a.logger.Warn("district store unavailable at startup, serving degraded until it recovers",
			zap.String("backend", backend),
			zap.Error(err),
		)
	}
	return wrapped
}

func (a *App) setupArchive(ctx context.Context) (district.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ArchiveGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.addCloser("gcs", func(context.Context) error { return blobs.Close() })
		a.logger.Info("archiving raw snapshots to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw snapshots locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving raw snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("raw snapshot archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (district.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{ProjectID: a.cfg.PubSub.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupLocker(ctx context.Context) (district.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	locker, err := redislock.Open(ctx, redislock.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Key:      a.cfg.Redis.LockKey,
	})
	if err != nil {
		return nil, fmt.Errorf("redis lock init failed: %w", err)
	}
	a.addCloser("redis", func(context.Context) error { return locker.Close() })
	a.logger.Info("redis sync lock enabled", zap.String("addr", a.cfg.Redis.Addr))
	return locker, nil
}

func (a *App) setupTransformer() (*transform.Transformer, error) {
	table := geo.Default()
	if a.cfg.Geo.BBoxFile != "" {
		if err := table.LoadFile(a.cfg.Geo.BBoxFile); err != nil {
			return nil, fmt.Errorf("bbox table init failed: %w", err)
		}
	}
	a.logger.Debug("bbox table loaded", zap.Int("entries", table.Len()))
	return transform.New(table, a.logger.Named("transform")), nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// SyncOnce runs a single sync and returns its summary.
func (a *App) SyncOnce(ctx context.Context) (district.Summary, error) {
	summary, err := a.syncer.Sync(ctx)
	if err != nil {
		return summary, fmt.Errorf("sync: %w", err)
	}
	return summary, nil
}

// Run starts the scheduler and HTTP server and blocks until ctx is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-a.scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		a.logger.Warn("scheduled sync still running at shutdown")
	}
	if err := a.syncer.Wait(shutdownCtx); err != nil {
		a.logger.Warn("closing backends with a sync still running", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	a.logger.Info("shutdown complete")
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return closeErr
}

// Close releases backends in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
