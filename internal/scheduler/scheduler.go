// Package scheduler triggers syncs on a cron schedule and once at startup
// when the store is empty.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// Syncer runs one sync.
type Syncer interface {
	Sync(ctx context.Context) (district.Summary, error)
}

// Counter reports how many districts are stored.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Config controls both triggers.
type Config struct {
	Enabled     bool
	Spec        string
	SyncOnEmpty bool
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	counter Counter
	cfg     Config
	logger  *zap.Logger
	startup sync.WaitGroup
}

// New parses the schedule and registers the recurring job.
func New(syncer Syncer, counter Counter, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cronLog{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		syncer:  syncer,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.Enabled {
		if _, err := s.cron.AddFunc(cfg.Spec, func() { s.runScheduled(context.Background()) }); err != nil {
			return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
		}
	}
	return s, nil
}

// Start launches the cron runner and, in the background, the startup check.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.Enabled {
		s.cron.Start()
		s.logger.Info("sync schedule started", zap.String("spec", s.cfg.Spec))
	}
	if s.cfg.SyncOnEmpty {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			if _, err := s.SyncIfEmpty(ctx); err != nil {
				s.logger.Error("startup sync check failed", zap.Error(err))
			}
		}()
	}
}

// Stop halts the cron runner and returns a context that is done once any
// running job and the startup check have finished.
func (s *Scheduler) Stop() context.Context {
	cronDone := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.startup.Wait()
		cancel()
	}()
	return ctx
}

// SyncIfEmpty syncs when the store holds no districts. It reports whether a
// sync ran. Count errors are returned so the caller can log them and keep
// serving in a degraded state.
func (s *Scheduler) SyncIfEmpty(ctx context.Context) (bool, error) {
	if s.counter == nil {
		return false, nil
	}
	n, err := s.counter.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count districts: %w", err)
	}
	if n > 0 {
		s.logger.Info("store populated, skipping startup sync", zap.Int64("districts", n))
		return false, nil
	}
	s.logger.Info("store empty, running startup sync")
	if _, err := s.syncer.Sync(ctx); err != nil {
		return true, fmt.Errorf("startup sync: %w", err)
	}
	return true, nil
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	summary, err := s.syncer.Sync(ctx)
	switch {
	case errors.Is(err, district.ErrSyncInProgress):
		s.logger.Info("scheduled sync skipped, another replica is syncing")
	case err != nil:
		s.logger.Error("scheduled sync failed", zap.Error(err))
	default:
		s.logger.Info("scheduled sync complete",
			zap.String("run_id", summary.RunID),
			zap.String("source", summary.Source),
			zap.Int("upserted", summary.Upserted),
		)
	}
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	logger *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
