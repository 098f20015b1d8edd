// Package syncer composes collection, transformation, and storage into one
// sync run, with at most one run in flight per process.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
	"github.com/JakeFAU/mgnrega-tracker/internal/metrics"
)

// Transformer reduces raw rows into districts.
type Transformer interface {
	Transform(records []district.RawRecord) []district.District
}

// Config controls the optional side effects of a run.
type Config struct {
	// ArchivePrefix is the blob path prefix for raw snapshots.
	ArchivePrefix string
	// Topic receives a notification after every run when a publisher is set.
	Topic string
	// LockTTL bounds how long the cross-replica lock is held.
	LockTTL time.Duration
}

// Syncer runs Collector -> Transformer -> Store.
type Syncer struct {
	collector   district.Collector
	transformer Transformer
	store       district.Store
	archive     district.BlobStore
	publisher   district.Publisher
	locker      district.Locker
	clock       district.Clock
	ids         district.IDGenerator
	cfg         Config
	logger      *zap.Logger
	group       singleflight.Group

	mu     sync.Mutex
	active int
	idle   chan struct{}
}

// New constructs a Syncer. archive, publisher, and locker are optional.
func New(
	collector district.Collector,
	transformer Transformer,
	store district.Store,
	archive district.BlobStore,
	publisher district.Publisher,
	locker district.Locker,
	clock district.Clock,
	ids district.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	return &Syncer{
		collector:   collector,
		transformer: transformer,
		store:       store,
		archive:     archive,
		publisher:   publisher,
		locker:      locker,
		clock:       clock,
		ids:         ids,
		cfg:         cfg,
		logger:      logger,
	}
}

// Sync runs one sync, or joins the run already in flight. The run itself is
// detached from ctx cancellation; ctx only bounds how long the caller waits.
// Collection failures are reported through Summary.Source, not as errors.
func (s *Syncer) Sync(ctx context.Context) (district.Summary, error) {
	detached := context.WithoutCancel(ctx)
	s.begin()
	ch := s.group.DoChan("sync", func() (any, error) {
		return s.run(detached)
	})
	select {
	case res := <-ch:
		s.end()
		summary, _ := res.Val.(district.Summary)
		summary.Shared = res.Shared
		return summary, res.Err
	case <-ctx.Done():
		go func() {
			<-ch
			s.end()
		}()
		return district.Summary{}, fmt.Errorf("wait for sync: %w", ctx.Err())
	}
}

// Wait blocks until no run is in flight or ctx is done. Runs started by
// callers that stopped waiting are still counted.
func (s *Syncer) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight sync: %w", ctx.Err())
	}
}

func (s *Syncer) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
}

func (s *Syncer) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
}

func (s *Syncer) run(ctx context.Context) (district.Summary, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return district.Summary{}, fmt.Errorf("new run id: %w", err)
	}
	summary := district.Summary{
		RunID:     runID,
		Source:    district.SourceNone,
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With(zap.String("run_id", runID))

	if s.locker != nil {
		unlock, err := s.locker.TryLock(ctx, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, district.ErrSyncInProgress) {
				logger.Info("sync skipped, lock held elsewhere")
				return summary, err
			}
			return summary, fmt.Errorf("acquire sync lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				logger.Warn("release sync lock", zap.Error(err))
			}
		}()
	}

	logger.Info("sync started")
	records, err := s.collector.Collect(ctx)
	if err != nil {
		if errors.Is(err, district.ErrNoData) {
			logger.Info("collector returned no data")
		} else {
			logger.Warn("collection failed", zap.Error(err))
		}
		return s.finish(ctx, logger, summary), nil
	}
	summary.Source = district.SourceFetched
	summary.Collected = len(records)

	s.archiveRecords(ctx, logger, summary, records)

	districts := s.transformer.Transform(records)
	if len(districts) == 0 {
		logger.Info("no districts after transform", zap.Int("collected", len(records)))
		summary.Source = district.SourceNone
		return s.finish(ctx, logger, summary), nil
	}
	summary.Count = len(districts)

	for _, d := range districts {
		if err := s.store.Upsert(ctx, d); err != nil {
			summary.Failed++
			logger.Error("upsert failed", zap.String("slug", d.Slug), zap.Error(err))
			continue
		}
		summary.Upserted++
	}

	return s.finish(ctx, logger, summary), nil
}

func (s *Syncer) finish(ctx context.Context, logger *zap.Logger, summary district.Summary) district.Summary {
	summary.FinishedAt = s.clock.Now()
	duration := summary.FinishedAt.Sub(summary.StartedAt)
	metrics.ObserveSync(summary.Source, summary.Upserted, summary.Failed, duration)
	logger.Info("sync finished",
		zap.String("source", summary.Source),
		zap.Int("collected", summary.Collected),
		zap.Int("count", summary.Count),
		zap.Int("upserted", summary.Upserted),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", duration),
	)
	s.notify(ctx, logger, summary)
	return summary
}

// snapshot is the archived form of one collection.
type snapshot struct {
	RunID       string               `json:"run_id"`
	CollectedAt time.Time            `json:"collected_at"`
	Records     []district.RawRecord `json:"records"`
}

func (s *Syncer) archiveRecords(ctx context.Context, logger *zap.Logger, summary district.Summary, records []district.RawRecord) {
	if s.archive == nil {
		return
	}
	body, err := json.Marshal(snapshot{RunID: summary.RunID, CollectedAt: summary.StartedAt, Records: records})
	if err != nil {
		logger.Warn("encode raw snapshot", zap.Error(err))
		return
	}
	objectPath := ArchivePath(s.cfg.ArchivePrefix, summary.StartedAt, summary.RunID)
	uri, err := s.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive raw snapshot", zap.String("path", objectPath), zap.Error(err))
		return
	}
	logger.Debug("archived raw snapshot", zap.String("uri", uri), zap.Int("bytes", len(body)))
}

// ArchivePath returns prefix/YYYY/MM/DD/runID.json for a run started at t.
func ArchivePath(prefix string, t time.Time, runID string) string {
	return path.Join(prefix, t.UTC().Format("2006/01/02"), runID+".json")
}

// Event is the notification published after every run.
type Event struct {
	district.Summary
}

// Attributes exposes routing fields to Pub/Sub subscribers.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"event":  "sync.finished",
		"run_id": e.RunID,
		"source": e.Source,
	}
}

func (s *Syncer) notify(ctx context.Context, logger *zap.Logger, summary district.Summary) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	id, err := s.publisher.Publish(ctx, s.cfg.Topic, Event{Summary: summary})
	if err != nil {
		logger.Warn("publish sync event", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("published sync event", zap.String("message_id", id))
}
