package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// bootstrapStore runs backend setup (ping, schema, indexes) lazily and
// retries it on every call until it succeeds, so the service starts and
// serves degraded while its database is unreachable.
type bootstrapStore struct {
	district.Store
	backend string
	setup   func(context.Context) error
	logger  *zap.Logger

	mu    sync.Mutex
	ready bool
}

func newBootstrapStore(backend string, store district.Store, setup func(context.Context) error, logger *zap.Logger) *bootstrapStore {
	return &bootstrapStore{Store: store, backend: backend, setup: setup, logger: logger}
}

func (s *bootstrapStore) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := s.setup(ctx); err != nil {
		return fmt.Errorf("%s store not ready: %w", s.backend, err)
	}
	s.ready = true
	s.logger.Info("district store ready", zap.String("backend", s.backend))
	return nil
}

func (s *bootstrapStore) Upsert(ctx context.Context, d district.District) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}
	return s.Store.Upsert(ctx, d) //nolint:wrapcheck // backend errors are already wrapped
}

func (s *bootstrapStore) List(ctx context.Context) ([]district.District, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	return s.Store.List(ctx) //nolint:wrapcheck // backend errors are already wrapped
}

func (s *bootstrapStore) Get(ctx context.Context, slug string) (district.District, error) {
	if err := s.ensure(ctx); err != nil {
		return district.District{}, err
	}
	return s.Store.Get(ctx, slug) //nolint:wrapcheck // backend errors are already wrapped
}

func (s *bootstrapStore) Count(ctx context.Context) (int64, error) {
	if err := s.ensure(ctx); err != nil {
		return 0, err
	}
	return s.Store.Count(ctx) //nolint:wrapcheck // backend errors are already wrapped
}
