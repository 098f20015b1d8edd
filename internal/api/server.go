package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/config"
	"github.com/JakeFAU/mgnrega-tracker/internal/district"
	"github.com/JakeFAU/mgnrega-tracker/internal/geo"
	"github.com/JakeFAU/mgnrega-tracker/internal/metrics"
)

// Syncer runs one sync on demand.
type Syncer interface {
	Sync(ctx context.Context) (district.Summary, error)
}

// Server wires HTTP handlers to the district store and the syncer.
type Server struct {
	router chi.Router
	store  district.Store
	syncer Syncer
	ids    district.IDGenerator
	cfg    config.Config
	logger *zap.Logger
}

const (
	readTimeout  = 60 * time.Second
	readyTimeout = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store district.Store,
	syncer Syncer,
	ids district.IDGenerator,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		syncer: syncer,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
	}

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/_health", s.legacyHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(readTimeout))
			r.Get("/districts", s.listDistricts)
			r.Get("/districts/{slug}", s.getDistrict)
			r.Get("/lookup", s.lookup)
		})
		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Post("/sync", s.sync)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) legacyHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	n, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "districts": n})
}

func (s *Server) listDistricts(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list districts", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list districts")
		return
	}
	refs := make([]district.Ref, 0, len(list))
	for _, d := range list {
		refs = append(refs, d.Ref())
	}
	s.writeJSON(w, http.StatusOK, refs)
}

func (s *Server) getDistrict(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	d, err := s.store.Get(r.Context(), slug)
	if err != nil {
		s.writeStoreError(w, err, "Not found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) {
	lat, latErr := parseCoordinate(r.URL.Query().Get("lat"), 90)
	lon, lonErr := parseCoordinate(r.URL.Query().Get("lon"), 180)
	if latErr != nil || lonErr != nil {
		s.writeError(w, http.StatusBadRequest, "lat and lon required")
		return
	}
	list, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list districts for lookup", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list districts")
		return
	}
	match, err := geo.Locate(list, lat, lon)
	if err != nil {
		s.writeStoreError(w, err, "No district found")
		return
	}
	d, err := s.store.Get(r.Context(), match.Slug)
	if err != nil {
		s.writeStoreError(w, err, "No district found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.syncer.Sync(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, district.ErrSyncInProgress):
			status = http.StatusConflict
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn("sync request failed", zap.Int("status", status), zap.Error(err))
		s.writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, district.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, notFound)
		return
	}
	s.logger.Error("store read failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func parseCoordinate(raw string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err //nolint:wrapcheck // mapped to a 400 by the caller
	}
	if math.IsNaN(v) || v < -limit || v > limit {
		return 0, errors.New("coordinate out of range")
	}
	return v, nil
}
