// Package postgres stores districts in a Postgres table with JSONB columns
// for the bbox and series.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "districts"

// Config controls the Postgres connection pool used for district rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// DistrictStore implements district.Store on Postgres.
type DistrictStore struct {
	pool  pool
	table string
}

// NewDistrictStore connects a pool using cfg.
func NewDistrictStore(ctx context.Context, cfg Config) (*DistrictStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DistrictStore{pool: p, table: table}, nil
}

// NewDistrictStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDistrictStoreWithPool(p pool, table string) (*DistrictStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DistrictStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *DistrictStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *DistrictStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the districts table when it does not exist.
func (s *DistrictStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	slug       TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	district   TEXT NOT NULL,
	bbox       JSONB NOT NULL DEFAULT '[]'::jsonb,
	series     JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Upsert writes the whole document for d.Slug.
func (s *DistrictStore) Upsert(ctx context.Context, d district.District) error {
	if strings.TrimSpace(d.Slug) == "" {
		return errors.New("district slug is required")
	}
	bboxJSON, seriesJSON, err := encodeColumns(d)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (slug, state, district, bbox, series, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (slug) DO UPDATE SET
	state = EXCLUDED.state,
	district = EXCLUDED.district,
	bbox = EXCLUDED.bbox,
	series = EXCLUDED.series,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, d.Slug, d.State, d.District, bboxJSON, seriesJSON); err != nil {
		return fmt.Errorf("upsert district %s: %w", d.Slug, err)
	}
	return nil
}

// List returns every district without its series, ordered by slug.
func (s *DistrictStore) List(ctx context.Context) ([]district.District, error) {
	query := fmt.Sprintf(`SELECT slug, state, district, bbox FROM %s ORDER BY slug`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	defer rows.Close()

	var out []district.District
	for rows.Next() {
		var (
			d    district.District
			bbox []byte
		)
		if err := rows.Scan(&d.Slug, &d.State, &d.District, &bbox); err != nil {
			return nil, fmt.Errorf("scan district: %w", err)
		}
		if err := decodeJSON(bbox, &d.BBox); err != nil {
			return nil, fmt.Errorf("decode bbox for %s: %w", d.Slug, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate districts: %w", err)
	}
	return out, nil
}

// Get returns the full document for slug.
func (s *DistrictStore) Get(ctx context.Context, slug string) (district.District, error) {
	query := fmt.Sprintf(`SELECT slug, state, district, bbox, series FROM %s WHERE slug = $1`, s.table)
	var (
		d            district.District
		bbox, series []byte
	)
	err := s.pool.QueryRow(ctx, query, slug).Scan(&d.Slug, &d.State, &d.District, &bbox, &series)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return district.District{}, district.ErrNotFound
		}
		return district.District{}, fmt.Errorf("get district %s: %w", slug, err)
	}
	if err := decodeJSON(bbox, &d.BBox); err != nil {
		return district.District{}, fmt.Errorf("decode bbox for %s: %w", slug, err)
	}
	if err := decodeJSON(series, &d.Series); err != nil {
		return district.District{}, fmt.Errorf("decode series for %s: %w", slug, err)
	}
	return d, nil
}

// Count returns the number of rows.
func (s *DistrictStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count districts: %w", err)
	}
	return n, nil
}

func encodeColumns(d district.District) ([]byte, []byte, error) {
	bbox := d.BBox
	if bbox == nil {
		bbox = district.BBox{}
	}
	series := d.Series
	if series == nil {
		series = []district.SeriesPoint{}
	}
	bboxJSON, err := json.Marshal(bbox)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal bbox: %w", err)
	}
	seriesJSON, err := json.Marshal(series)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal series: %w", err)
	}
	return bboxJSON, seriesJSON, nil
}

func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst) //nolint:wrapcheck // callers wrap with context
}
