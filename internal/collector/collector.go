// Package collector pages through the data.gov.in MGNREGA resource and keeps
// the rows that belong to the configured state.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
	"github.com/JakeFAU/mgnrega-tracker/internal/metrics"
)

// Config controls paging, filtering, and the coverage stop heuristic.
type Config struct {
	Endpoint        string
	APIKey          string
	PageSize        int
	MaxPages        int
	StateFilter     string
	MinRecords      int
	MinCombinations int
	PageDelay       time.Duration
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	UserAgent       string
}

// Collector fetches successive pages until the source is exhausted, coverage
// is sufficient, or the page budget runs out.
type Collector struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	retry   retryPolicy
	logger  *zap.Logger
}

// New validates cfg and builds a Collector. A nil client gets one with
// cfg.Timeout applied.
func New(cfg Config, client *http.Client, logger *zap.Logger) (*Collector, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("collector endpoint is required")
	}
	if cfg.PageSize <= 0 {
		return nil, errors.New("collector page size must be > 0")
	}
	if cfg.MaxPages <= 0 {
		return nil, errors.New("collector max pages must be > 0")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}
	return &Collector{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		retry:   newRetryPolicy(cfg.MaxRetries, cfg.RetryBackoff),
		logger:  logger,
	}, nil
}

type pageResponse struct {
	Records []district.RawRecord `json:"records"`
	Total   any                  `json:"total"`
}

// Collect returns the matching rows. Any failed page aborts the run; an empty
// result yields district.ErrNoData.
func (c *Collector) Collect(ctx context.Context) ([]district.RawRecord, error) {
	var (
		matched []district.RawRecord
		combos  = make(map[string]struct{})
		filter  = strings.ToUpper(strings.TrimSpace(c.cfg.StateFilter))
	)
	for page := 0; page < c.cfg.MaxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for page %d: %w", page, err)
		}
		offset := page * c.cfg.PageSize
		resp, err := c.fetchWithRetry(ctx, offset)
		if err != nil {
			c.logger.Warn("collection aborted", zap.Int("page", page), zap.Int("offset", offset), zap.Error(err))
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(resp.Records) == 0 {
			c.logger.Info("source exhausted", zap.Int("page", page))
			break
		}

		var hits int
		for _, rec := range resp.Records {
			if !matchesState(rec, filter) {
				continue
			}
			hits++
			matched = append(matched, rec)
			key := rec.String("district_name") + "|" + rec.String("fin_year") + "|" + rec.String("month")
			combos[key] = struct{}{}
		}
		metrics.ObserveCollectorPage(len(resp.Records), hits)
		c.logger.Debug("fetched page",
			zap.Int("page", page),
			zap.Int("records", len(resp.Records)),
			zap.Int("matched", hits),
			zap.Int("total_matched", len(matched)),
			zap.Int("combinations", len(combos)),
		)

		if len(matched) >= c.cfg.MinRecords && len(combos) >= c.cfg.MinCombinations {
			c.logger.Info("coverage reached",
				zap.Int("page", page),
				zap.Int("matched", len(matched)),
				zap.Int("combinations", len(combos)),
			)
			break
		}
	}

	if len(matched) == 0 {
		return nil, district.ErrNoData
	}
	c.logger.Info("collection finished", zap.Int("matched", len(matched)), zap.Int("combinations", len(combos)))
	return matched, nil
}

func matchesState(rec district.RawRecord, filter string) bool {
	state := rec.String("state_name")
	if state == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(state), filter)
}

func (c *Collector) fetchWithRetry(ctx context.Context, offset int) (pageResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := c.fetchPage(ctx, offset)
		if err == nil {
			return resp, nil
		}
		if !c.retry.shouldRetry(err, attempt) {
			return pageResponse{}, err
		}
		wait := c.retry.backoff(attempt)
		metrics.ObserveCollectorRetry()
		c.logger.Debug("retrying page", zap.Int("offset", offset), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return pageResponse{}, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Collector) fetchPage(ctx context.Context, offset int) (pageResponse, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return pageResponse{}, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api-key", c.cfg.APIKey)
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return pageResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return pageResponse{}, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return pageResponse{}, &StatusError{Code: res.StatusCode}
	}

	var page pageResponse
	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return pageResponse{}, fmt.Errorf("decode page: %w", err)
	}
	return page, nil
}
