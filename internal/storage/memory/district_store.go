package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// DistrictStore provides an in-memory district.Store for development/testing.
type DistrictStore struct {
	mu        sync.RWMutex
	districts map[string]district.District
}

// NewDistrictStore constructs a DistrictStore.
func NewDistrictStore() *DistrictStore {
	return &DistrictStore{districts: make(map[string]district.District)}
}

// Upsert replaces the document stored under d.Slug.
func (s *DistrictStore) Upsert(_ context.Context, d district.District) error {
	if strings.TrimSpace(d.Slug) == "" {
		return errors.New("district slug is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.districts[d.Slug] = cloneDistrict(d)
	return nil
}

// List returns every district without its series, ordered by slug.
func (s *DistrictStore) List(_ context.Context) ([]district.District, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]district.District, 0, len(s.districts))
	for _, d := range s.districts {
		ref := cloneDistrict(d)
		ref.Series = nil
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// Get fetches a district by slug.
func (s *DistrictStore) Get(_ context.Context, slug string) (district.District, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.districts[slug]
	if !ok {
		return district.District{}, district.ErrNotFound
	}
	return cloneDistrict(d), nil
}

// Count returns the number of stored districts.
func (s *DistrictStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.districts)), nil
}

func cloneDistrict(d district.District) district.District {
	out := d
	if d.BBox != nil {
		out.BBox = append(district.BBox(nil), d.BBox...)
	}
	if d.Series != nil {
		out.Series = append([]district.SeriesPoint(nil), d.Series...)
	}
	return out
}
