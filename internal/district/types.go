// Package district defines the core types shared across the ingestion pipeline,
// the storage backends, and the HTTP API.
package district

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Sentinel errors surfaced across package boundaries.
var (
	// ErrNotFound signals an unknown slug or a point outside every bbox.
	ErrNotFound = errors.New("district not found")
	// ErrNoData signals that a collection run produced no usable records.
	ErrNoData = errors.New("no data collected")
	// ErrSyncInProgress signals that another process holds the sync lock.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// RawRecord is one loosely-typed row as returned by the upstream API.
type RawRecord map[string]any

// SeriesPoint is one monthly observation for a district.
type SeriesPoint struct {
	Month  string  `json:"month" bson:"month"`
	Metric float64 `json:"metric" bson:"metric"`
}

// District is the persisted per-district document. Slug is the natural key.
type District struct {
	State    string        `json:"state" bson:"state"`
	District string        `json:"district" bson:"district"`
	Slug     string        `json:"slug" bson:"slug"`
	BBox     BBox          `json:"bbox" bson:"bbox"`
	Series   []SeriesPoint `json:"series" bson:"series"`
}

// Ref is the list projection of a District, without its series.
type Ref struct {
	State    string `json:"state"`
	District string `json:"district"`
	Slug     string `json:"slug"`
	BBox     BBox   `json:"bbox"`
}

// Ref projects d for listings.
func (d District) Ref() Ref {
	bbox := d.BBox
	if bbox == nil {
		bbox = BBox{}
	}
	return Ref{State: d.State, District: d.District, Slug: d.Slug, BBox: bbox}
}

// Summary reports the outcome of one sync run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Source     string    `json:"source"`
	Collected  int       `json:"collected"`
	Count      int       `json:"count"`
	Upserted   int       `json:"upserted"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Shared     bool      `json:"shared,omitempty"`
}

// Source identifiers reported in Summary.Source.
const (
	SourceFetched = "fetched"
	SourceNone    = "none"
)

// MarshalJSON encodes empty bbox and series as arrays so clients never see null.
func (d District) MarshalJSON() ([]byte, error) {
	type alias District
	out := alias(d)
	if out.BBox == nil {
		out.BBox = BBox{}
	}
	if out.Series == nil {
		out.Series = []SeriesPoint{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, err //nolint:wrapcheck // plain encoding of a value type
	}
	return data, nil
}

// String returns the field as text. Numbers are formatted; other types and
// missing keys yield "".
func (r RawRecord) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
