// Package transform reduces raw upstream rows into per-district monthly series.
package transform

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// Upstream field names.
const (
	FieldState    = "state_name"
	FieldDistrict = "district_name"
	FieldFinYear  = "fin_year"
	FieldMonth    = "month"
)

// MetricFields lists the candidate metric columns in priority order.
var MetricFields = []string{
	"Total_Households_Worked",
	"Total_Individuals_Worked",
	"Total_No_of_Active_Workers",
	"Persondays_of_Central_Liability_so_far",
}

// PlaceholderMonth keys records that carry neither fin_year nor month.
const PlaceholderMonth = "current"

// BBoxLookup resolves a bounding box for a district.
type BBoxLookup interface {
	Lookup(state, name string) district.BBox
}

// Transformer groups raw rows by district and merges duplicate months.
type Transformer struct {
	boxes  BBoxLookup
	logger *zap.Logger
}

// New constructs a Transformer. A nil lookup yields empty boxes.
func New(boxes BBoxLookup, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{boxes: boxes, logger: logger}
}

type group struct {
	state  string
	name   string
	months map[string]float64
}

// Transform returns one District per slug that has at least one positive
// metric. Output is ordered by slug; each series is ordered by month key.
func (t *Transformer) Transform(records []district.RawRecord) []district.District {
	groups := make(map[string]*group)
	var skipped int
	for _, rec := range records {
		state := district.NormalizeName(rec.String(FieldState))
		name := district.NormalizeName(rec.String(FieldDistrict))
		if state == "" || name == "" {
			skipped++
			continue
		}
		slug := district.Slug(state, name)
		g, ok := groups[slug]
		if !ok {
			g = &group{state: state, name: name, months: make(map[string]float64)}
			groups[slug] = g
		}
		metric := Metric(rec)
		if metric <= 0 {
			skipped++
			continue
		}
		month := MonthKey(rec)
		if cur, seen := g.months[month]; !seen || metric > cur {
			g.months[month] = metric
		}
	}

	out := make([]district.District, 0, len(groups))
	for slug, g := range groups {
		if len(g.months) == 0 {
			continue
		}
		series := make([]district.SeriesPoint, 0, len(g.months))
		for month, metric := range g.months {
			series = append(series, district.SeriesPoint{Month: month, Metric: metric})
		}
		sort.Slice(series, func(i, j int) bool { return series[i].Month < series[j].Month })
		out = append(out, district.District{
			State:    g.state,
			District: g.name,
			Slug:     slug,
			BBox:     t.lookup(g.state, g.name),
			Series:   series,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })

	t.logger.Debug("transformed records",
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
		zap.Int("districts", len(out)),
	)
	return out
}

func (t *Transformer) lookup(state, name string) district.BBox {
	if t.boxes == nil {
		return district.BBox{}
	}
	box := t.boxes.Lookup(state, name)
	if box.Validate() != nil {
		return district.BBox{}
	}
	return box
}

// Metric walks MetricFields and stops at the first candidate that is present
// and non-zero. That value is returned when it is positive; anything else
// yields zero.
func Metric(rec district.RawRecord) float64 {
	for _, field := range MetricFields {
		v, present, ok := numberField(rec, field)
		if !present || (ok && v == 0) {
			continue
		}
		if ok && v > 0 {
			return v
		}
		return 0
	}
	return 0
}

// MonthKey joins fin_year and month with a hyphen, falls back to whichever is
// present, and finally to PlaceholderMonth.
func MonthKey(rec district.RawRecord) string {
	year := strings.TrimSpace(rec.String(FieldFinYear))
	month := strings.TrimSpace(rec.String(FieldMonth))
	switch {
	case year != "" && month != "":
		return year + "-" + month
	case year != "":
		return year
	case month != "":
		return month
	default:
		return PlaceholderMonth
	}
}

// numberField reports the parsed value, whether the field carries anything at
// all, and whether it parsed as a finite number.
func numberField(rec district.RawRecord, key string) (float64, bool, bool) {
	var (
		f   float64
		err error
	)
	switch v := rec[key].(type) {
	case nil:
		return 0, false, false
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		f, err = v.Float64()
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return 0, false, false
		}
		f, err = strconv.ParseFloat(s, 64)
	default:
		return 0, true, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, true, false
	}
	return f, true, true
}
