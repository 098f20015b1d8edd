// Package geo holds the static district bounding-box table and the
// point-in-box lookup used by the API.
package geo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// builtin is keyed by district slug.
var builtin = map[string]district.BBox{
	"uttar-pradesh-lucknow":      {80.8, 26.7, 81.2, 27.1},
	"uttar-pradesh-kanpur-nagar": {80.2, 26.3, 80.7, 26.6},
	"uttar-pradesh-varanasi":     {82.9, 25.2, 83.1, 25.4},
	"uttar-pradesh-agra":         {77.9, 27.1, 78.2, 27.3},
	"uttar-pradesh-allahabad":    {81.7, 25.3, 82.0, 25.5},
	"uttar-pradesh-prayagraj":    {81.7, 25.3, 82.0, 25.5},
	"uttar-pradesh-gorakhpur":    {83.2, 26.7, 83.5, 26.9},
	"uttar-pradesh-meerut":       {77.6, 28.9, 77.9, 29.1},
}

// Table maps district slugs to bounding boxes.
type Table struct {
	boxes map[string]district.BBox
}

// Default returns a table holding only the built-in entries.
func Default() *Table {
	boxes := make(map[string]district.BBox, len(builtin))
	for k, v := range builtin {
		boxes[k] = v
	}
	return &Table{boxes: boxes}
}

// Lookup returns a copy of the box for the pair, or an empty box.
func (t *Table) Lookup(state, name string) district.BBox {
	if t == nil {
		return district.BBox{}
	}
	box, ok := t.boxes[district.Slug(state, name)]
	if !ok {
		return district.BBox{}
	}
	return append(district.BBox(nil), box...)
}

// Len reports the number of entries.
func (t *Table) Len() int {
	return len(t.boxes)
}

type overrideFile struct {
	Boxes []overrideEntry `yaml:"boxes"`
}

type overrideEntry struct {
	State    string    `yaml:"state"`
	District string    `yaml:"district"`
	BBox     []float64 `yaml:"bbox"`
}

// LoadFile merges entries from a YAML file into the table. Later entries win
// over built-ins with the same slug.
//
//	boxes:
//	  - state: Uttar Pradesh
//	    district: Lucknow
//	    bbox: [80.8, 26.7, 81.2, 27.1]
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read bbox file: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse bbox file: %w", err)
	}
	for i, entry := range file.Boxes {
		if district.NormalizeName(entry.State) == "" || district.NormalizeName(entry.District) == "" {
			return fmt.Errorf("bbox entry %d: state and district are required", i)
		}
		if len(entry.BBox) != 4 {
			return fmt.Errorf("bbox entry %d: expected 4 values, got %d", i, len(entry.BBox))
		}
		box, err := district.NewBBox(entry.BBox[0], entry.BBox[1], entry.BBox[2], entry.BBox[3])
		if err != nil {
			return fmt.Errorf("bbox entry %d: %w", i, err)
		}
		t.boxes[district.Slug(entry.State, entry.District)] = box
	}
	return nil
}
