package district

import "fmt"

// BBox is a geographic bounding box ordered [west, south, east, north], or
// empty when unknown.
type BBox []float64

// NewBBox builds a box and rejects inverted edges.
func NewBBox(west, south, east, north float64) (BBox, error) {
	b := BBox{west, south, east, north}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Empty reports whether the box carries no coordinates.
func (b BBox) Empty() bool {
	return len(b) == 0
}

// Validate checks that a non-empty box has four edges with west <= east and
// south <= north.
func (b BBox) Validate() error {
	if b.Empty() {
		return nil
	}
	if len(b) != 4 {
		return fmt.Errorf("bbox must have 4 values, got %d", len(b))
	}
	if b[0] > b[2] {
		return fmt.Errorf("bbox west %v exceeds east %v", b[0], b[2])
	}
	if b[1] > b[3] {
		return fmt.Errorf("bbox south %v exceeds north %v", b[1], b[3])
	}
	return nil
}

// Contains reports whether the point lies inside the box, edges inclusive.
func (b BBox) Contains(lat, lon float64) bool {
	if len(b) != 4 {
		return false
	}
	return lon >= b[0] && lon <= b[2] && lat >= b[1] && lat <= b[3]
}

// Area returns the box area in square degrees.
func (b BBox) Area() float64 {
	if len(b) != 4 {
		return 0
	}
	return (b[2] - b[0]) * (b[3] - b[1])
}
