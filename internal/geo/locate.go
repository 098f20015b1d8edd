package geo

import "github.com/JakeFAU/mgnrega-tracker/internal/district"

// Locate returns the district whose bbox contains the point. When boxes
// overlap the smallest area wins, then the lowest slug.
func Locate(candidates []district.District, lat, lon float64) (district.District, error) {
	var (
		best  district.District
		found bool
	)
	for _, d := range candidates {
		if d.BBox.Validate() != nil || !d.BBox.Contains(lat, lon) {
			continue
		}
		if !found || better(d, best) {
			best = d
			found = true
		}
	}
	if !found {
		return district.District{}, district.ErrNotFound
	}
	return best, nil
}

func better(a, b district.District) bool {
	aa, ba := a.BBox.Area(), b.BBox.Area()
	if aa != ba {
		return aa < ba
	}
	return a.Slug < b.Slug
}
