package geo

import (
	"fmt"
	"math"
	"strings"
)

// BBox is an axis-aligned lon/lat rectangle.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Values returns the box in GeoJSON order: minLon, minLat, maxLon, maxLat.
func (b BBox) Values() [4]float64 {
	return [4]float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// Format joins the four values with sep, each printed with the given precision.
// A negative precision prints the shortest exact representation.
func (b BBox) Format(sep string, precision int) string {
	vals := b.Values()
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		if precision < 0 {
			parts = append(parts, fmt.Sprintf("%g", v))
		} else {
			parts = append(parts, fmt.Sprintf("%.*f", precision, v))
		}
	}
	return strings.Join(parts, sep)
}

// Bounds computes the union bounding box of every feature geometry.
// ok is false when the collection holds no coordinates.
func Bounds(fc FeatureCollection) (box BBox, ok bool) {
	box = BBox{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
	for _, f := range fc.Features {
		f.Geometry.Walk(func(p Position) {
			if len(p) < 2 {
				return
			}
			ok = true
			box.MinLon = math.Min(box.MinLon, p[0])
			box.MinLat = math.Min(box.MinLat, p[1])
			box.MaxLon = math.Max(box.MaxLon, p[0])
			box.MaxLat = math.Max(box.MaxLat, p[1])
		})
	}
	if !ok {
		return BBox{}, false
	}
	return box, true
}
