package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadius is the WGS84 equatorial radius in meters. The web client's area
// calculation uses the same constant, so both sides agree on results.
const EarthRadius = 6378137.0

// ErrNotPolygonal is returned by Area for points and lines.
var ErrNotPolygonal = errors.New("geometry is not polygonal")

// Area returns the geodesic area of a Polygon or MultiPolygon in square meters,
// using the spherical-excess ring approximation.
func Area(g *Geometry) (float64, error) {
	if g == nil {
		return 0, ErrNotPolygonal
	}
	switch g.Type {
	case TypePolygon:
		return polygonArea(g.Polygon)
	case TypeMultiPolygon:
		var total float64
		for i, poly := range g.MultiPolygon {
			a, err := polygonArea(poly)
			if err != nil {
				return 0, fmt.Errorf("polygon %d: %w", i, err)
			}
			total += a
		}
		return total, nil
	}
	return 0, ErrNotPolygonal
}

func polygonArea(rings [][]Position) (float64, error) {
	if len(rings) == 0 {
		return 0, errors.New("polygon has no rings")
	}
	total := 0.0
	for i, ring := range rings {
		a, err := ringArea(ring)
		if err != nil {
			return 0, fmt.Errorf("ring %d: %w", i, err)
		}
		if i == 0 {
			total += math.Abs(a)
		} else {
			total -= math.Abs(a)
		}
	}
	return total, nil
}

func ringArea(ring []Position) (float64, error) {
	n := len(ring)
	if n <= 2 {
		return 0, nil
	}
	var total float64
	for i := 0; i < n; i++ {
		var lower, middle, upper int
		switch i {
		case n - 2:
			lower, middle, upper = n-2, n-1, 0
		case n - 1:
			lower, middle, upper = n-1, 0, 1
		default:
			lower, middle, upper = i, i+1, i+2
		}
		p1, p2, p3 := ring[lower], ring[middle], ring[upper]
		if len(p1) < 2 || len(p2) < 2 || len(p3) < 2 {
			return 0, errors.New("position with fewer than two components")
		}
		total += (radians(p3[0]) - radians(p1[0])) * math.Sin(radians(p2[1]))
	}
	area := total * EarthRadius * EarthRadius / 2
	if math.IsNaN(area) || math.IsInf(area, 0) {
		return 0, errors.New("non-finite ring area")
	}
	return area, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
