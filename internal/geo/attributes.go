package geo

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Keys injected into feature properties. The "__computed_" prefix keeps them
// clear of anything a KML author would write.
const (
	ComputedPrefix   = "__computed_"
	KeyAreaDunum     = ComputedPrefix + "area_dunum"
	KeyElevationAvgM = ComputedPrefix + "elev_avg_m"
)

const squareMetersPerDunum = 1000.0

// Elevations collects the third component of every tuple that has one.
func Elevations(g *Geometry) []float64 {
	var out []float64
	g.Walk(func(p Position) {
		if p.HasElevation() && !math.IsNaN(p[2]) && !math.IsInf(p[2], 0) {
			out = append(out, p[2])
		}
	})
	return out
}

// AverageElevation returns the mean of all elevations, ok=false if there are none.
func AverageElevation(g *Geometry) (avg float64, ok bool) {
	elev := Elevations(g)
	if len(elev) == 0 {
		return 0, false
	}
	var sum float64
	for _, e := range elev {
		sum += e
	}
	return sum / float64(len(elev)), true
}

// Annotate computes derived attributes for one feature and stores them in its properties.
func Annotate(f *Feature) error {
	if f.Geometry == nil {
		return errors.New("feature has no geometry")
	}
	if f.Properties == nil {
		f.Properties = map[string]any{}
	}
	if f.Geometry.Type == TypePolygon || f.Geometry.Type == TypeMultiPolygon {
		area, err := Area(f.Geometry)
		if err != nil {
			return fmt.Errorf("area: %w", err)
		}
		f.Properties[KeyAreaDunum] = round(area/squareMetersPerDunum, 2)
	}
	if avg, ok := AverageElevation(f.Geometry); ok {
		f.Properties[KeyElevationAvgM] = round(avg, 1)
	}
	return nil
}

// AnnotateAll annotates every feature; a failure on one feature is logged and skipped.
func AnnotateAll(fc *FeatureCollection) {
	for i := range fc.Features {
		if err := Annotate(&fc.Features[i]); err != nil {
			zap.S().Named("geo").Warnw("skipping derived attributes", "feature_index", i, "error", err)
		}
	}
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
