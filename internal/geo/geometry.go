package geo

import (
	"encoding/json"
	"fmt"
)

// Geometry types produced by the KML parser.
const (
	TypePoint        = "Point"
	TypeLineString   = "LineString"
	TypePolygon      = "Polygon"
	TypeMultiPolygon = "MultiPolygon"
)

// Position is a single coordinate tuple: longitude, latitude and an optional elevation.
type Position []float64

// HasElevation reports whether the tuple carries a third component.
func (p Position) HasElevation() bool { return len(p) >= 3 }

// Geometry holds exactly one of the coordinate shapes, selected by Type.
type Geometry struct {
	Type         string
	Point        Position
	LineString   []Position
	Polygon      [][]Position
	MultiPolygon [][][]Position
}

// NewPoint returns a Point geometry.
func NewPoint(p Position) *Geometry { return &Geometry{Type: TypePoint, Point: p} }

// NewLineString returns a LineString geometry.
func NewLineString(line []Position) *Geometry {
	return &Geometry{Type: TypeLineString, LineString: line}
}

// NewPolygon returns a Polygon geometry; rings[0] is the outer boundary.
func NewPolygon(rings [][]Position) *Geometry {
	return &Geometry{Type: TypePolygon, Polygon: rings}
}

// NewMultiPolygon returns a MultiPolygon geometry.
func NewMultiPolygon(polys [][][]Position) *Geometry {
	return &Geometry{Type: TypeMultiPolygon, MultiPolygon: polys}
}

// Walk visits every coordinate tuple of the geometry depth-first, in document order.
func (g *Geometry) Walk(fn func(Position)) {
	if g == nil {
		return
	}
	switch g.Type {
	case TypePoint:
		if len(g.Point) > 0 {
			fn(g.Point)
		}
	case TypeLineString:
		for _, p := range g.LineString {
			fn(p)
		}
	case TypePolygon:
		for _, ring := range g.Polygon {
			for _, p := range ring {
				fn(p)
			}
		}
	case TypeMultiPolygon:
		for _, poly := range g.MultiPolygon {
			for _, ring := range poly {
				for _, p := range ring {
					fn(p)
				}
			}
		}
	}
}

type geoJSONGeometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// MarshalJSON encodes the geometry as GeoJSON.
func (g Geometry) MarshalJSON() ([]byte, error) {
	out := geoJSONGeometry{Type: g.Type}
	switch g.Type {
	case TypePoint:
		out.Coordinates = g.Point
	case TypeLineString:
		out.Coordinates = g.LineString
	case TypePolygon:
		out.Coordinates = g.Polygon
	case TypeMultiPolygon:
		out.Coordinates = g.MultiPolygon
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a GeoJSON geometry of one of the supported types.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = Geometry{Type: raw.Type}
	switch raw.Type {
	case TypePoint:
		return json.Unmarshal(raw.Coordinates, &g.Point)
	case TypeLineString:
		return json.Unmarshal(raw.Coordinates, &g.LineString)
	case TypePolygon:
		return json.Unmarshal(raw.Coordinates, &g.Polygon)
	case TypeMultiPolygon:
		return json.Unmarshal(raw.Coordinates, &g.MultiPolygon)
	}
	return fmt.Errorf("unsupported geometry type %q", raw.Type)
}

// Feature is one placemark: geometry plus its property bag.
type Feature struct {
	Geometry   *Geometry      `json:"geometry"`
	Properties map[string]any `json:"properties"`
	// BBox is set only when the source document declares one explicitly.
	BBox *BBox `json:"bbox,omitempty"`
}

// StringProperty returns a string-valued property, or "" when absent.
func (f Feature) StringProperty(key string) string {
	if v, ok := f.Properties[key].(string); ok {
		return v
	}
	return ""
}

// FeatureCollection is the ordered set of parsed placemarks.
type FeatureCollection struct {
	Features []Feature `json:"features"`
}

// ExplicitBBox returns the bounding box declared on the first feature, if any.
func (fc FeatureCollection) ExplicitBBox() (BBox, bool) {
	if len(fc.Features) == 0 || fc.Features[0].BBox == nil {
		return BBox{}, false
	}
	return *fc.Features[0].BBox, true
}

// MarshalJSON adds the GeoJSON "type" members.
func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	type feature struct {
		Type string `json:"type"`
		Feature
	}
	features := make([]feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		features = append(features, feature{Type: "Feature", Feature: f})
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Features []feature `json:"features"`
	}{Type: "FeatureCollection", Features: features})
}
