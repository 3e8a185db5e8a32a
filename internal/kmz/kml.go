package kmz

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"kmz-pipeline/internal/geo"
)

// ErrMalformedKML wraps XML decoding failures.
var ErrMalformedKML = errors.New("malformed kml")

// Minimum coordinate counts for a geometry to be kept.
const (
	minPolygonPoints = 3
	minLinePoints    = 2
	minPointCoords   = 1
)

type kmlCoordinates struct {
	Text string `xml:"coordinates"`
}

type kmlBoundary struct {
	LinearRing kmlCoordinates `xml:"LinearRing"`
}

type kmlPolygon struct {
	Outer []kmlBoundary `xml:"outerBoundaryIs"`
	Inner []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlMultiGeometry struct {
	Polygons    []kmlPolygon       `xml:"Polygon"`
	Points      []kmlCoordinates   `xml:"Point"`
	LineStrings []kmlCoordinates   `xml:"LineString"`
	Nested      []kmlMultiGeometry `xml:"MultiGeometry"`
}

type kmlLatLonBox struct {
	North *float64 `xml:"north"`
	South *float64 `xml:"south"`
	East  *float64 `xml:"east"`
	West  *float64 `xml:"west"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type kmlSimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type kmlPlacemark struct {
	ID          string  `xml:"id,attr"`
	Name        *string `xml:"name"`
	Description *string `xml:"description"`
	Region      *struct {
		Box *kmlLatLonBox `xml:"LatLonAltBox"`
	} `xml:"Region"`
	ExtendedData struct {
		Data       []kmlData       `xml:"Data"`
		SimpleData []kmlSimpleData `xml:"SchemaData>SimpleData"`
	} `xml:"ExtendedData"`
	Polygons    []kmlPolygon       `xml:"Polygon"`
	Points      []kmlCoordinates   `xml:"Point"`
	LineStrings []kmlCoordinates   `xml:"LineString"`
	Multi       []kmlMultiGeometry `xml:"MultiGeometry"`
}

// ParseKML converts a KML document into a feature collection, in document order.
// Placemarks without a usable geometry are dropped.
func ParseKML(data []byte) (geo.FeatureCollection, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.Entity = xml.HTMLEntity

	var fc geo.FeatureCollection
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return geo.FeatureCollection{}, fmt.Errorf("%w: %v", ErrMalformedKML, err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "Placemark" {
			continue
		}
		var pm kmlPlacemark
		if err := dec.DecodeElement(&pm, &el); err != nil {
			return geo.FeatureCollection{}, fmt.Errorf("%w: placemark: %v", ErrMalformedKML, err)
		}
		if f, ok := pm.feature(); ok {
			fc.Features = append(fc.Features, f)
		}
	}
	return fc, nil
}

func (pm kmlPlacemark) feature() (geo.Feature, bool) {
	g := pm.geometry()
	if g == nil {
		return geo.Feature{}, false
	}

	props := map[string]any{}
	if pm.ID != "" {
		props["id"] = pm.ID
	}
	if pm.Name != nil {
		props["name"] = strings.TrimSpace(*pm.Name)
	}
	if pm.Description != nil {
		props["description"] = strings.TrimSpace(*pm.Description)
	}
	for _, d := range pm.ExtendedData.Data {
		if d.Name != "" {
			props[d.Name] = strings.TrimSpace(d.Value)
		}
	}
	for _, d := range pm.ExtendedData.SimpleData {
		if d.Name != "" {
			props[d.Name] = strings.TrimSpace(d.Value)
		}
	}

	f := geo.Feature{Geometry: g, Properties: props}
	if pm.Region != nil && pm.Region.Box != nil {
		f.BBox = pm.Region.Box.bbox()
	}
	return f, true
}

// geometry picks Polygon over Point over LineString, looking at direct children
// first and then inside MultiGeometry containers.
func (pm kmlPlacemark) geometry() *geo.Geometry {
	all := kmlMultiGeometry{Polygons: pm.Polygons, Points: pm.Points, LineStrings: pm.LineStrings}
	for _, m := range pm.Multi {
		all = all.merge(m.flatten())
	}

	switch {
	case len(all.Polygons) > 0:
		var polys [][][]geo.Position
		for _, p := range all.Polygons {
			if rings, ok := p.rings(); ok {
				polys = append(polys, rings)
			}
		}
		switch len(polys) {
		case 0:
			return nil
		case 1:
			return geo.NewPolygon(polys[0])
		default:
			return geo.NewMultiPolygon(polys)
		}
	case len(all.Points) > 0:
		coords := parseCoordinates(all.Points[0].Text)
		if len(coords) < minPointCoords {
			return nil
		}
		return geo.NewPoint(coords[0])
	case len(all.LineStrings) > 0:
		coords := parseCoordinates(all.LineStrings[0].Text)
		if len(coords) < minLinePoints {
			return nil
		}
		return geo.NewLineString(coords)
	}
	return nil
}

func (m kmlMultiGeometry) merge(o kmlMultiGeometry) kmlMultiGeometry {
	m.Polygons = append(m.Polygons, o.Polygons...)
	m.Points = append(m.Points, o.Points...)
	m.LineStrings = append(m.LineStrings, o.LineStrings...)
	return m
}

func (m kmlMultiGeometry) flatten() kmlMultiGeometry {
	out := kmlMultiGeometry{Polygons: m.Polygons, Points: m.Points, LineStrings: m.LineStrings}
	for _, n := range m.Nested {
		out = out.merge(n.flatten())
	}
	return out
}

func (p kmlPolygon) rings() ([][]geo.Position, bool) {
	if len(p.Outer) == 0 {
		return nil, false
	}
	outer := parseCoordinates(p.Outer[0].LinearRing.Text)
	if len(outer) < minPolygonPoints {
		return nil, false
	}
	rings := [][]geo.Position{outer}
	for _, in := range p.Inner {
		if hole := parseCoordinates(in.LinearRing.Text); len(hole) >= minPolygonPoints {
			rings = append(rings, hole)
		}
	}
	return rings, true
}

func (b kmlLatLonBox) bbox() *geo.BBox {
	if b.North == nil || b.South == nil || b.East == nil || b.West == nil {
		return nil
	}
	return &geo.BBox{MinLon: *b.West, MinLat: *b.South, MaxLon: *b.East, MaxLat: *b.North}
}

// parseCoordinates reads whitespace-separated "lon,lat[,ele]" tuples.
// Components past the third are ignored; tuples without a numeric lon/lat are skipped.
// Infinities and NaN count as non-numeric.
func parseCoordinates(text string) []geo.Position {
	fields := strings.Fields(text)
	out := make([]geo.Position, 0, len(fields))
	for _, tuple := range fields {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			continue
		}
		lon, ok1 := parseFinite(parts[0])
		lat, ok2 := parseFinite(parts[1])
		if !ok1 || !ok2 {
			continue
		}
		pos := geo.Position{lon, lat}
		if len(parts) >= 3 {
			if ele, ok := parseFinite(parts[2]); ok {
				pos = append(pos, ele)
			}
		}
		out = append(out, pos)
	}
	return out
}

func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
