package thumbnail

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kmz-pipeline/internal/geo"
)

func squareCollection(withBBox bool) geo.FeatureCollection {
	f := geo.Feature{Geometry: geo.NewPolygon([][]geo.Position{{{35.8, 34.2}, {35.81, 34.2}, {35.81, 34.21}, {35.8, 34.2}}})}
	if withBBox {
		f.BBox = &geo.BBox{MinLon: 35.8, MinLat: 34.2, MaxLon: 35.81, MaxLat: 34.21}
	}
	return geo.FeatureCollection{Features: []geo.Feature{f}}
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	return img
}

func TestGenerate_PlaceholderWithoutRenderService(t *testing.T) {
	base := t.TempDir()
	g := NewGenerator(time.Second)

	path, err := g.Generate(context.Background(), Request{JobID: 7, BaseDir: base}, squareCollection(false))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	want := filepath.Join(base, "uploads", "thumbnails", "7.png")
	if path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
	img := decodePNG(t, path)
	if img.Bounds().Dx() != Width || img.Bounds().Dy() != Height {
		t.Fatalf("expected %dx%d, got %v", Width, Height, img.Bounds())
	}
	r, g2, b, _ := img.At(5, 5).RGBA()
	if r>>8 != 0x33 || g2>>8 != 0x33 || b>>8 != 0x33 {
		t.Fatalf("expected frame colour at (5,5), got %d %d %d", r>>8, g2>>8, b>>8)
	}
}

func TestGenerate_RemoteRender(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, Width, Height))
	src.Set(0, 0, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var gotBBox, gotLayers string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/geoserver/wms" {
			http.NotFound(w, r)
			return
		}
		gotBBox = r.URL.Query().Get("bbox")
		gotLayers = r.URL.Query().Get("layers")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	base := t.TempDir()
	g := NewGenerator(time.Second, WithLayers("parcels:kmz"))
	path, err := g.Generate(context.Background(), Request{JobID: 9, RenderURL: srv.URL + "/geoserver/", BaseDir: base}, squareCollection(true))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotBBox != "35.8,34.2,35.81,34.21" {
		t.Fatalf("unexpected bbox param %q", gotBBox)
	}
	if gotLayers != "parcels:kmz" {
		t.Fatalf("unexpected layers param %q", gotLayers)
	}
	img := decodePNG(t, path)
	if r, _, _, _ := img.At(0, 0).RGBA(); r>>8 != 200 {
		t.Fatalf("expected rendered pixel to be kept, got r=%d", r>>8)
	}
}

func TestGenerate_RemoteFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		_, _ = w.Write([]byte(`<ServiceExceptionReport/>`))
	}))
	defer srv.Close()

	base := t.TempDir()
	path, err := NewGenerator(time.Second).Generate(context.Background(), Request{JobID: 3, RenderURL: srv.URL, BaseDir: base}, squareCollection(true))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if decodePNG(t, path).Bounds().Dx() != Width {
		t.Fatalf("expected placeholder thumbnail")
	}
}

func TestGenerate_NothingToDraw(t *testing.T) {
	path, err := NewGenerator(time.Second).Generate(context.Background(), Request{JobID: 1, BaseDir: t.TempDir()}, geo.FeatureCollection{})
	if err != nil || path != "" {
		t.Fatalf("expected no thumbnail, got %q err=%v", path, err)
	}
}

func TestGenerate_UnwritableDirectory(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "uploads")
	if err := os.WriteFile(blocker, []byte("file, not dir"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := NewGenerator(time.Second).Generate(context.Background(), Request{JobID: 2, BaseDir: base}, squareCollection(false))
	if err == nil {
		t.Fatalf("expected filesystem error")
	}
}

func TestPlaceholderLabel(t *testing.T) {
	got := PlaceholderLabel(42, geo.BBox{MinLon: 35.8, MinLat: 34.2, MaxLon: 35.81, MaxLat: 34.21})
	if got != "KMZ 42 - bbox: 35.800, 34.200, 35.810, 34.210" {
		t.Fatalf("unexpected label %q", got)
	}
}

func TestRenderURL(t *testing.T) {
	u := RenderURL("http://geo/geoserver/", "", geo.BBox{MinLon: 1, MinLat: 2, MaxLon: 3, MaxLat: 4})
	if !strings.HasPrefix(u, "http://geo/geoserver/wms?") {
		t.Fatalf("unexpected url %s", u)
	}
	if !strings.Contains(u, "srs=EPSG%3A4326") || !strings.Contains(u, "width=400") || strings.Contains(u, "layers=") {
		t.Fatalf("unexpected query %s", u)
	}
}
