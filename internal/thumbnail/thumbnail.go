package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kmz-pipeline/internal/geo"
)

// Thumbnail canvas size, shared by the render request and the placeholder.
const (
	Width  = 400
	Height = 200
)

const maxRenderBytes = 10 << 20

var (
	background = color.NRGBA{R: 0xf7, G: 0xf7, B: 0xf7, A: 0xff}
	foreground = color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xff}
)

// Request describes the file a thumbnail is made for.
type Request struct {
	JobID     int64
	RenderURL string
	BaseDir   string
}

// Generator produces preview images: a remote WMS render when possible, a local placeholder otherwise.
type Generator struct {
	httpClient *http.Client
	layers     string
	// remote overrides the local uploader, e.g. S3.
	remote Uploader
}

// Option customises a Generator.
type Option func(*Generator)

// WithUploader stores thumbnails through u instead of the local filesystem.
func WithUploader(u Uploader) Option {
	return func(g *Generator) { g.remote = u }
}

// WithLayers sets the WMS layers parameter.
func WithLayers(layers string) Option {
	return func(g *Generator) { g.layers = layers }
}

// NewGenerator builds a generator whose render calls are bounded by timeout.
func NewGenerator(timeout time.Duration, opts ...Option) *Generator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	g := &Generator{httpClient: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate creates and stores a thumbnail, returning where it was stored.
// It returns "" with no error when there is nothing to draw.
func (g *Generator) Generate(ctx context.Context, req Request, fc geo.FeatureCollection) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ref, err = "", fmt.Errorf("thumbnail panic: %v", r)
		}
	}()

	var png []byte
	if box, ok := fc.ExplicitBBox(); ok && req.RenderURL != "" {
		png, err = g.render(ctx, req.RenderURL, box)
		if err != nil {
			zap.S().Named("thumbnail").Warnw("remote render failed, using placeholder", "kmz_id", req.JobID, "error", err)
		}
	}
	if png == nil {
		box, ok := geo.Bounds(fc)
		if !ok {
			return "", nil
		}
		if png, err = Placeholder(req.JobID, box); err != nil {
			return "", err
		}
	}

	return g.uploader(req).Upload(ctx, fmt.Sprintf("thumbnails/%d.png", req.JobID), png, "image/png")
}

func (g *Generator) uploader(req Request) Uploader {
	if g.remote != nil {
		return g.remote
	}
	return &LocalUploader{BaseDir: filepath.Join(req.BaseDir, "uploads")}
}

// RenderURL builds the WMS GetMap request for box.
func RenderURL(base, layers string, box geo.BBox) string {
	q := url.Values{}
	q.Set("service", "WMS")
	q.Set("version", "1.1.1")
	q.Set("request", "GetMap")
	q.Set("format", "image/png")
	q.Set("transparent", "true")
	q.Set("width", fmt.Sprint(Width))
	q.Set("height", fmt.Sprint(Height))
	q.Set("srs", "EPSG:4326")
	q.Set("bbox", box.Format(",", -1))
	if layers != "" {
		q.Set("layers", layers)
	}
	return strings.TrimRight(base, "/") + "/wms?" + q.Encode()
}

func (g *Generator) render(ctx context.Context, base string, box geo.BBox) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, RenderURL(base, g.layers, box), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("render request: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read render: %w", err)
	}
	if len(body) > maxRenderBytes {
		return nil, errors.New("render response too large")
	}

	// WMS servers report errors as XML with a 200 status; only accept real images.
	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode render: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode render: %w", err)
	}
	return buf.Bytes(), nil
}

// Placeholder draws a framed 400x200 PNG labelled with the job id and bounding box.
func Placeholder(jobID int64, box geo.BBox) ([]byte, error) {
	img := imaging.New(Width, Height, background)
	ink := image.NewUniform(foreground)

	frame := image.Rect(4, 4, Width-4, Height-4)
	const stroke = 2
	for _, r := range []image.Rectangle{
		image.Rect(frame.Min.X, frame.Min.Y, frame.Max.X, frame.Min.Y+stroke),
		image.Rect(frame.Min.X, frame.Max.Y-stroke, frame.Max.X, frame.Max.Y),
		image.Rect(frame.Min.X, frame.Min.Y, frame.Min.X+stroke, frame.Max.Y),
		image.Rect(frame.Max.X-stroke, frame.Min.Y, frame.Max.X, frame.Max.Y),
	} {
		draw.Draw(img, r, ink, image.Point{}, draw.Src)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  ink,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(12, 28),
	}
	d.DrawString(PlaceholderLabel(jobID, box))

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

// PlaceholderLabel is the text drawn on placeholder thumbnails.
func PlaceholderLabel(jobID int64, box geo.BBox) string {
	return fmt.Sprintf("KMZ %d - bbox: %s", jobID, box.Format(", ", 3))
}
