package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"kmz-pipeline/internal/geo"
	"kmz-pipeline/internal/kmz"
	"kmz-pipeline/internal/models"
	"kmz-pipeline/internal/telemetry"
	"kmz-pipeline/internal/thumbnail"
)

// FeatureStore is the storage a single processing attempt writes to.
type FeatureStore interface {
	ReplaceFeatures(ctx context.Context, kmzID int64, features []models.Feature) error
	MarkProcessed(ctx context.Context, kmzID int64, featureCount int, thumbnailPath *string) error
	MarkFailed(ctx context.Context, kmzID int64, reason string) error
}

// Thumbnailer renders a preview image for a processed file.
type Thumbnailer interface {
	Generate(ctx context.Context, req thumbnail.Request, fc geo.FeatureCollection) (string, error)
}

// Request identifies the archive to process.
type Request struct {
	JobID      int64
	StoredPath string
	// RenderURL is the optional map-render service used for thumbnails.
	RenderURL string
	// BaseDir anchors local thumbnail output.
	BaseDir string
}

// Result summarises one attempt.
type Result struct {
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
	FeatureCount  int    `json:"feature_count"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
}

// Pipeline turns a stored KMZ archive into persisted features and a status update.
type Pipeline struct {
	extractor kmz.Extractor
	thumbs    Thumbnailer
}

// New builds a pipeline. thumbs may be nil to skip thumbnails entirely.
func New(extractor kmz.Extractor, thumbs Thumbnailer) *Pipeline {
	return &Pipeline{extractor: extractor, thumbs: thumbs}
}

// Process runs one attempt. Unrecoverable inputs return a *TerminalError; any
// other error is worth retrying. In both cases the file is marked failed first.
func (p *Pipeline) Process(ctx context.Context, req Request, db FeatureStore) (Result, error) {
	log := zap.S().Named("pipeline").With("kmz_id", req.JobID)

	if _, err := os.Stat(req.StoredPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p.terminal(ctx, db, req.JobID, models.ReasonFileMissing, err)
		}
		return p.fail(ctx, db, req.JobID, fmt.Errorf("stat source: %w", err))
	}

	doc, err := p.extractor.ExtractFile(req.StoredPath)
	if err != nil {
		if errors.Is(err, kmz.ErrNoKMLFound) {
			return p.terminal(ctx, db, req.JobID, models.ReasonNoKMLFound, err)
		}
		return p.fail(ctx, db, req.JobID, err)
	}

	fc, err := kmz.ParseKML(doc.Data)
	if err != nil {
		return p.fail(ctx, db, req.JobID, fmt.Errorf("parse %s: %w", doc.Name, err))
	}
	geo.AnnotateAll(&fc)

	records, err := ToRecords(req.JobID, fc)
	if err != nil {
		return p.fail(ctx, db, req.JobID, err)
	}
	if err := db.ReplaceFeatures(ctx, req.JobID, records); err != nil {
		return p.fail(ctx, db, req.JobID, err)
	}
	telemetry.FeaturesStored.Add(float64(len(records)))

	var thumb *string
	if p.thumbs != nil {
		path, err := p.thumbs.Generate(ctx, thumbnail.Request{JobID: req.JobID, RenderURL: req.RenderURL, BaseDir: req.BaseDir}, fc)
		switch {
		case err != nil:
			telemetry.ThumbnailFailures.Inc()
			log.Warnw("thumbnail generation failed", "error", err)
		case path != "":
			thumb = &path
		}
	}

	if err := db.MarkProcessed(ctx, req.JobID, len(records), thumb); err != nil {
		return p.fail(ctx, db, req.JobID, err)
	}

	res := Result{Success: true, FeatureCount: len(records)}
	if thumb != nil {
		res.ThumbnailPath = *thumb
	}
	log.Infow("kmz processed", "document", doc.Name, "features", res.FeatureCount, "thumbnail", res.ThumbnailPath)
	return res, nil
}

func (p *Pipeline) terminal(ctx context.Context, db FeatureStore, id int64, reason string, cause error) (Result, error) {
	markFailed(ctx, db, id, reason)
	return Result{Success: false, Reason: reason}, &TerminalError{Reason: reason, Err: cause}
}

func (p *Pipeline) fail(ctx context.Context, db FeatureStore, id int64, err error) (Result, error) {
	markFailed(ctx, db, id, err.Error())
	return Result{Success: false, Reason: err.Error()}, err
}

func markFailed(ctx context.Context, db FeatureStore, id int64, reason string) {
	if err := db.MarkFailed(ctx, id, reason); err != nil {
		zap.S().Named("pipeline").Errorw("failed to mark kmz as failed", "kmz_id", id, "reason", reason, "error", err)
	}
}

// ToRecords converts parsed features into storage rows.
func ToRecords(kmzID int64, fc geo.FeatureCollection) ([]models.Feature, error) {
	out := make([]models.Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature %d has no geometry", i)
		}
		geomJSON, err := json.Marshal(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encode geometry of feature %d: %w", i, err)
		}
		typ := f.StringProperty("type")
		if typ == "" {
			typ = f.Geometry.Type
		}
		out = append(out, models.Feature{
			KMZID:       kmzID,
			FeatureID:   optional(f.StringProperty("id")),
			Name:        optional(f.StringProperty("name")),
			Description: optional(f.StringProperty("description")),
			Type:        &typ,
			Geometry:    geomJSON,
			Properties:  f.Properties,
		})
	}
	return out, nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
