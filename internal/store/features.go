package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kmz-pipeline/internal/models"
)

// SRID every stored geometry is tagged with (WGS84).
const SRID = 4326

// Conn is a pooled connection checked out for one job attempt.
type Conn struct {
	conn *pgxpool.Conn
}

// Release returns the connection to the pool. Safe to call more than once.
func (c *Conn) Release() {
	if c.conn != nil {
		c.conn.Release()
		c.conn = nil
	}
}

// MarkProcessing flags a file as being worked on.
func (c *Conn) MarkProcessing(ctx context.Context, kmzID int64) error {
	_, err := c.conn.Exec(ctx, `UPDATE kmz_files SET status = $2 WHERE id = $1`, kmzID, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// ReplaceFeatures deletes every feature of the file and inserts the new set in one transaction.
func (c *Conn) ReplaceFeatures(ctx context.Context, kmzID int64, features []models.Feature) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM kmz_features WHERE kmz_id = $1`, kmzID); err != nil {
		return fmt.Errorf("delete features: %w", err)
	}

	if len(features) > 0 {
		batch := &pgx.Batch{}
		for i, f := range features {
			props := f.Properties
			if props == nil {
				props = map[string]any{}
			}
			propsJSON, err := json.Marshal(props)
			if err != nil {
				return fmt.Errorf("marshal properties of feature %d: %w", i, err)
			}
			var styleJSON []byte
			if f.Style != nil {
				if styleJSON, err = json.Marshal(f.Style); err != nil {
					return fmt.Errorf("marshal style of feature %d: %w", i, err)
				}
			}
			batch.Queue(`
				INSERT INTO kmz_features (kmz_id, feature_id, name, description, placemark_type, geometry, style, properties)
				VALUES ($1, $2, $3, $4, $5, ST_SetSRID(ST_GeomFromGeoJSON($6), $9), $7, $8)
			`, kmzID, f.FeatureID, f.Name, f.Description, f.Type, string(f.Geometry), styleJSON, propsJSON, SRID)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range features {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert feature %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkProcessed records a successful run. A nil thumbnail keeps the previous one.
func (c *Conn) MarkProcessed(ctx context.Context, kmzID int64, featureCount int, thumbnailPath *string) error {
	_, err := c.conn.Exec(ctx, `
		UPDATE kmz_files
		SET status = $2, processed_date = NOW(), feature_count = $3,
		    thumbnail_path = COALESCE($4, thumbnail_path), metadata = metadata - 'error'
		WHERE id = $1
	`, kmzID, models.StatusProcessed, featureCount, thumbnailPath)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed sets status failed and records reason under metadata.error.
func (c *Conn) MarkFailed(ctx context.Context, kmzID int64, reason string) error {
	return markFailed(ctx, c.conn, kmzID, reason)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func markFailed(ctx context.Context, db execer, kmzID int64, reason string) error {
	_, err := db.Exec(ctx, `
		UPDATE kmz_files
		SET status = $2, metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('error', $3::text)
		WHERE id = $1
	`, kmzID, models.StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
