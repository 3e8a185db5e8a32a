package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"kmz-pipeline/internal/models"
)

// ErrNotFound is returned when a kmz_files row does not exist.
var ErrNotFound = errors.New("kmz file not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateFileParams collects inputs required to insert a kmz_files row.
type CreateFileParams struct {
	Filename     string
	OriginalName string
	FileSize     int64
	Status       string
	Metadata     map[string]any
}

// CreateFile inserts an uploaded archive record.
func (s *Store) CreateFile(ctx context.Context, p CreateFileParams) (models.KMZFile, error) {
	if p.Status == "" {
		p.Status = models.StatusQueued
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.KMZFile{}, fmt.Errorf("marshal metadata: %w", err)
	}

	var (
		id       int64
		uploaded time.Time
	)
	err = s.pool.QueryRow(ctx, `
		INSERT INTO kmz_files (filename, original_name, file_size, status, feature_count, metadata)
		VALUES ($1, $2, $3, $4, 0, $5)
		RETURNING id, upload_date
	`, p.Filename, p.OriginalName, p.FileSize, p.Status, metaJSON).Scan(&id, &uploaded)
	if err != nil {
		return models.KMZFile{}, fmt.Errorf("insert kmz file: %w", err)
	}

	return models.KMZFile{
		ID:           id,
		Filename:     p.Filename,
		OriginalName: p.OriginalName,
		FileSize:     p.FileSize,
		Status:       p.Status,
		Metadata:     p.Metadata,
		UploadDate:   uploaded,
	}, nil
}

const fileColumns = `id, filename, original_name, file_size, status, feature_count, metadata, thumbnail_path, upload_date, processed_date`

// GetFile fetches a kmz file by id.
func (s *Store) GetFile(ctx context.Context, id int64) (models.KMZFile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM kmz_files WHERE id = $1`, id)
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.KMZFile{}, fmt.Errorf("kmz file %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFiles returns the most recent uploads first.
func (s *Store) ListFiles(ctx context.Context, limit int) ([]models.KMZFile, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+fileColumns+` FROM kmz_files ORDER BY upload_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list kmz files: %w", err)
	}
	defer rows.Close()

	var out []models.KMZFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Requeue puts a file back into queued so it can be processed again.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE kmz_files SET status = $2, metadata = metadata - 'error' WHERE id = $1
	`, id, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("requeue kmz file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("kmz file %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkFailed records a failure outside a processing attempt, e.g. when enqueueing fails.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return markFailed(ctx, s.pool, id, reason)
}

// StatusCounts groups kmz_files by status.
func (s *Store) StatusCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM kmz_files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Acquire checks a connection out of the pool for one processing attempt.
// The caller must Release it on every exit path.
func (s *Store) Acquire(ctx context.Context) (*Conn, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Conn{conn: c}, nil
}

func scanFile(row pgx.Row) (models.KMZFile, error) {
	var (
		f         models.KMZFile
		metaJSON  []byte
		thumbnail pgtype.Text
		processed pgtype.Timestamptz
	)
	if err := row.Scan(&f.ID, &f.Filename, &f.OriginalName, &f.FileSize, &f.Status, &f.FeatureCount, &metaJSON, &thumbnail, &f.UploadDate, &processed); err != nil {
		return models.KMZFile{}, fmt.Errorf("scan kmz file: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &f.Metadata); err != nil {
			return models.KMZFile{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	f.ThumbnailPath = textPtr(thumbnail)
	if processed.Valid {
		t := processed.Time
		f.ProcessedDate = &t
	}
	return f, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
