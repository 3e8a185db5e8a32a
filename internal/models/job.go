package models

import (
	"time"
)

// File status values persisted in kmz_files.status.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Failure reasons stored under metadata.error.
const (
	ReasonNoKMLFound  = "no_kml_found"
	ReasonFileMissing = "file_missing"
)

// KMZFile is an uploaded archive and its processing state.
type KMZFile struct {
	ID            int64          `json:"id"`
	Filename      string         `json:"filename"`
	OriginalName  string         `json:"original_name"`
	FileSize      int64          `json:"file_size"`
	Status        string         `json:"status"`
	FeatureCount  int            `json:"feature_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ThumbnailPath *string        `json:"thumbnail_path,omitempty"`
	UploadDate    time.Time      `json:"upload_date"`
	ProcessedDate *time.Time     `json:"processed_date,omitempty"`
}

// Job is the queue payload for one KMZ processing request.
type Job struct {
	KMZID      int64  `json:"kmz_id"`
	Filename   string `json:"filename"`
	StoredPath string `json:"stored_path,omitempty"`
}
