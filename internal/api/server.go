package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kmz-pipeline/internal/config"
	"kmz-pipeline/internal/kmz"
	"kmz-pipeline/internal/models"
	"kmz-pipeline/internal/queue"
	"kmz-pipeline/internal/ratelimit"
	"kmz-pipeline/internal/store"
	"kmz-pipeline/internal/telemetry"
)

// FileStore is the kmz_files access the API needs.
type FileStore interface {
	CreateFile(ctx context.Context, p store.CreateFileParams) (models.KMZFile, error)
	GetFile(ctx context.Context, id int64) (models.KMZFile, error)
	ListFiles(ctx context.Context, limit int) ([]models.KMZFile, error)
	Requeue(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Ping(ctx context.Context) error
}

// JobQueue is the producer side of the processing queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job, opts queue.Options) (string, error)
	InFlight(ctx context.Context, kmzID int64) (bool, error)
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the upload API.
type Server struct {
	cfg     config.Config
	store   FileStore
	queue   JobQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable upload rate limiting.
func New(cfg config.Config, st FileStore, q JobQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/kmz", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Get("/dlq", s.handleDLQ)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/reprocess", s.handleReprocess)
			r.Group(func(r chi.Router) {
				if s.limiter != nil {
					r.Use(ratelimit.Middleware(s.limiter))
				}
				r.Post("/upload", s.handleUpload)
			})
		})
	})
	return r
}

type uploadResponse struct {
	Message string `json:"message"`
	KMZID   int64  `json:"kmz_id"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := zap.S().Named("api").With("request_id", middleware.GetReqID(r.Context()))
	if s.cfg.UploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	original := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(original), ".kmz") {
		writeError(w, http.StatusBadRequest, "Only .kmz files are accepted")
		return
	}

	stored := uuid.NewString() + "-" + sanitizeName(original)
	path := filepath.Join(s.cfg.KMZUploadDir(), stored)
	size, err := saveUpload(file, path)
	if err != nil {
		log.Errorw("failed to store upload", "file", original, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	layer, err := kmz.EntryName(path)
	if errors.Is(err, kmz.ErrNoKMLFound) {
		if _, err := s.store.CreateFile(r.Context(), store.CreateFileParams{
			Filename:     stored,
			OriginalName: original,
			FileSize:     size,
			Status:       models.StatusFailed,
			Metadata:     map[string]any{"error": models.ReasonNoKMLFound},
		}); err != nil {
			log.Errorw("failed to record rejected upload", "file", original, "error", err)
		}
		writeError(w, http.StatusBadRequest, "No KML found inside KMZ")
		return
	}
	if err != nil {
		_ = os.Remove(path)
		writeError(w, http.StatusBadRequest, "file is not a readable KMZ archive")
		return
	}

	rec, err := s.store.CreateFile(r.Context(), store.CreateFileParams{
		Filename:     stored,
		OriginalName: original,
		FileSize:     size,
		Status:       models.StatusQueued,
		Metadata:     map[string]any{"layerName": layer},
	})
	if err != nil {
		log.Errorw("failed to create kmz record", "file", original, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	if err := s.enqueue(r.Context(), rec.ID, stored, path); err != nil {
		log.Errorw("failed to enqueue kmz", "kmz_id", rec.ID, "error", err)
		if markErr := s.store.MarkFailed(r.Context(), rec.ID, err.Error()); markErr != nil {
			log.Errorw("failed to mark kmz failed", "kmz_id", rec.ID, "error", markErr)
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	log.Infow("kmz uploaded", "kmz_id", rec.ID, "file", original, "size", size, "layer", layer)
	writeJSON(w, http.StatusOK, uploadResponse{Message: "KMZ uploaded and queued", KMZID: rec.ID})
}

func (s *Server) enqueue(ctx context.Context, id int64, filename, path string) error {
	_, err := s.queue.Enqueue(ctx, models.Job{KMZID: id, Filename: filename, StoredPath: path}, queue.Options{
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     s.cfg.BackoffInitial,
	})
	if err != nil {
		return err
	}
	telemetry.EnqueueCounter.Inc()
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	f, err := s.store.GetFile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	files, err := s.store.ListFiles(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []models.KMZFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleReprocess re-enqueues a file with a fresh attempt budget.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	f, err := s.store.GetFile(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// A live lease decides, not the status column: a row can stay "processing"
	// after its worker died without settling it.
	leased, err := s.queue.InFlight(r.Context(), f.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if leased {
		writeError(w, http.StatusConflict, "file is being processed")
		return
	}

	// Status flips to queued before the entry becomes claimable so a fast worker cannot be overwritten.
	if err := s.store.Requeue(r.Context(), f.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.enqueue(r.Context(), f.ID, f.Filename, filepath.Join(s.cfg.KMZUploadDir(), f.Filename)); err != nil {
		if errors.Is(err, queue.ErrInFlight) {
			writeError(w, http.StatusConflict, "file is being processed")
			return
		}
		if markErr := s.store.MarkFailed(r.Context(), f.ID, err.Error()); markErr != nil {
			zap.S().Named("api").Errorw("failed to mark kmz failed", "kmz_id", f.ID, "error", markErr)
		}
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"kmz_id": f.ID, "status": models.StatusQueued})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "ok", "redis": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status["database"] = err.Error()
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		status["redis"] = err.Error()
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func saveUpload(src io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create upload: %w", err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write upload: %w", err)
	}
	return n, nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
