package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kmz-pipeline/internal/telemetry"
)

// StatusCounter reports kmz_files totals per status.
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[string]int64, error)
}

type healthHandler struct {
	p     *Processor
	db    StatusCounter
	ttl   time.Duration
	mu    sync.Mutex
	files map[string]int64
	at    time.Time
}

// HealthRouter serves /health from cached queue and file counts, plus /metrics.
func HealthRouter(p *Processor, db StatusCounter) http.Handler {
	ttl := p.cfg.CountsRefresh
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	h := &healthHandler{p: p, db: db, ttl: ttl}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.serve)
	r.Mount("/metrics", telemetry.Handler())
	return r
}

func (h *healthHandler) serve(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "worker_id": h.p.workerID}
	code := http.StatusOK

	counts, ok := h.p.Counts()
	if ok {
		body["queue"] = counts
	} else {
		body["status"] = "starting"
		code = http.StatusServiceUnavailable
	}
	if files, err := h.fileCounts(r.Context()); err == nil {
		body["files"] = files
	} else {
		body["status"] = "degraded"
		body["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *healthHandler) fileCounts(ctx context.Context) (map[string]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.files != nil && time.Since(h.at) < h.ttl {
		return h.files, nil
	}
	if h.db == nil {
		return map[string]int64{}, nil
	}
	files, err := h.db.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	h.files, h.at = files, time.Now()
	return files, nil
}
