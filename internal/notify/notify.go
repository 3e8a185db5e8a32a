package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kmz-pipeline/internal/telemetry"
)

// JobFailure describes a job that will not be retried again.
type JobFailure struct {
	JobID    int64
	Filename string
	Err      error
}

type alertPayload struct {
	Text     string `json:"text"`
	JobID    int64  `json:"job_id"`
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Notifier posts terminal-failure alerts to a webhook.
type Notifier struct {
	webhook    string
	httpClient *http.Client
}

// New returns a notifier. An empty webhook makes every call a no-op.
func New(webhook string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{webhook: webhook, httpClient: &http.Client{Timeout: timeout}}
}

// Enabled reports whether an alert destination is configured.
func (n *Notifier) Enabled() bool { return n != nil && n.webhook != "" }

// JobFailed sends one alert and reports whether it was delivered. Errors are logged, never returned.
func (n *Notifier) JobFailed(ctx context.Context, f JobFailure) bool {
	if !n.Enabled() {
		return false
	}
	log := zap.S().Named("notify")

	filename := f.Filename
	if filename == "" {
		filename = "n/a"
	}
	reason := "unknown"
	if f.Err != nil {
		reason = f.Err.Error()
	}
	body, err := json.Marshal(alertPayload{
		Text:     fmt.Sprintf("KMZ job failed permanently for kmz_id=%d, filename=%s", f.JobID, filename),
		JobID:    f.JobID,
		Filename: f.Filename,
		Error:    reason,
	})
	if err != nil {
		log.Warnw("failed to encode job failure notification", "kmz_id", f.JobID, "error", err)
		telemetry.AlertsSent.WithLabelValues("error").Inc()
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook, bytes.NewReader(body))
	if err != nil {
		log.Warnw("failed to build job failure notification", "kmz_id", f.JobID, "error", err)
		telemetry.AlertsSent.WithLabelValues("error").Inc()
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warnw("failed to send job failure notification", "kmz_id", f.JobID, "error", err)
		telemetry.AlertsSent.WithLabelValues("error").Inc()
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		log.Warnw("job failure notification rejected", "kmz_id", f.JobID, "status", resp.StatusCode)
		telemetry.AlertsSent.WithLabelValues("rejected").Inc()
		return false
	}
	telemetry.AlertsSent.WithLabelValues("sent").Inc()
	return true
}
