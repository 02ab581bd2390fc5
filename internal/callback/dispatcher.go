// Package callback reports job outcomes to the URL supplied with the job.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/telemetry"
)

// Payload is the JSON body of a callback. Text and ResponseType let a chat
// response_url render it directly.
type Payload struct {
	Status       models.JobStatus `json:"status"`
	JobType      models.JobKind   `json:"job_type"`
	JobID        string           `json:"job_id"`
	Result       map[string]any   `json:"result,omitempty"`
	Error        string           `json:"error,omitempty"`
	Text         string           `json:"text"`
	ResponseType string           `json:"response_type"`
}

// Dispatcher performs best-effort callback delivery: one POST, bounded by
// the client timeout, never retried.
type Dispatcher struct {
	client *http.Client
	logger zerolog.Logger
}

func NewDispatcher(timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "callback").Logger(),
	}
}

// Deliver posts the payload and reports whether the endpoint accepted it.
// Failures are logged and counted, never returned.
func (d *Dispatcher) Deliver(ctx context.Context, url string, p Payload) bool {
	if p.ResponseType == "" {
		p.ResponseType = "in_channel"
	}
	if err := d.post(ctx, url, p); err != nil {
		telemetry.Callbacks.WithLabelValues("failed").Inc()
		d.logger.Warn().Err(err).Str("job_id", p.JobID).Str("status", string(p.Status)).Msg("callback delivery failed")
		return false
	}
	telemetry.Callbacks.WithLabelValues("delivered").Inc()
	d.logger.Debug().Str("job_id", p.JobID).Str("status", string(p.Status)).Msg("callback delivered")
	return true
}

func (d *Dispatcher) post(ctx context.Context, url string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
