package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/runwarden/runwarden/internal/model"
)

const callbackTimeout = 10 * time.Second

// CallbackPayload is POSTed to the callbackUrl of a finished execution.
type CallbackPayload struct {
	ExecutionID string       `json:"executionId"`
	ScriptID    string       `json:"scriptId"`
	FileName    string       `json:"fileName"`
	Status      model.Status `json:"status"`
	Output      string       `json:"output"`
	Error       string       `json:"error,omitempty"`
	DurationMs  *int64       `json:"durationMs,omitempty"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     *time.Time   `json:"endTime,omitempty"`
}

func NewCallbackPayload(r model.ExecutionResult) CallbackPayload {
	return CallbackPayload{
		ExecutionID: r.ExecutionID,
		ScriptID:    r.ScriptID,
		FileName:    r.FileName,
		Status:      r.Status,
		Output:      r.Output,
		Error:       r.Error,
		DurationMs:  r.DurationMs,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
	}
}

type Callback interface {
	Deliver(ctx context.Context, target *url.URL, payload CallbackPayload) error
}

// HTTPCallback delivers completion callbacks with a single POST, no retries.
type HTTPCallback struct {
	client *http.Client
}

func NewHTTPCallback(client *http.Client) *HTTPCallback {
	if client == nil {
		client = &http.Client{Timeout: callbackTimeout}
	}
	return &HTTPCallback{client: client}
}

func (c *HTTPCallback) Deliver(ctx context.Context, target *url.URL, payload CallbackPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCallbackDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCallbackDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrCallbackDelivery, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", model.ErrCallbackDelivery, resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.DebugContext(ctx, "callback delivered",
		slog.String("executionId", payload.ExecutionID),
		slog.Int("status", resp.StatusCode))
	return nil
}
