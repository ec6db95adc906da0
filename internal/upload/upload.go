// Package upload implements the sync engine: it drains the durable queue
// to the remote ingestion endpoint in fixed-size batches, marking records
// uploaded only after the endpoint acknowledges the batch, and owns the
// best-effort remote session creation and score/insights polling calls.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lovesync/pulse/internal/identity"
	"github.com/lovesync/pulse/internal/queue"
	"github.com/lovesync/pulse/internal/telemetry"
)

// Result reports one drain cycle: events confirmed by the endpoint and
// events left behind by the batch that failed.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// SessionResponse is the ingestion backend's answer to session creation.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	StartedAt string `json:"started_at"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Queue   queue.Store
	Logger  *log.Logger

	Timeout    time.Duration // per-request bound, defaults to 10s
	BatchSize  int           // defaults to 50
	MaxRetries int           // attempts per batch, defaults to 3
	Backoff    time.Duration // linear backoff base, defaults to 1s
}

// Client talks to the ingestion backend. Drains are re-entrant-safe: a
// second UploadPending while one is in flight is a no-op returning {0,0},
// never a double-send.
type Client struct {
	http       *http.Client
	baseURL    string
	queue      queue.Store
	log        *log.Logger
	batchSize  int
	maxRetries int
	backoff    time.Duration

	inFlight atomic.Bool
	sleep    func(time.Duration) // test seam for backoff delays
}

// New creates a Client. The HTTP client is bounded by Options.Timeout so a
// dead endpoint costs at most one timeout per attempt.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	retries := opts.MaxRetries
	if retries < 1 {
		retries = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		queue:      opts.Queue,
		log:        opts.Logger,
		batchSize:  batch,
		maxRetries: retries,
		backoff:    backoff,
		sleep:      time.Sleep,
	}
}

// UploadPending drains the queue in batches, stopping at the first batch
// the endpoint rejects so within-session timestamp order is preserved and
// no gaps appear. Each failing batch is retried with linearly increasing
// backoff before the cycle gives up; the next periodic tick picks up where
// this one stopped. Network and storage failures are logged, never
// surfaced to the interacting user.
func (c *Client) UploadPending(ctx context.Context) Result {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{}
	}
	defer c.inFlight.Store(false)

	var res Result
	for {
		records, err := c.queue.Pending(c.batchSize)
		if err != nil {
			if !errors.Is(err, queue.ErrNotInitialized) {
				c.log.Printf("upload: reading pending events: %v", err)
			}
			return res
		}
		if len(records) == 0 {
			return res
		}

		if err := c.postBatch(ctx, records); err != nil {
			c.log.Printf("upload: batch of %d failed, will retry next cycle: %v", len(records), err)
			res.Failed = len(records)
			return res
		}

		ids := make([]int64, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
		}
		if err := c.queue.MarkUploaded(ids); err != nil {
			c.log.Printf("upload: marking %d records uploaded: %v", len(ids), err)
			return res
		}
		res.Sent += len(records)

		// A short batch means the queue is drained.
		if len(records) < c.batchSize {
			return res
		}
	}
}

// postBatch posts one batch, retrying with linear backoff (base, 2×base,
// 3×base, …) up to the attempt bound.
func (c *Client) postBatch(ctx context.Context, records []telemetry.QueueRecord) error {
	events := make([]telemetry.Event, len(records))
	for i, rec := range records {
		events[i] = rec.Event
	}
	payload := map[string]any{"events": events}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.sleep(c.backoff * time.Duration(attempt))
		}
		if lastErr = c.postJSON(ctx, "/v1/ingest/events", payload, nil); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// CreateSession registers a session with the backend. Best effort: callers
// must not block local session start on its failure.
func (c *Client) CreateSession(ctx context.Context, userHash, screen string, device identity.DeviceInfo) (SessionResponse, error) {
	var resp SessionResponse
	err := c.postJSON(ctx, "/v1/sessions", map[string]any{
		"user_hash": userHash,
		"screen":    screen,
		"device":    device,
	}, &resp)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("upload: creating session: %w", err)
	}
	return resp, nil
}

// Score fetches the server-computed score for a session, the polling
// fallback when the realtime channel is down.
func (c *Client) Score(ctx context.Context, sessionID string) (telemetry.InterestScore, error) {
	var score telemetry.InterestScore
	if err := c.getJSON(ctx, "/v1/score/"+sessionID, &score); err != nil {
		return telemetry.InterestScore{}, fmt.Errorf("upload: fetching score: %w", err)
	}
	return score, nil
}

// Insights fetches the backend's implementation-defined session aggregate.
func (c *Client) Insights(ctx context.Context, sessionID string) (map[string]any, error) {
	var insights map[string]any
	if err := c.getJSON(ctx, "/v1/insights/"+sessionID, &insights); err != nil {
		return nil, fmt.Errorf("upload: fetching insights: %w", err)
	}
	return insights, nil
}

// Health probes the backend's health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// postJSON sends a POST with a JSON body and decodes the response into dst
// when dst is non-nil. Non-2xx responses become errors carrying the body.
func (c *Client) postJSON(ctx context.Context, path string, body, dst any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, dst)
}

// getJSON sends a GET and decodes the JSON response into dst.
func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, dst)
}

// decodeJSON checks the status code and decodes the body into dst. For
// non-2xx responses it returns an error with the body's message when one
// is present.
func decodeJSON(resp *http.Response, dst any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(b))
		if msg != "" {
			return fmt.Errorf("HTTP %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("HTTP %s", resp.Status)
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
