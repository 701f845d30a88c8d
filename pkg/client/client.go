package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a duraq server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// EnqueueOptions customizes an enqueued message.
type EnqueueOptions struct {
	Priority      int
	CorrelationID string
	Delay         time.Duration
	MaxRetries    *int // nil keeps the server default
}

// Message is a claimed message as returned by the server.
type Message struct {
	ID            int64           `json:"id"`
	Queue         string          `json:"queue"`
	Type          string          `json:"type"`
	Body          json.RawMessage `json:"body"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	CreatedAt     time.Time       `json:"created_at"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	ClaimStarted  *time.Time      `json:"claim_started_at,omitempty"`
	ClaimantID    *string         `json:"claimant_id,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
}

// Stats mirrors the server's stats snapshot.
type Stats struct {
	Queue                   string           `json:"queue"`
	StatusCounts            map[string]int64 `json:"status_counts"`
	DeadLetterCount         int64            `json:"dead_letter_count"`
	OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
	MeanProcessingMs        float64          `json:"mean_processing_ms"`
	P95ProcessingMs         float64          `json:"p95_processing_ms"`
	ThroughputPerMinute     float64          `json:"throughput_per_minute"`
	WindowSeconds           float64          `json:"window_seconds"`
}

// Enqueue sends a message to a queue and returns its id.
func (c *Client) Enqueue(ctx context.Context, queueName, msgType string, body interface{}, opts *EnqueueOptions) (int64, error) {
	if opts == nil {
		opts = &EnqueueOptions{}
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}

	req := map[string]interface{}{
		"type": msgType,
		"body": json.RawMessage(bodyJSON),
	}
	if opts.Priority != 0 {
		req["priority"] = opts.Priority
	}
	if opts.CorrelationID != "" {
		req["correlation_id"] = opts.CorrelationID
	}
	if opts.Delay > 0 {
		req["delay_ms"] = opts.Delay.Milliseconds()
	}
	if opts.MaxRetries != nil {
		req["max_retries"] = *opts.MaxRetries
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/v1/queues/%s/messages", c.baseURL, queueName)
	if err := c.post(ctx, url, req, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Claim asks for the next eligible message. Returns nil when the queue has
// nothing eligible.
func (c *Client) Claim(ctx context.Context, queueName, typeFilter, claimantID string) (*Message, error) {
	req := map[string]string{"claimant_id": claimantID}
	if typeFilter != "" {
		req["type"] = typeFilter
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/v1/queues/%s:claim", c.baseURL, queueName)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var m Message
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claim failed: %s - %s", resp.Status, string(bodyBytes))
	}
}

// Complete reports the outcome of processing a claimed message.
func (c *Client) Complete(ctx context.Context, id int64, success bool, errMsg string) error {
	req := map[string]interface{}{"success": success}
	if errMsg != "" {
		req["error"] = errMsg
	}
	url := fmt.Sprintf("%s/v1/messages/%d:complete", c.baseURL, id)
	return c.post(ctx, url, req, http.StatusOK, nil)
}

// Stats fetches a read-only snapshot of a queue.
func (c *Client) Stats(ctx context.Context, queueName string) (*Stats, error) {
	url := fmt.Sprintf("%s/v1/queues/%s/stats", c.baseURL, queueName)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("stats failed: %s - %s", resp.Status, string(bodyBytes))
	}
	var st Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Redrive re-enqueues a dead-lettered message and returns the new message id.
func (c *Client) Redrive(ctx context.Context, deadLetterID int64) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	url := fmt.Sprintf("%s/v1/dead-letters/%d:redrive", c.baseURL, deadLetterID)
	if err := c.post(ctx, url, map[string]string{}, http.StatusCreated, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (c *Client) post(ctx context.Context, url string, reqBody interface{}, wantStatus int, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %s - %s", resp.Status, string(bodyBytes))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
