// Package syncclient pushes the local operation queue to the sync server.
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Operation is the wire form of one queued action.
type Operation struct {
	OperationID   string          `json:"operation_id"`
	TaskID        int64           `json:"task_id"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Result is the server's per-operation verdict.
type Result struct {
	OperationID  string          `json:"operation_id"`
	TaskID       int64           `json:"task_id"`
	Status       string          `json:"status"`
	Applied      bool            `json:"applied"`
	HTTPStatus   int             `json:"http_status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Retryable    bool            `json:"retryable"`
	Task         json.RawMessage `json:"task,omitempty"`
}

// StatusCounts is the server's ledger summary for the caller.
type StatusCounts struct {
	Applied         int64      `json:"applied"`
	Duplicate       int64      `json:"duplicate"`
	Rejected        int64      `json:"rejected"`
	RetryableError  int64      `json:"retryable_error"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

type batchRequest struct {
	Operations []Operation `json:"operations"`
}

type batchResponse struct {
	Results []Result `json:"results"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the sync API.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for baseURL authenticated with token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

// PushBatch submits operations and returns one result per operation. A
// non-nil error means the batch never got a verdict and may be resent whole.
func (c *Client) PushBatch(ctx context.Context, ops []Operation) ([]Result, error) {
	var out batchResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(batchRequest{Operations: ops}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/sync/batch")
	if err != nil {
		return nil, fmt.Errorf("failed to push batch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sync batch rejected with HTTP %d: %s %s", resp.StatusCode(), apiErr.Code, apiErr.Message)
	}
	if len(out.Results) != len(ops) {
		return nil, fmt.Errorf("sync batch returned %d results for %d operations", len(out.Results), len(ops))
	}
	return out.Results, nil
}

// Status fetches the caller's ledger counts.
func (c *Client) Status(ctx context.Context) (*StatusCounts, error) {
	var out StatusCounts
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/sync/status")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sync status: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("sync status returned HTTP %d", resp.StatusCode())
	}
	return &out, nil
}
