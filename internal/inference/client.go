// Package inference is the HTTP client for the external model service that
// executes the AI job types. The service is a collaborator, not part of this
// core; all we own is the call, its retries, and the outcome mapping.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"academy-job-core/internal/models"
)

const maxResponseBytes = 4 << 20

// Request is the inference invocation envelope.
type Request struct {
	JobID    string          `json:"job_id"`
	JobType  models.JobType  `json:"job_type"`
	TenantID string          `json:"tenant_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Response is the model service's verdict. A non-empty ErrorCode means the
// input could not be processed; Confidence drives tier policy.
type Response struct {
	Output       json.RawMessage `json:"output,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// TransportError marks network-level and 5xx failures, which are always
// retryable at the job level.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("inference transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Client calls the inference service with bounded in-call retries; job-level
// retry with backoff remains the queue's responsibility.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	logger     *zap.Logger
}

// New builds a client. timeout bounds each individual HTTP attempt.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		retries:    2,
		logger:     logger,
	}
}

// Infer posts the request and decodes the verdict. Connection errors and 5xx
// responses are retried a couple of times in-call, then surfaced as a
// *TransportError; 4xx responses are not retried.
func (c *Client) Infer(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal inference request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Response{}, &TransportError{Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		resp, err := c.do(ctx, body)
		if err == nil {
			return resp, nil
		}
		var te *TransportError
		if !errors.As(err, &te) {
			return Response{}, err
		}
		lastErr = err
		c.logger.Warn("inference call failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Response{}, lastErr
}

func (c *Client) do(ctx context.Context, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	if httpResp.StatusCode >= http.StatusInternalServerError {
		return Response{}, &TransportError{Err: fmt.Errorf("status %d", httpResp.StatusCode)}
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return Response{}, fmt.Errorf("inference rejected request: status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode inference response: %w", err)
	}
	return resp, nil
}
