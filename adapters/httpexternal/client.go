// Package httpexternal is the HTTP-backed ports.ExternalServiceClient. It
// wraps each call with cenkalti/backoff/v4's exponential backoff, treating
// 5xx/429/network errors as retryable and everything else as permanent,
// the same retryable/permanent split the retry package in the goa-ai
// examples draws between transient and terminal failures.
package httpexternal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flowcore/workflow/errtax"
	"github.com/flowcore/workflow/workflow"
)

// Client is the HTTP ports.ExternalServiceClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxElapsed time.Duration
}

// Option is a Client option.
type Option func(*Client)

// BaseURL sets the external service's base URL, e.g. "https://jobs.example.com".
func BaseURL(url string) Option { return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") } }

// HTTPClient overrides the underlying *http.Client.
func HTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// MaxElapsed caps the total time spent retrying a single call.
func MaxElapsed(d time.Duration) Option { return func(c *Client) { c.maxElapsed = d } }

// New returns an HTTP-backed ports.ExternalServiceClient.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createJobRequest struct {
	RequestID string `json:"requestId"`
	Attempt   int    `json:"attempt"`
}

type jobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// statusError is a non-2xx HTTP response. 5xx and 429 are retryable; all
// other statuses (4xx validation errors, for instance) are not.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("external service: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *statusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CreateJob implements ports.ExternalServiceClient. Submission is idempotent
// on (requestId, attempt) on the external side, so a retried CreateJob call
// after a timeout is safe to repeat.
func (c *Client) CreateJob(ctx context.Context, requestID workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
	body, err := json.Marshal(createJobRequest{RequestID: requestID.String(), Attempt: attempt})
	if err != nil {
		return "", "", fmt.Errorf("httpexternal: encode request: %w", err)
	}

	var resp jobResponse
	err = c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		return c.doJSON(req, &resp)
	})
	if err != nil {
		return "", "", classify(err)
	}
	return resp.JobID, workflow.TerminalStatus(resp.Status), nil
}

// GetStatus implements ports.ExternalServiceClient.
func (c *Client) GetStatus(ctx context.Context, jobID string) (workflow.TerminalStatus, error) {
	var resp jobResponse
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		return c.doJSON(req, &resp)
	})
	if err != nil {
		return "", classify(err)
	}
	return workflow.TerminalStatus(resp.Status), nil
}

// classify applies the spec §7 error taxonomy to a failed call: retryable
// statuses and network/timeout errors that survived backoff exhaustion are
// Transient (the trigger runtime may redeliver and succeed later); a
// non-retryable status is Validation (the request itself was rejected and
// retrying it verbatim would fail again).
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) {
		if se.retryable() {
			return errtax.Wrap(errtax.Transient, err)
		}
		return errtax.Wrap(errtax.Validation, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errtax.Wrap(errtax.Transient, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return errtax.Wrap(errtax.Transient, err)
	}
	return err
}

func (c *Client) doJSON(req *http.Request, out *jobResponse) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err // network errors are retryable by default
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		se := &statusError{StatusCode: res.StatusCode, Body: string(raw)}
		if !se.retryable() {
			return backoff.Permanent(se)
		}
		return se
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = c.maxElapsed

	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
