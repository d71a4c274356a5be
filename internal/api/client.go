package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MimeLyc/strproc/internal/backoff"
	"github.com/MimeLyc/strproc/internal/credential"
	apperrors "github.com/MimeLyc/strproc/internal/errors"
	"github.com/MimeLyc/strproc/pkg/log"
)

const (
	ProcessStringPath = "/api/processor/process-string"
	CancelJobPath     = "/api/processor/cancel-job"

	IdempotencyHeader = "Idempotency-Key"
)

// Envelope is the response body of every processor endpoint.
type Envelope struct {
	IsSuccess bool   `json:"isSuccess"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SubmitRequest struct {
	Input string `json:"input"`
}

type CancelRequest struct {
	JobID string `json:"jobId"`
}

// Client talks to the processor endpoints of the backend. It implements
// jobs.Submitter and jobs.Canceller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      credential.Provider
	retries    int
	retryDelay time.Duration
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithRetries sets how many extra submission attempts follow a transport
// error or 5xx response.
func WithRetries(n int) Option {
	return func(cl *Client) {
		if n >= 0 {
			cl.retries = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) {
		cl.retryDelay = d
	}
}

func NewClient(baseURL string, creds credential.Provider, opts ...Option) *Client {
	if creds == nil {
		creds = credential.Static("")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
		retries:    3,
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitJob creates a job for input. Retries reuse idempotencyKey so the
// backend resolves them to the same job.
func (c *Client) SubmitJob(ctx context.Context, input, idempotencyKey string) (string, error) {
	headers := map[string]string{IdempotencyHeader: idempotencyKey}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			log.Warn("Retrying submission (attempt %d/%d): %v", attempt+1, c.retries+1, lastErr)
			if err := backoff.Sleep(ctx, time.Duration(attempt)*c.retryDelay); err != nil {
				return "", apperrors.Wrap(err, apperrors.ErrSubmission, "submission aborted")
			}
		}

		env, status, err := c.makeRequest(ctx, ProcessStringPath, SubmitRequest{Input: input}, headers)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if status >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("server error %d: %s", status, env.Error)
			continue
		}
		if !env.IsSuccess || env.Value == "" {
			msg := env.Error
			if msg == "" {
				msg = fmt.Sprintf("request rejected with status %d", status)
			}
			return "", apperrors.New(apperrors.ErrSubmission, msg).WithContext("status", status)
		}
		return env.Value, nil
	}
	return "", apperrors.Wrap(lastErr, apperrors.ErrSubmission, "job submission failed").
		WithContext("attempts", c.retries+1)
}

// CancelJob asks the backend to stop jobID. It is not retried.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	env, status, err := c.makeRequest(ctx, CancelJobPath, CancelRequest{JobID: jobID}, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCancellation, "cancel request failed").WithContext("job_id", jobID)
	}
	if !env.IsSuccess {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("cancel rejected with status %d", status)
		}
		return apperrors.New(apperrors.ErrCancellation, msg).
			WithContext("job_id", jobID).
			WithContext("status", status)
	}
	return nil
}

// makeRequest posts payload and decodes the envelope. Non-JSON bodies are
// folded into Envelope.Error.
func (c *Client) makeRequest(ctx context.Context, path string, payload any, headers map[string]string) (Envelope, int, error) {
	var env Envelope

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return env, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return env, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := credential.Authorize(ctx, c.creds, req); err != nil {
		return env, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return env, 0, fmt.Errorf("request timed out: %w", err)
		}
		return env, 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, &env); err != nil {
		env = Envelope{Error: strings.TrimSpace(string(body))}
	}
	if env.IsSuccess && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		env.IsSuccess = false
	}
	return env, resp.StatusCode, nil
}
