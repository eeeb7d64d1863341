// Package brokerclient is the worker-side HTTP client for the broker API.
package brokerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Header names shared with the broker.
const (
	headerWorkerToken = "X-Worker-Token"
	headerWorkerID    = "X-Worker-Id"
	headerWorkerCaps  = "X-Worker-Caps"
)

// Job is the wire shape of a claimed job as returned by /jobs/next.
type Job struct {
	ID         string  `json:"id"`
	CreatedAt  int64   `json:"created_at"`
	StartedAt  *int64  `json:"started_at"`
	FinishedAt *int64  `json:"finished_at"`
	LeaseUntil *int64  `json:"lease_until"`
	Status     string  `json:"status"`
	Command    string  `json:"command"`
	Payload    string  `json:"payload"`
	Result     *string `json:"result"`
	Error      *string `json:"error"`
	WorkerID   *string `json:"worker_id"`
	Requires   *string `json:"requires"`
}

// Client talks to the broker's worker-facing endpoints.
type Client struct {
	baseURL  string
	token    string
	workerID string
	caps     []string
	http     *http.Client
}

// New constructs a broker client. caps is the capability set advertised on
// every claim.
func New(baseURL, token, workerID string, caps []string) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Broker %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		workerID: workerID,
		caps:     caps,
		http:     &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

type nextResponse struct {
	Job *Job `json:"job"`
}

// Next claims the next runnable job, or returns nil when the queue has
// nothing for this worker.
func (c *Client) Next(ctx context.Context) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/next", nil)
	if err != nil {
		return nil, fmt.Errorf("op=brokerclient.Next: %w", err)
	}
	c.setHeaders(req)
	if len(c.caps) > 0 {
		b, _ := json.Marshal(c.caps)
		req.Header.Set(headerWorkerCaps, string(b))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=brokerclient.Next: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=brokerclient.Next: broker status %d: %s", resp.StatusCode, readSnippet(resp.Body))
	}
	var nr nextResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("op=brokerclient.Next: decode: %w", err)
	}
	return nr.Job, nil
}

// PostResult reports a terminal success for the job, retrying transient
// failures.
func (c *Client) PostResult(ctx context.Context, jobID, result string) error {
	return c.postTerminal(ctx, "/jobs/"+jobID+"/result", map[string]string{"result": result})
}

// PostFail reports a terminal failure for the job, retrying transient
// failures.
func (c *Client) PostFail(ctx context.Context, jobID, errMsg string) error {
	return c.postTerminal(ctx, "/jobs/"+jobID+"/fail", map[string]string{"error": errMsg})
}

// postTerminal retries transport errors and 5xx responses with a short
// bounded backoff: three attempts total, waiting 0.5s then 1s between them.
// 4xx responses are permanent: retrying cannot change the broker's answer.
func (c *Client) postTerminal(ctx context.Context, path string, body map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=brokerclient.postTerminal: marshal: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("broker status %d: %s", resp.StatusCode, readSnippet(resp.Body)))
		default:
			return fmt.Errorf("broker status %d: %s", resp.StatusCode, readSnippet(resp.Body))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err = backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		return fmt.Errorf("op=brokerclient.postTerminal path=%s: %w", path, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(headerWorkerToken, c.token)
	if c.workerID != "" {
		req.Header.Set(headerWorkerID, c.workerID)
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
