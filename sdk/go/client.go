// Package pvlabsdk is a minimal HTTP client for the lab API, aimed at
// instrument bridges that stream sensor samples into a run.
package pvlabsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one lab API endpoint.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Run represents the API run model (partial).
type Run struct {
	ID              string `json:"id"`
	ProtocolID      string `json:"protocol_id"`
	ProtocolVersion string `json:"protocol_version"`
	SampleID        string `json:"sample_id"`
	Status          string `json:"status"`
	StepIndex       int    `json:"step_index"`
}

// Measurement is one accepted value.
type Measurement struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"seq"`
	FieldID string `json:"field_id"`
	Value   any    `json:"value"`
	Status  string `json:"status"`
	TS      string `json:"ts"`
}

// QCEvent is one rule evaluation outcome.
type QCEvent struct {
	ID       string  `json:"id"`
	RuleID   string  `json:"rule_id"`
	Observed float64 `json:"observed"`
	Action   string  `json:"action"`
	Message  string  `json:"message,omitempty"`
}

// SubmitResult is the ingestion response: the stored measurement, any QC
// events it triggered, and the run status after QC (aborted when a critical
// rule fired).
type SubmitResult struct {
	Measurement Measurement `json:"measurement"`
	QCEvents    []QCEvent   `json:"qc_events"`
	RunStatus   string      `json:"run_status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun binds a sample to a protocol.
func (c *Client) CreateRun(ctx context.Context, protocolID, version, sampleID string) (Run, error) {
	body := map[string]any{
		"protocol_id": protocolID,
		"sample_id":   sampleID,
	}
	if version != "" {
		body["protocol_version"] = version
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

// StartRun begins execution.
func (c *Client) StartRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "start"), nil, &resp)
	return resp, err
}

// Submit streams one value into a run.
func (c *Client) Submit(ctx context.Context, runID, fieldID string, value any) (SubmitResult, error) {
	return c.SubmitAt(ctx, runID, fieldID, value, "", nil)
}

// SubmitAt streams a timestamped value, optionally tagged with a cycle
// ordinal for periodic QC.
func (c *Client) SubmitAt(ctx context.Context, runID, fieldID string, value any, ts string, cycle *int) (SubmitResult, error) {
	body := map[string]any{
		"field_id": fieldID,
		"value":    value,
	}
	if ts != "" {
		body["ts"] = ts
	}
	if cycle != nil {
		body["cycle"] = *cycle
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "measurements"), body, &resp)
	return resp, err
}

// Advance moves the run to its next step ordinal.
func (c *Client) Advance(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "advance"), nil, &resp)
	return resp, err
}

// Complete seals the run and returns the computed verdict.
func (c *Client) Complete(ctx context.Context, runID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, c.runPath(runID, "complete"), nil, &resp)
	return resp, err
}

// Snapshot fetches the run's full observable state.
func (c *Client) Snapshot(ctx context.Context, runID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.runPath(runID, ""), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) runPath(runID, p string) string {
	base := fmt.Sprintf("runs/%s", url.PathEscape(runID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
