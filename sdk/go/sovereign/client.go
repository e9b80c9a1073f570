package sovereign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A full pipeline run makes at least four model calls, so it is generous.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the O-Sovereign REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ExecuteRequest is the payload for synchronous and asynchronous runs. Nil
// settings fall back to the server defaults.
type ExecuteRequest struct {
	ID            string `json:"id,omitempty"`
	Input         string `json:"input"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
	RiskThreshold *int   `json:"risk_threshold,omitempty"`
}

// StageSummary describes one stage of the execution chain.
type StageSummary struct {
	Text      string  `json:"text,omitempty"`
	Cost      float64 `json:"cost"`
	LatencyMS float64 `json:"latency_ms"`
	RiskScore *int    `json:"risk_score,omitempty"`
}

// ExecutionChain holds the latest output of each role.
type ExecutionChain struct {
	Planner  StageSummary `json:"planner"`
	Verifier StageSummary `json:"verifier"`
	Auditor  StageSummary `json:"auditor"`
	Executor StageSummary `json:"executor"`
}

// Verdict is the structured audit result.
type Verdict struct {
	IsSafe        bool     `json:"is_safe"`
	RiskScore     int      `json:"risk_score"`
	LegalRisks    []string `json:"legal_risks"`
	PhysicalRisks []string `json:"physical_risks"`
	EthicalRisks  []string `json:"ethical_risks"`
	Mitigation    string   `json:"mitigation"`
}

// Statistics summarises a run.
type Statistics struct {
	TotalTimeMS float64 `json:"total_time_ms"`
	TotalCost   float64 `json:"total_cost"`
	Iterations  int     `json:"iterations"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RunID       string         `json:"run_id"`
	Success     bool           `json:"success"`
	Accepted    bool           `json:"accepted"`
	FinalOutput string         `json:"final_output"`
	ErrorCode   string         `json:"error_code,omitempty"`
	UserInput   string         `json:"user_input"`
	Chain       ExecutionChain `json:"execution_chain"`
	Verdict     *Verdict       `json:"audit_result,omitempty"`
	Statistics  Statistics     `json:"statistics"`
}

// Run is an asynchronous run tracked by the server's task queue.
type Run struct {
	ID        string  `json:"id"`
	Input     string  `json:"input"`
	Status    string  `json:"status"`
	Attempts  int     `json:"attempts"`
	LastError string  `json:"last_error,omitempty"`
	ErrorCode string  `json:"error_code,omitempty"`
	Result    *Result `json:"result,omitempty"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// Done reports whether the run reached a terminal status.
func (r Run) Done() bool {
	return r.Status == "succeeded" || r.Status == "failed"
}

// UsageCounters are the cumulative counters of one role backend.
type UsageCounters struct {
	TotalCalls      int64   `json:"total_calls"`
	SuccessfulCalls int64   `json:"successful_calls"`
	FailedCalls     int64   `json:"failed_calls"`
	TotalTokens     int64   `json:"total_tokens"`
	TotalCost       float64 `json:"total_cost"`
	TotalLatencyMS  float64 `json:"total_latency_ms"`
}

// Stats is the global usage report.
type Stats struct {
	Planner              UsageCounters `json:"planner"`
	Verifier             UsageCounters `json:"verifier"`
	Auditor              UsageCounters `json:"auditor"`
	Executor             UsageCounters `json:"executor"`
	TotalExecutions      int           `json:"total_executions"`
	SuccessfulExecutions int           `json:"successful_executions"`
}

// Health reports server and backend readiness.
type Health struct {
	Status      string            `json:"status"`
	RouterReady bool              `json:"router_ready"`
	Agents      map[string]string `json:"agents"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sovereign api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sovereign api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the O-Sovereign API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request. Servers with
// auth enabled reject requests without a token that carries the needed
// permission.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Health fetches the readiness report.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &health)
	return health, err
}

// Execute runs the pipeline synchronously.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	var result Result
	err := c.do(ctx, http.MethodPost, "/api/v1/execute", nil, req, &result)
	return result, err
}

// SubmitRun queues an asynchronous run.
func (c *Client) SubmitRun(ctx context.Context, req ExecuteRequest) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodPost, "/api/v1/runs", nil, req, &run)
	return run, err
}

// SubmitRunAndWait queues a run and asks the server to hold the response for
// up to wait. The returned run is still pending or running if the server gave up
// first; check Done.
func (c *Client) SubmitRunAndWait(ctx context.Context, req ExecuteRequest, wait time.Duration) (Run, error) {
	query := url.Values{}
	if wait > 0 {
		query.Set("wait", wait.String())
	}
	var run Run
	err := c.do(ctx, http.MethodPost, "/api/v1/runs", query, req, &run)
	return run, err
}

// GetRun fetches an asynchronous run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, nil, &run)
	return run, err
}

// ListRuns lists recent asynchronous runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, limit int, statuses ...string) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	for _, status := range statuses {
		if existing := query.Get("status"); existing != "" {
			query.Set("status", existing+","+status)
		} else {
			query.Set("status", status)
		}
	}
	var runs []Run
	err := c.do(ctx, http.MethodGet, "/api/v1/runs", query, nil, &runs)
	return runs, err
}

// RunFilter narrows ListRunsFiltered and RunStats. Zero fields are ignored.
type RunFilter struct {
	Statuses  []string
	Query     string
	Since     time.Time
	Until     time.Time
	HasResult *bool
}

func (f RunFilter) values() url.Values {
	query := url.Values{}
	if len(f.Statuses) > 0 {
		query.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Query != "" {
		query.Set("q", f.Query)
	}
	if !f.Since.IsZero() {
		query.Set("since", strconv.FormatInt(f.Since.Unix(), 10))
	}
	if !f.Until.IsZero() {
		query.Set("until", strconv.FormatInt(f.Until.Unix(), 10))
	}
	if f.HasResult != nil {
		query.Set("has_result", strconv.FormatBool(*f.HasResult))
	}
	return query
}

// ListRunsFiltered lists runs matching filter, newest first.
func (c *Client) ListRunsFiltered(ctx context.Context, limit int, filter RunFilter) ([]Run, error) {
	query := filter.values()
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var runs []Run
	err := c.do(ctx, http.MethodGet, "/api/v1/runs", query, nil, &runs)
	return runs, err
}

// RunCounts mirrors the per-status counters of GET /api/v1/runs/stats.
type RunCounts struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// QueueDepth reports runs waiting in, or held by, the queue.
type QueueDepth struct {
	Pending  int64 `json:"pending"`
	Inflight int64 `json:"inflight"`
}

// RunStats is the response of GET /api/v1/runs/stats. Queue is nil when the
// server's queue cannot report its depth.
type RunStats struct {
	Tasks RunCounts   `json:"tasks"`
	Queue *QueueDepth `json:"queue,omitempty"`
}

// RunStats summarises asynchronous runs matching filter.
func (c *Client) RunStats(ctx context.Context, filter RunFilter) (RunStats, error) {
	var stats RunStats
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/stats", filter.values(), nil, &stats)
	return stats, err
}

// WaitForRun polls GetRun until the run finishes or ctx ends.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return run, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats fetches the usage report.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats)
	return stats, err
}

// ResetStats clears usage counters and run history on the server.
func (c *Client) ResetStats(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/stats/reset", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
