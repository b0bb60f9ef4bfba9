// Package pipeline provides a client for the external ingestion/description
// service that scrapes product pages and generates SEO content. The service
// exposes four calls: create an ingestion (sometimes answered asynchronously
// with a job to poll), poll that job, start a pipeline run against an
// ingestion, and poll the run.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 30 * time.Second

// Processing modes. Quick runs the two-stage pipeline, full runs all six
// stages; the stage list itself is the service's contract, not ours.
const (
	ModeQuick = "quick"
	ModeFull  = "full"
)

// Terminal statuses reported by the service.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client provides methods to interact with the ingestion pipeline API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a pipeline client. Requests (polling included) are paced at
// maxRPS so a burst of concurrent item handlers cannot hammer the service.
func New(baseURL, apiKey string, maxRPS float64) *Client {
	if maxRPS <= 0 {
		maxRPS = 25
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(maxRPS), int(maxRPS)),
	}
}

// CreateIngestionResult is the response to a create call. Exactly one of
// IngestionID (synchronous completion) or JobID (poll for it) is set.
type CreateIngestionResult struct {
	IngestionID string `json:"ingestionId,omitempty"`
	JobID       string `json:"jobId,omitempty"`
}

// CreateIngestion submits a URL (plus metadata) for ingestion.
func (c *Client) CreateIngestion(ctx context.Context, url string, metadata map[string]any) (*CreateIngestionResult, error) {
	body := map[string]any{"url": url}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}

	var result CreateIngestionResult
	if err := c.post(ctx, "/v1/ingestions", body, &result); err != nil {
		return nil, err
	}
	if result.IngestionID == "" && result.JobID == "" {
		return nil, fmt.Errorf("pipeline: create ingestion returned neither ingestion nor job id")
	}
	return &result, nil
}

// IngestionJob is the state of an asynchronous create-ingestion job.
type IngestionJob struct {
	Status      string          `json:"status"`
	IngestionID string          `json:"ingestionId,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// GetIngestionJob polls an asynchronous ingestion job.
func (c *Client) GetIngestionJob(ctx context.Context, jobID string) (*IngestionJob, error) {
	var job IngestionJob
	if err := c.get(ctx, "/v1/ingestion-jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StartPipelineResult carries the identifier of a started pipeline run.
type StartPipelineResult struct {
	PipelineRunID string `json:"pipelineRunId"`
}

// StartPipeline requests pipeline execution for an ingestion in the given
// mode and returns the run identifier.
func (c *Client) StartPipeline(ctx context.Context, ingestionID, mode string) (*StartPipelineResult, error) {
	body := map[string]any{
		"ingestionId": ingestionID,
		"mode":        mode,
	}

	var result StartPipelineResult
	if err := c.post(ctx, "/v1/pipeline-runs", body, &result); err != nil {
		return nil, err
	}
	if result.PipelineRunID == "" {
		return nil, fmt.Errorf("pipeline: start pipeline returned no run id")
	}
	return &result, nil
}

// PipelineRun is the state of a pipeline run.
type PipelineRun struct {
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// GetPipelineRun polls a pipeline run's status.
func (c *Client) GetPipelineRun(ctx context.Context, runID string) (*PipelineRun, error) {
	var run PipelineRun
	if err := c.get(ctx, "/v1/pipeline-runs/"+runID, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// APIError represents an error response from the pipeline API. Payload holds
// the raw response body so operators see what the service actually said.
type APIError struct {
	StatusCode int
	Message    string
	Payload    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pipeline: API error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("pipeline: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("pipeline: failed to create request: %w", err)
	}

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("pipeline: failed to create request: %w", err)
	}

	return c.do(req, out)
}

// do paces, executes and decodes one request.
func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("pipeline: rate limiter wait: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pipeline: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiResp struct {
			Message string `json:"message"`
		}
		message := string(body)
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Message != "" {
			message = apiResp.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message, Payload: body}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("pipeline: failed to decode response: %w", err)
		}
	}
	return nil
}
