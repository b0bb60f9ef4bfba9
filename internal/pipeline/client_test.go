//go:build unit || !integration

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIngestionSynchronous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/ingestions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://a.com/1", body["url"])

		json.NewEncoder(w).Encode(map[string]string{"ingestionId": "ing-1"})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	result, err := client.CreateIngestion(context.Background(), "https://a.com/1", nil)

	require.NoError(t, err)
	assert.Equal(t, "ing-1", result.IngestionID)
	assert.Empty(t, result.JobID)
}

func TestCreateIngestionAsynchronous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "metadata")

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"jobId": "ij-1"})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	result, err := client.CreateIngestion(context.Background(), "https://a.com/1", map[string]any{"price": 9.95})

	require.NoError(t, err)
	assert.Equal(t, "ij-1", result.JobID)
	assert.Empty(t, result.IngestionID)
}

func TestCreateIngestionRejectsEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	_, err := client.CreateIngestion(context.Background(), "https://a.com/1", nil)

	assert.Error(t, err)
}

func TestGetIngestionJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ingestion-jobs/ij-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "succeeded", "ingestionId": "ing-1"})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	job, err := client.GetIngestionJob(context.Background(), "ij-1")

	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, "ing-1", job.IngestionID)
}

func TestStartPipeline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pipeline-runs", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ing-1", body["ingestionId"])
		assert.Equal(t, ModeFull, body["mode"])

		json.NewEncoder(w).Encode(map[string]string{"pipelineRunId": "run-1"})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	result, err := client.StartPipeline(context.Background(), "ing-1", ModeFull)

	require.NoError(t, err)
	assert.Equal(t, "run-1", result.PipelineRunID)
}

func TestAPIErrorCarriesRawPayload(t *testing.T) {
	rawBody := `{"message":"url rejected","code":"INVALID_URL","hint":"scheme missing"}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(rawBody))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	_, err := client.CreateIngestion(context.Background(), "not-a-url", nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "url rejected", apiErr.Message)
	assert.JSONEq(t, rawBody, string(apiErr.Payload))
}

func TestAPIErrorWithNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	_, err := client.GetPipelineRun(context.Background(), "run-1")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestGetPipelineRunFailedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "failed",
			"error":  map[string]string{"stage": "describe", "detail": "model timeout"},
		})
	}))
	defer server.Close()

	client := New(server.URL, "test-key", 100)
	run, err := client.GetPipelineRun(context.Background(), "run-1")

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}
