package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Listify-HQ/bulk-ingest/internal/pipeline"
)

// MockPipeline is a mock implementation of the jobs.PipelineClient interface
type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) CreateIngestion(ctx context.Context, url string, metadata map[string]any) (*pipeline.CreateIngestionResult, error) {
	args := m.Called(ctx, url, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.CreateIngestionResult), args.Error(1)
}

func (m *MockPipeline) GetIngestionJob(ctx context.Context, jobID string) (*pipeline.IngestionJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.IngestionJob), args.Error(1)
}

func (m *MockPipeline) StartPipeline(ctx context.Context, ingestionID, mode string) (*pipeline.StartPipelineResult, error) {
	args := m.Called(ctx, ingestionID, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.StartPipelineResult), args.Error(1)
}

func (m *MockPipeline) GetPipelineRun(ctx context.Context, runID string) (*pipeline.PipelineRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.PipelineRun), args.Error(1)
}
