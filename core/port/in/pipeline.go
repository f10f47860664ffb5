package in

import (
	"context"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

// RunOptions parameterizes one pipeline invocation.
type RunOptions struct {
	Force bool // skip the Change Detector, always re-run Phase 2
}

// PipelineService is the single entry point the thin HTTP layer and the
// Job Supervisor's worker loop drive. Every method runs inside a Job;
// the individual phase methods exist so a Job can be scoped to one
// phase as well as the whole thing.
type PipelineService interface {
	// RunPipeline drives the full two-phase pipeline for an account
	// under one Job and returns that Job's id immediately; progress is
	// reported asynchronously through the Job Supervisor.
	RunPipeline(ctx context.Context, accountID uuid.UUID, opts RunOptions) (jobID string, err error)

	Extract(ctx context.Context, accountID uuid.UUID, lookbackDays int) error
	Ingest(ctx context.Context, accountID uuid.UUID, windowDays int) error
	Analyze(ctx context.Context, accountID uuid.UUID) error
	Organize(ctx context.Context, accountID uuid.UUID) (*domain.OrganizedSnapshot, error)
	BuildTree(ctx context.Context, accountID uuid.UUID, snapshotID string, opts RunOptions) (*domain.KnowledgeTree, error)
}

// JobService is the Job Supervisor's inbound port: the HTTP layer only
// reads through this and requests stop/resume; it never mutates state
// transitions directly.
type JobService interface {
	Get(ctx context.Context, jobID string) (*domain.JobStatus, error)
	Stop(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) (newJobID string, err error)
	// Watch streams status updates until the Job reaches a terminal
	// state or ctx is cancelled; used by the SSE handler.
	Watch(ctx context.Context, jobID string) (<-chan domain.JobStatus, error)
}
