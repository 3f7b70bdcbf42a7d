package interfaces

import (
	"context"

	"github.com/apvlv/runpodComfyUIworker/internal/job"
	"github.com/apvlv/runpodComfyUIworker/internal/jobstore"
)

// JobStore job record store interface
type JobStore interface {
	// Save stores the record, replacing any previous version
	Save(ctx context.Context, record *jobstore.Record) error

	// Get gets a record by job id, jobstore.ErrNotFound when absent
	Get(ctx context.Context, id string) (*jobstore.Record, error)

	// Metrics counts records by status
	Metrics(ctx context.Context) (*jobstore.Metrics, error)
}

// JobExecutor runs one job to its result
type JobExecutor interface {
	Execute(ctx context.Context, envelope *job.Envelope) *job.Result
}
