package jobstore

import (
	"time"

	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

// Status job record status
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Record is the stored state of a job submitted through the API
type Record struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Output      *job.Result `json:"output,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// NewRecord creates an in-progress record
func NewRecord(id string) *Record {
	now := time.Now()
	return &Record{
		ID:        id,
		Status:    StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Finished reports whether the job has a final result
func (r *Record) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// MarkFinished stores the job result, FAILED when the result carries an error
func (r *Record) MarkFinished(result *job.Result) {
	r.Status = StatusCompleted
	if result.Failed() {
		r.Status = StatusFailed
	}
	r.Output = result
	now := time.Now()
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Metrics job record counts by status
type Metrics struct {
	TotalJobs      int `json:"total_jobs"`
	InProgressJobs int `json:"in_progress_jobs"`
	CompletedJobs  int `json:"completed_jobs"`
	FailedJobs     int `json:"failed_jobs"`
}
