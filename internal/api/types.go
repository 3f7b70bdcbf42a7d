package api

import (
	"encoding/json"
	"time"

	"github.com/apvlv/runpodComfyUIworker/internal/job"
	"github.com/apvlv/runpodComfyUIworker/internal/jobstore"
)

// RunRequest job submission request. Input is passed to the validator untouched.
type RunRequest struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// JobResponse job status response
type JobResponse struct {
	ID          string          `json:"id"`
	Status      jobstore.Status `json:"status"`
	Output      *job.Result     `json:"output,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ErrorResponse error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func newJobResponse(record *jobstore.Record) JobResponse {
	return JobResponse{
		ID:          record.ID,
		Status:      record.Status,
		Output:      record.Output,
		CreatedAt:   record.CreatedAt,
		CompletedAt: record.CompletedAt,
	}
}
