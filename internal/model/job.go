package model

import "time"

// JobStatus is the generation job state machine.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// ValidJobStatus reports whether s is a known job status.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Job is one generation run for a single business type and stage. Step and
// StepDescription are updated at each phase for observability; NeedsReview
// is set when recovery degraded to fallback records.
type Job struct {
	ID              string     `json:"id"`
	BusinessType    string     `json:"business_type"`
	Stage           Stage      `json:"stage"`
	Status          JobStatus  `json:"status"`
	Step            int        `json:"step"`
	StepDescription string     `json:"step_description"`
	Generated       int        `json:"generated"`
	NeedsReview     bool       `json:"needs_review"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Duration returns the elapsed wall time of the job, up to now for jobs
// still running.
func (j *Job) Duration(now time.Time) time.Duration {
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// JobResult is the caller-facing summary of a generation job.
type JobResult struct {
	ID              string    `json:"id"`
	BusinessType    string    `json:"business_type"`
	Status          JobStatus `json:"status"`
	CountsGenerated int       `json:"counts_generated"`
	NeedsReview     bool      `json:"needs_review"`
	Error           string    `json:"error,omitempty"`
}

// BatchJobResult aggregates a sequential multi-business-type generation run.
type BatchJobResult struct {
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Canceled  bool        `json:"canceled"`
	Results   []JobResult `json:"results"`
}
