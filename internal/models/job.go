package models

import "time"

// JobStatus represents the execution status of a job
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// IsFinished returns true once the job can no longer produce trace output
func (s JobStatus) IsFinished() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is a unit of work that owns exactly one trace.
//
// Pending marks a finished job whose trace still waits for archival. It is set when
// the job finishes and cleared in the same transaction that archives or cleans up
// the trace, so any reader sees either a pending live trace or a terminal one.
type Job struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id" badgerhold:"index"`
	PipelineID string     `json:"pipeline_id,omitempty"`
	Name       string     `json:"name"`
	Status     JobStatus  `json:"status" badgerhold:"index"`
	Pending    bool       `json:"pending" badgerhold:"index"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
