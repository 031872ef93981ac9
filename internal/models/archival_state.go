package models

import "time"

// ArchivalPhase is the position of a job's trace in the archival state machine.
//
//	live -> archiving -> archived
//	live -> cleaned_up (attempts exhausted)
//
// archiving only exists inside the archive transaction and is never committed.
type ArchivalPhase string

const (
	ArchivalPhaseLive      ArchivalPhase = "live"
	ArchivalPhaseArchiving ArchivalPhase = "archiving"
	ArchivalPhaseArchived  ArchivalPhase = "archived"
	ArchivalPhaseCleanedUp ArchivalPhase = "cleaned_up"
)

// IsTerminal returns true for archived and cleaned_up
func (p ArchivalPhase) IsTerminal() bool {
	return p == ArchivalPhaseArchived || p == ArchivalPhaseCleanedUp
}

// ArchivalState is the mutable bookkeeping record attached to a job's trace, keyed by job ID.
// The attempt limit and cooldown are policy (configuration) and are not stored here.
type ArchivalState struct {
	JobID         string        `json:"job_id"`
	Phase         ArchivalPhase `json:"phase" badgerhold:"index"`
	AttemptCount  int           `json:"attempt_count"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`

	// Live trace bookkeeping
	ChunkCount int   `json:"chunk_count"`
	LiveSize   int64 `json:"live_size"`

	ArtifactID  string     `json:"artifact_id,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CleanedUpAt *time.Time `json:"cleaned_up_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewArchivalState returns the initial live state for a job
func NewArchivalState(jobID string, now time.Time) *ArchivalState {
	return &ArchivalState{
		JobID:     jobID,
		Phase:     ArchivalPhaseLive,
		UpdatedAt: now,
	}
}
