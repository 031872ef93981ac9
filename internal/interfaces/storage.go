package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/tracearchive/internal/models"
)

var (
	// ErrJobNotFound is returned when a job does not exist
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactNotFound is returned when a job has no archived trace
	ErrArtifactNotFound = errors.New("trace artifact not found")

	// ErrArtifactExists is returned by CommitArchive when the job already has an archived trace
	ErrArtifactExists = errors.New("trace artifact already exists")

	// ErrTraceClosed is returned when appending to a trace that was archived or cleaned up
	ErrTraceClosed = errors.New("trace is no longer live")

	// ErrNoLiveTrace is returned by CommitArchive when there is nothing to archive
	ErrNoLiveTrace = errors.New("job has no live trace")
)

// JobListOptions filters ListJobs
type JobListOptions struct {
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

// JobStorage persists jobs
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)

	// ListPendingArchival returns finished jobs still carrying the pending marker, oldest first
	ListPendingArchival(ctx context.Context, limit int) ([]*models.Job, error)

	// SetPending updates the pending marker only
	SetPending(ctx context.Context, jobID string, pending bool) error
}

// TraceStorage is the Log Store: live trace chunks, archival state and archived artifacts.
// CommitArchive and Cleanup are single transactions.
type TraceStorage interface {
	AppendChunk(ctx context.Context, jobID string, data []byte) (*models.TraceChunk, error)
	GetChunks(ctx context.Context, jobID string) ([]models.TraceChunk, error)
	CountChunks(ctx context.Context, jobID string) (int, error)

	// GetState returns the stored state, or a fresh live state when none exists yet
	GetState(ctx context.Context, jobID string) (*models.ArchivalState, error)

	// IncrementAttempts adds one failed attempt (never beyond maxAttempts) and records at
	IncrementAttempts(ctx context.Context, jobID string, maxAttempts int, at time.Time) (*models.ArchivalState, error)

	// CommitArchive stores the concatenated live chunks as the artifact, deletes the chunks,
	// marks the state archived and clears the job's pending marker.
	// Returns ErrArtifactExists if the job was already archived.
	CommitArchive(ctx context.Context, jobID string, at time.Time) (*models.TraceArtifact, error)

	// Cleanup discards the live chunks without archiving, marks the state cleaned_up
	// and clears the job's pending marker.
	Cleanup(ctx context.Context, jobID string, at time.Time) error

	GetArtifact(ctx context.Context, jobID string) (*models.TraceArtifact, error)
}

// StorageManager bundles the storages backed by one database
type StorageManager interface {
	JobStorage() JobStorage
	TraceStorage() TraceStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
