package interfaces

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/tracearchive/internal/models"
)

// ArchiveErrorKind classifies failures of Trace.Archive
type ArchiveErrorKind string

const (
	// ArchiveErrorAlreadyArchived means another invocation already archived the trace.
	// Callers treat it as success.
	ArchiveErrorAlreadyArchived ArchiveErrorKind = "already_archived"

	// ArchiveErrorNoLiveTrace means there were no chunks left to archive
	ArchiveErrorNoLiveTrace ArchiveErrorKind = "no_live_trace"

	// ArchiveErrorStorage covers every other Log Store failure; all are retryable
	ArchiveErrorStorage ArchiveErrorKind = "storage"
)

// ArchiveError is returned by Trace.Archive
type ArchiveError struct {
	Kind  ArchiveErrorKind
	JobID string
	Err   error
}

func (e *ArchiveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("archive trace for job %s: %s", e.JobID, e.Kind)
	}
	return fmt.Sprintf("archive trace for job %s: %s: %v", e.JobID, e.Kind, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// IsAlreadyArchived reports whether err is an ArchiveError of kind already_archived
func IsAlreadyArchived(err error) bool {
	var archiveErr *ArchiveError
	return errors.As(err, &archiveErr) && archiveErr.Kind == ArchiveErrorAlreadyArchived
}

// Trace is the capability set the archival orchestrator needs from a job's trace.
// Every call reads state fresh from the Log Store.
type Trace interface {
	// ArchivalAttemptsAvailable is false once the attempt count reached the limit
	ArchivalAttemptsAvailable(ctx context.Context) (bool, error)

	// CanAttemptArchivalNow is false while the cooldown since the last attempt has not elapsed
	CanAttemptArchivalNow(ctx context.Context) (bool, error)

	HasLiveTrace(ctx context.Context) (bool, error)

	// Archive moves the live trace to an immutable artifact. Failures are *ArchiveError.
	Archive(ctx context.Context) error

	// AttemptArchiveCleanup discards the live trace after attempts are exhausted
	AttemptArchiveCleanup(ctx context.Context) error

	// IncrementArchivalAttempts records one failed attempt at the current time
	IncrementArchivalAttempts(ctx context.Context) error

	HasArchivedTrace(ctx context.Context) (bool, error)
}

// TraceProvider returns the Trace for a job
type TraceProvider interface {
	TraceFor(job *models.Job) Trace
}
