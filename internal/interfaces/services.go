package interfaces

import (
	"context"

	"github.com/ternarybob/tracearchive/internal/models"
)

// JobService is the job collaborator of the archival orchestrator
type JobService interface {
	// RemovePendingState clears the job's pending-archival marker. Idempotent.
	RemovePendingState(ctx context.Context, jobID string) error
}

// ArchiveNotifier dispatches the downstream archive_trace notification. Fire-and-forget.
type ArchiveNotifier interface {
	NotifyArchived(ctx context.Context, job *models.Job)
}

// FeatureFlags answers whether a feature is enabled for a project
type FeatureFlags interface {
	Enabled(ctx context.Context, flag string, projectID string) bool
}

// ArchiveOutcome is the result of one archival invocation. It is informational;
// no outcome is an error for the caller.
type ArchiveOutcome string

const (
	OutcomeArchived        ArchiveOutcome = "archived"
	OutcomeAlreadyArchived ArchiveOutcome = "already_archived"
	OutcomeCleanedUp       ArchiveOutcome = "cleaned_up"
	OutcomeDeferred        ArchiveOutcome = "deferred"
	OutcomeSkipped         ArchiveOutcome = "skipped"
	OutcomeFailed          ArchiveOutcome = "failed"
)

// ArchiveExecutor runs one archival attempt for a job
type ArchiveExecutor interface {
	Execute(ctx context.Context, job *models.Job, workerName string) ArchiveOutcome
}
