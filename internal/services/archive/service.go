// Package archive runs the archival of a finished job's live trace.
//
// Execute is the single entry point. It checks the attempt budget and the
// cooldown, archives the live trace, clears the job's pending marker and
// optionally notifies downstream integrations. Failures never reach the caller:
// they are counted, logged, tracked and charged against the attempt budget.
package archive

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
)

// FeatureLogsCollection gates the archive_trace notification per project
const FeatureLogsCollection = "integration_logs_collection"

// Worker names passed as the log class
const (
	WorkerCron     = "ArchiveTracesCronWorker"
	WorkerOnFinish = "ArchiveTraceWorker"
	WorkerAPI      = "ArchiveTraceAPI"
)

// Counters groups the archival metrics. Failed is required, the rest are optional.
type Counters struct {
	Failed          interfaces.Counter
	Archived        interfaces.Counter
	CleanedUp       interfaces.Counter
	AlreadyArchived interfaces.Counter
}

// Service implements interfaces.ArchiveExecutor
type Service struct {
	traces   interfaces.TraceProvider
	jobs     interfaces.JobService
	notifier interfaces.ArchiveNotifier
	features interfaces.FeatureFlags
	counters Counters
	tracker  interfaces.ErrorTracker
	logger   arbor.ILogger
}

// NewService creates the archival orchestrator
func NewService(
	traces interfaces.TraceProvider,
	jobs interfaces.JobService,
	notifier interfaces.ArchiveNotifier,
	features interfaces.FeatureFlags,
	counters Counters,
	tracker interfaces.ErrorTracker,
	logger arbor.ILogger,
) *Service {
	return &Service{
		traces:   traces,
		jobs:     jobs,
		notifier: notifier,
		features: features,
		counters: counters,
		tracker:  tracker,
		logger:   logger,
	}
}

// Execute performs one archival attempt for job. The returned outcome is
// informational only.
func (s *Service) Execute(ctx context.Context, job *models.Job, workerName string) (outcome interfaces.ArchiveOutcome) {
	log := newWorkerLogger(s.logger, workerName, job.ID)
	trace := s.traces.TraceFor(job)

	defer func() {
		if r := recover(); r != nil {
			outcome = s.handleFailure(ctx, log, trace, job, workerName, fmt.Errorf("panic during archival: %v", r))
		}
	}()

	available, err := trace.ArchivalAttemptsAvailable(ctx)
	if err != nil {
		return s.handleFailure(ctx, log, trace, job, workerName, err)
	}
	if !available {
		if err := trace.AttemptArchiveCleanup(ctx); err != nil {
			return s.handleFailure(ctx, log, trace, job, workerName, err)
		}
		log.Warn().Msg("The job is out of archival attempts.")
		inc(s.counters.CleanedUp)
		return interfaces.OutcomeCleanedUp
	}

	canAttempt, err := trace.CanAttemptArchivalNow(ctx)
	if err != nil {
		return s.handleFailure(ctx, log, trace, job, workerName, err)
	}
	if !canAttempt {
		log.Warn().Msg("The job can not be archived right now.")
		return interfaces.OutcomeDeferred
	}

	live, err := trace.HasLiveTrace(ctx)
	if err != nil {
		return s.handleFailure(ctx, log, trace, job, workerName, err)
	}
	if !live {
		log.Warn().Msg("The job does not have live trace but going to be archived.")
		return interfaces.OutcomeSkipped
	}

	if err := trace.Archive(ctx); err != nil {
		if interfaces.IsAlreadyArchived(err) {
			log.Debug().Err(err).Msg("Trace already archived by another worker")
			inc(s.counters.AlreadyArchived)
			return interfaces.OutcomeAlreadyArchived
		}
		return s.handleFailure(ctx, log, trace, job, workerName, err)
	}

	if err := s.jobs.RemovePendingState(ctx, job.ID); err != nil {
		return s.handleFailure(ctx, log, trace, job, workerName, err)
	}

	archived, err := trace.HasArchivedTrace(ctx)
	if err != nil {
		// The archive is committed; a failed read here only loses the diagnostic.
		log.Warn().Err(err).Msg("Failed to check archived trace")
	} else if !archived {
		log.Warn().Msg("The job does not have archived trace after archiving.")
	}

	if archived && s.notifier != nil && s.features != nil && s.features.Enabled(ctx, FeatureLogsCollection, job.ProjectID) {
		s.notifier.NotifyArchived(ctx, job)
	}

	inc(s.counters.Archived)
	log.Debug().Msg("Trace archived")
	return interfaces.OutcomeArchived
}

func (s *Service) handleFailure(ctx context.Context, log *workerLogger, trace interfaces.Trace, job *models.Job, workerName string, cause error) interfaces.ArchiveOutcome {
	// Increment failures are only logged; the archive error is what gets reported.
	if err := safeIncrement(ctx, trace); err != nil {
		log.Warn().Err(err).Msg("Failed to record archival attempt")
	}

	inc(s.counters.Failed)

	log.Warn().Msgf("Failed to archive trace. message: %s.", cause.Error())

	if s.tracker != nil {
		s.tracker.TrackException(ctx, cause, map[string]string{
			"class":  workerName,
			"job_id": job.ID,
		})
	}

	return interfaces.OutcomeFailed
}

// safeIncrement records the failed attempt, converting a panic into an error
func safeIncrement(ctx context.Context, trace interfaces.Trace) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while recording archival attempt: %v", r)
		}
	}()
	return trace.IncrementArchivalAttempts(ctx)
}

func inc(counter interfaces.Counter) {
	if counter != nil {
		counter.Inc(1)
	}
}
