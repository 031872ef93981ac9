package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/ternarybob/tracearchive/internal/services/archive"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SweepRecorder receives sweep measurements
type SweepRecorder interface {
	TimeSweep(d time.Duration)
	MeasurePending(n int)
}

// SweepResult summarises one sweep
type SweepResult struct {
	Total     int                               `json:"total"`
	InFlight  int                               `json:"in_flight"` // skipped, another worker holds the job
	Outcomes  map[interfaces.ArchiveOutcome]int `json:"outcomes"`
	StartedAt time.Time                         `json:"started_at"`
	Duration  string                            `json:"duration"`
}

// Service archives pending traces on a cron schedule and, optionally, as soon as a job finishes
type Service struct {
	jobStorage   interfaces.JobStorage
	executor     interfaces.ArchiveExecutor
	eventService interfaces.EventService
	recorder     SweepRecorder
	config       common.ArchiveConfig
	cron         *cron.Cron
	limiter      *rate.Limiter
	logger       arbor.ILogger

	mu        sync.Mutex // Protects running, inflight and lastSweep
	running   bool
	inflight  map[string]struct{}
	lastSweep *SweepResult
}

// NewService creates a new scheduler service. recorder may be nil.
func NewService(
	jobStorage interfaces.JobStorage,
	executor interfaces.ArchiveExecutor,
	eventService interfaces.EventService,
	recorder SweepRecorder,
	config common.ArchiveConfig,
	logger arbor.ILogger,
) *Service {
	limit := rate.Inf
	if d := config.RateLimitDuration(); d > 0 {
		limit = rate.Every(d)
	}

	return &Service{
		jobStorage:   jobStorage,
		executor:     executor,
		eventService: eventService,
		recorder:     recorder,
		config:       config,
		cron:         cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}
}

// Start schedules the sweep and subscribes to job finished events
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if err := common.ValidateSchedule(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, s.runScheduledSweep); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	if s.config.ArchiveOnFinish && s.eventService != nil {
		if err := s.eventService.Subscribe(interfaces.EventJobFinished, s.handleJobFinished); err != nil {
			return fmt.Errorf("failed to subscribe to job finished events: %w", err)
		}
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Int("batch_size", s.config.BatchSize).
		Int("concurrency", s.config.Concurrency).
		Bool("archive_on_finish", s.config.ArchiveOnFinish).
		Msg("Archive scheduler started")

	return nil
}

// Stop halts the cron and waits up to 30 seconds for a running sweep
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Running sweep did not finish within timeout")
	}

	s.logger.Info().Msg("Archive scheduler stopped")
	return nil
}

// IsRunning returns true if scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastSweep returns the result of the most recent sweep, nil before the first one
func (s *Service) LastSweep() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Service) runScheduledSweep() {
	defer common.Recover(s.logger, "archive sweep")

	if _, err := s.Sweep(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Archive sweep failed")
	}
}

// Sweep archives up to batch_size pending finished jobs, oldest first.
// Execute never fails, so the only errors are listing failures and ctx cancellation.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	started := time.Now()
	result := &SweepResult{
		Outcomes:  make(map[interfaces.ArchiveOutcome]int),
		StartedAt: started,
	}

	jobs, err := s.jobStorage.ListPendingArchival(ctx, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	result.Total = len(jobs)

	var resultMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			outcome, ran, err := s.execute(gctx, job, archive.WorkerCron)
			if err != nil {
				return err
			}

			resultMu.Lock()
			defer resultMu.Unlock()
			if !ran {
				result.InFlight++
				return nil
			}
			result.Outcomes[outcome]++
			return nil
		})
	}

	waitErr := g.Wait()

	elapsed := time.Since(started)
	result.Duration = elapsed.String()
	if s.recorder != nil {
		s.recorder.TimeSweep(elapsed)
		s.recorder.MeasurePending(len(jobs))
	}

	s.mu.Lock()
	s.lastSweep = result
	s.mu.Unlock()

	if len(jobs) > 0 {
		s.logger.Info().
			Int("total", result.Total).
			Int("archived", result.Outcomes[interfaces.OutcomeArchived]).
			Int("failed", result.Outcomes[interfaces.OutcomeFailed]).
			Int("deferred", result.Outcomes[interfaces.OutcomeDeferred]).
			Int("cleaned_up", result.Outcomes[interfaces.OutcomeCleanedUp]).
			Int("in_flight", result.InFlight).
			Str("duration", result.Duration).
			Msg("Archive sweep completed")
	}

	if waitErr != nil {
		return result, fmt.Errorf("sweep interrupted: %w", waitErr)
	}
	return result, nil
}

// ArchiveNow runs one archival attempt for job outside the sweep.
// ran is false when another worker is already archiving the job.
func (s *Service) ArchiveNow(ctx context.Context, job *models.Job, workerName string) (interfaces.ArchiveOutcome, bool, error) {
	return s.execute(ctx, job, workerName)
}

func (s *Service) handleJobFinished(ctx context.Context, event interfaces.Event) error {
	job, ok := event.Payload.(*models.Job)
	if !ok {
		return fmt.Errorf("unexpected job_finished payload %T", event.Payload)
	}

	outcome, ran, err := s.execute(ctx, job, archive.WorkerOnFinish)
	if err != nil {
		return err
	}
	if ran {
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("outcome", string(outcome)).
			Msg("Archived on finish")
	}
	return nil
}

// execute runs Execute for job unless the job is already in flight
func (s *Service) execute(ctx context.Context, job *models.Job, workerName string) (interfaces.ArchiveOutcome, bool, error) {
	if !s.tryAcquire(job.ID) {
		s.logger.Debug().Str("job_id", job.ID).Str("class", workerName).Msg("Job already being archived")
		return "", false, nil
	}
	defer s.release(job.ID)

	if err := s.limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	return s.executor.Execute(ctx, job, workerName), true, nil
}

func (s *Service) tryAcquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[jobID]; busy {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Service) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}
