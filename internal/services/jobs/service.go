// -----------------------------------------------------------------------
// Job Service - job lifecycle and live trace producer surface
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
)

// ErrJobNotFinished is returned when a finish request carries a non-terminal status
var ErrJobNotFinished = errors.New("status is not a finished status")

// ErrJobAlreadyFinished is returned when finishing a job twice
var ErrJobAlreadyFinished = errors.New("job already finished")

// CreateJobRequest is the input of CreateJob
type CreateJobRequest struct {
	ProjectID  string `json:"project_id" validate:"required"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name" validate:"required,max=255"`
}

// TraceStatus summarises the archival state of a job's trace
type TraceStatus struct {
	JobID    string                `json:"job_id"`
	Pending  bool                  `json:"pending"`
	State    *models.ArchivalState `json:"state"`
	Artifact *models.TraceArtifact `json:"artifact,omitempty"`
}

// Service provides job management and trace access
type Service struct {
	jobStorage   interfaces.JobStorage
	traceStorage interfaces.TraceStorage
	eventService interfaces.EventService
	logger       arbor.ILogger
	now          func() time.Time
}

// NewService creates a new job service
func NewService(jobStorage interfaces.JobStorage, traceStorage interfaces.TraceStorage, eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		jobStorage:   jobStorage,
		traceStorage: traceStorage,
		eventService: eventService,
		logger:       logger,
		now:          time.Now,
	}
}

// CreateJob creates a running job with an empty live trace
func (s *Service) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	now := s.now()
	job := &models.Job{
		ID:         common.NewJobID(),
		ProjectID:  req.ProjectID,
		PipelineID: req.PipelineID,
		Name:       req.Name,
		Status:     models.JobStatusRunning,
		CreatedAt:  now,
		StartedAt:  &now,
	}

	if err := s.jobStorage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("project_id", job.ProjectID).
		Str("job_name", job.Name).
		Msg("Job created")

	return job, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobStorage.GetJob(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.jobStorage.ListJobs(ctx, opts)
}

// AppendTrace appends output to the job's live trace. Appends are accepted
// until the trace is archived or cleaned up.
func (s *Service) AppendTrace(ctx context.Context, jobID string, data []byte) (*models.TraceChunk, error) {
	if _, err := s.jobStorage.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	chunk, err := s.traceStorage.AppendChunk(ctx, jobID, data)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Int("chunk_index", chunk.Index).
		Int("bytes", len(data)).
		Msg("Trace chunk appended")

	return chunk, nil
}

// FinishJob moves the job to a finished status, marks its trace pending
// archival and publishes EventJobFinished
func (s *Service) FinishJob(ctx context.Context, jobID string, status models.JobStatus) (*models.Job, error) {
	if !status.IsFinished() {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFinished, status)
	}

	job, err := s.jobStorage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsFinished() {
		return nil, fmt.Errorf("%w: %s", ErrJobAlreadyFinished, job.ID)
	}

	now := s.now()
	job.Status = status
	job.FinishedAt = &now
	job.Pending = true

	if err := s.jobStorage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to finish job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Msg("Job finished")

	if s.eventService != nil {
		if err := s.eventService.Publish(ctx, interfaces.Event{
			Type:    interfaces.EventJobFinished,
			Payload: job,
		}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job finished event")
		}
	}

	return job, nil
}

// RemovePendingState clears the job's pending-archival marker. Idempotent.
func (s *Service) RemovePendingState(ctx context.Context, jobID string) error {
	if err := s.jobStorage.SetPending(ctx, jobID, false); err != nil {
		return fmt.Errorf("failed to remove pending state: %w", err)
	}
	return nil
}

// TraceStatus returns the archival state and artifact summary of a job's trace
func (s *Service) TraceStatus(ctx context.Context, jobID string) (*TraceStatus, error) {
	job, err := s.jobStorage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	state, err := s.traceStorage.GetState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace state: %w", err)
	}

	status := &TraceStatus{
		JobID:   jobID,
		Pending: job.Pending,
		State:   state,
	}

	artifact, err := s.traceStorage.GetArtifact(ctx, jobID)
	switch {
	case err == nil:
		status.Artifact = artifact
	case !errors.Is(err, interfaces.ErrArtifactNotFound):
		return nil, fmt.Errorf("failed to get trace artifact: %w", err)
	}

	return status, nil
}

// ReadTrace returns the archived content if present, otherwise the live chunks concatenated
func (s *Service) ReadTrace(ctx context.Context, jobID string) ([]byte, error) {
	if _, err := s.jobStorage.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	artifact, err := s.traceStorage.GetArtifact(ctx, jobID)
	if err == nil {
		return artifact.Content, nil
	}
	if !errors.Is(err, interfaces.ErrArtifactNotFound) {
		return nil, fmt.Errorf("failed to get trace artifact: %w", err)
	}

	chunks, err := s.traceStorage.GetChunks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace chunks: %w", err)
	}

	var content []byte
	for _, chunk := range chunks {
		content = append(content, chunk.Data...)
	}
	return content, nil
}
