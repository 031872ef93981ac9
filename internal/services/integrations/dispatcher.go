// Package integrations delivers archive_trace notifications to downstream systems.
package integrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
)

// Dispatcher implements interfaces.ArchiveNotifier by publishing EventArchiveTrace
type Dispatcher struct {
	traceStorage interfaces.TraceStorage
	eventService interfaces.EventService
	traceURLBase string
	logger       arbor.ILogger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(traceStorage interfaces.TraceStorage, eventService interfaces.EventService, config common.IntegrationsConfig, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		traceStorage: traceStorage,
		eventService: eventService,
		traceURLBase: strings.TrimRight(config.TraceURLBase, "/"),
		logger:       logger,
	}
}

// NotifyArchived publishes the archive_trace event for job. Failures are logged only.
func (d *Dispatcher) NotifyArchived(ctx context.Context, job *models.Job) {
	data, err := d.buildData(ctx, job)
	if err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to build archive_trace payload")
		return
	}

	if err := d.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventArchiveTrace,
		Payload: data,
	}); err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish archive_trace event")
		return
	}

	d.logger.Debug().
		Str("job_id", job.ID).
		Str("artifact_id", data.ArtifactID).
		Msg("archive_trace notification dispatched")
}

func (d *Dispatcher) buildData(ctx context.Context, job *models.Job) (*models.ArchiveTraceData, error) {
	artifact, err := d.traceStorage.GetArtifact(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace artifact: %w", err)
	}

	return &models.ArchiveTraceData{
		ObjectKind: models.ObjectKindArchiveTrace,
		TraceURL:   d.traceURL(job.ID),
		JobID:      job.ID,
		PipelineID: job.PipelineID,
		ProjectID:  job.ProjectID,
		JobName:    job.Name,
		ArtifactID: artifact.ID,
		Size:       artifact.Size,
		Checksum:   artifact.Checksum,
		ArchivedAt: artifact.CreatedAt,
	}, nil
}

func (d *Dispatcher) traceURL(jobID string) string {
	return fmt.Sprintf("%s/api/jobs/%s/trace/raw", d.traceURLBase, url.PathEscape(jobID))
}
