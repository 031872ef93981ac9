package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/ternarybob/tracearchive/internal/services/archive"
	"github.com/ternarybob/tracearchive/internal/services/jobs"
)

// maxChunkBytes bounds a single trace append
const maxChunkBytes = 8 << 20

// ArchiveRunner runs a single archival attempt for a job outside the sweep
type ArchiveRunner interface {
	ArchiveNow(ctx context.Context, job *models.Job, workerName string) (interfaces.ArchiveOutcome, bool, error)
}

// JobHandler handles job and trace API requests
type JobHandler struct {
	jobService *jobs.Service
	archiver   ArchiveRunner
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *jobs.Service, archiver ArchiveRunner, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		archiver:   archiver,
		logger:     logger,
	}
}

type finishJobRequest struct {
	Status models.JobStatus `json:"status" validate:"required,oneof=success failed canceled"`
}

// writeJobError maps service errors to HTTP status codes
func (h *JobHandler) writeJobError(w http.ResponseWriter, err error, jobID string, action string) {
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, interfaces.ErrTraceClosed), errors.Is(err, jobs.ErrJobAlreadyFinished):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrJobNotFinished):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to " + action)
		WriteError(w, http.StatusInternalServerError, "Failed to "+action)
	}
}

// ListJobsHandler returns a page of jobs
// GET /api/jobs?limit=50&offset=0&status=success&project_id=p1
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetLimitOffset(r)
	opts := &interfaces.JobListOptions{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	}

	jobList, err := h.jobService.ListJobs(r.Context(), opts)
	if err != nil {
		h.writeJobError(w, err, "", "list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobList,
		"count":  len(jobList),
		"limit":  limit,
		"offset": offset,
	})
}

// CreateJobHandler creates a running job
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	job, err := h.jobService.CreateJob(r.Context(), &req)
	if err != nil {
		h.writeJobError(w, err, "", "create job")
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// GetJobHandler returns a single job
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err, jobID, "get job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// AppendTraceHandler appends the raw request body to the job's live trace
// POST /api/jobs/{id}/trace
func (h *JobHandler) AppendTraceHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "Trace chunk too large")
		return
	}
	if len(data) == 0 {
		WriteError(w, http.StatusBadRequest, "Trace chunk is empty")
		return
	}

	chunk, err := h.jobService.AppendTrace(r.Context(), jobID, data)
	if err != nil {
		h.writeJobError(w, err, jobID, "append trace")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
		"index":  chunk.Index,
		"bytes":  len(chunk.Data),
	})
}

// TraceStatusHandler returns the archival state of the job's trace
// GET /api/jobs/{id}/trace
func (h *JobHandler) TraceStatusHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	status, err := h.jobService.TraceStatus(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err, jobID, "get trace status")
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// RawTraceHandler streams the trace content, archived or live
// GET /api/jobs/{id}/trace/raw
func (h *JobHandler) RawTraceHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	content, err := h.jobService.ReadTrace(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err, jobID, "read trace")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// FinishJobHandler moves the job to a finished status
// POST /api/jobs/{id}/finish
func (h *JobHandler) FinishJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	var req finishJobRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	job, err := h.jobService.FinishJob(r.Context(), jobID, req.Status)
	if err != nil {
		h.writeJobError(w, err, jobID, "finish job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// ArchiveJobHandler runs one archival attempt for the job now
// POST /api/jobs/{id}/archive
func (h *JobHandler) ArchiveJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := PathID(r.URL.Path, "/api/jobs/")

	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err, jobID, "get job")
		return
	}
	if !job.Status.IsFinished() {
		WriteError(w, http.StatusConflict, "Job is still running")
		return
	}

	outcome, ran, err := h.archiver.ArchiveNow(r.Context(), job, archive.WorkerAPI)
	if err != nil {
		h.writeJobError(w, err, jobID, "archive trace")
		return
	}
	if !ran {
		WriteError(w, http.StatusConflict, "Job is already being archived")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"job_id":  jobID,
		"outcome": string(outcome),
	})
}
