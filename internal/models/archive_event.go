package models

import "time"

// ArchiveTraceData is the payload dispatched to integrations after a trace is archived
type ArchiveTraceData struct {
	ObjectKind string    `json:"object_kind"` // always "archive_trace"
	TraceURL   string    `json:"trace_url"`
	JobID      string    `json:"build_id"`
	PipelineID string    `json:"pipeline_id"`
	ProjectID  string    `json:"project_id"`
	JobName    string    `json:"job_name"`
	ArtifactID string    `json:"artifact_id"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ObjectKindArchiveTrace is the object_kind of ArchiveTraceData
const ObjectKindArchiveTrace = "archive_trace"
