package models

import "time"

// TraceChunk is one append to a job's live trace.
// Chunks are keyed "<job_id>_<index>" and ordered by Index.
type TraceChunk struct {
	JobID     string    `json:"job_id" badgerhold:"index"`
	Index     int       `json:"index"`
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// TraceArtifact is the immutable archived trace. There is at most one per job
// and it is keyed by the job ID.
type TraceArtifact struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"` // hex sha256 of Content
	Content   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
