package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewArtifactID generates a unique trace artifact ID with the "artifact_" prefix
func NewArtifactID() string {
	return "artifact_" + uuid.New().String()
}
