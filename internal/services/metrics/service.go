// Package metrics instruments trace archival with a go-metrics registry.
package metrics

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names
const (
	ArchiveFailedTotal   = "job_trace_archive_failed_total"
	ArchivedTotal        = "job_trace_archived_total"
	CleanupTotal         = "job_trace_cleanup_total"
	AlreadyArchivedTotal = "job_trace_already_archived_total"
	SweepDuration        = "job_trace_archive_sweep_duration"
	SweepPendingJobs     = "job_trace_archive_sweep_pending_jobs"
)

// Service owns the process-wide registry. Counters are created once and shared.
type Service struct {
	registry gometrics.Registry
}

// NewService creates a metrics service with its own registry
func NewService() *Service {
	return &Service{registry: gometrics.NewRegistry()}
}

// Counter returns the named counter, registering it on first use
func (s *Service) Counter(name string) gometrics.Counter {
	return gometrics.GetOrRegisterCounter(name, s.registry)
}

func (s *Service) ArchiveFailed() gometrics.Counter   { return s.Counter(ArchiveFailedTotal) }
func (s *Service) Archived() gometrics.Counter        { return s.Counter(ArchivedTotal) }
func (s *Service) CleanedUp() gometrics.Counter       { return s.Counter(CleanupTotal) }
func (s *Service) AlreadyArchived() gometrics.Counter { return s.Counter(AlreadyArchivedTotal) }

// TimeSweep records the duration of one sweep
func (s *Service) TimeSweep(d time.Duration) {
	gometrics.GetOrRegisterTimer(SweepDuration, s.registry).Update(d)
}

// MeasurePending records how many pending jobs the last sweep picked up
func (s *Service) MeasurePending(n int) {
	gometrics.GetOrRegisterGauge(SweepPendingJobs, s.registry).Update(int64(n))
}

// Snapshot returns every metric keyed by name
func (s *Service) Snapshot() map[string]map[string]interface{} {
	return s.registry.GetAll()
}

// WriteJSON writes the registry as JSON
func (s *Service) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(s.registry, w)
}
