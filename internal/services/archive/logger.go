package archive

import (
	"github.com/ternarybob/arbor"
)

// workerLogger tags every line with the worker class and job ID.
// Lines are correlated by job ID so the API can fetch all archival logs of a job.
type workerLogger struct {
	logger arbor.ILogger
	class  string
	jobID  string
}

func newWorkerLogger(base arbor.ILogger, class, jobID string) *workerLogger {
	return &workerLogger{
		logger: base.WithCorrelationId(jobID),
		class:  class,
		jobID:  jobID,
	}
}

func (l *workerLogger) Debug() arbor.ILogEvent {
	return l.logger.Debug().Str("class", l.class).Str("job_id", l.jobID)
}

func (l *workerLogger) Info() arbor.ILogEvent {
	return l.logger.Info().Str("class", l.class).Str("job_id", l.jobID)
}

func (l *workerLogger) Warn() arbor.ILogEvent {
	return l.logger.Warn().Str("class", l.class).Str("job_id", l.jobID)
}
