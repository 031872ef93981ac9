package badger

import (
	"context"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.ProjectID != "" {
			query = query.And("ProjectID").Eq(opts.ProjectID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toJobPointers(jobs), nil
}

func (s *JobStorage) ListPendingArchival(ctx context.Context, limit int) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Pending").Eq(true).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list pending archival jobs: %w", err)
	}

	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		// Pending is only set on finish; skip records that say otherwise
		if !jobs[i].Status.IsFinished() {
			continue
		}
		result = append(result, &jobs[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *JobStorage) SetPending(ctx context.Context, jobID string, pending bool) error {
	return s.db.Update(func(tx *badgerdb.Txn) error {
		return setJobPending(s.db.Store(), tx, jobID, pending)
	})
}

// setJobPending updates the pending marker inside an existing transaction.
// A missing job is not an error so traces can outlive their job record.
func setJobPending(store *badgerhold.Store, tx *badgerdb.Txn, jobID string, pending bool) error {
	var job models.Job
	if err := store.TxGet(tx, jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job.Pending == pending {
		return nil
	}
	job.Pending = pending
	if err := store.TxUpsert(tx, jobID, &job); err != nil {
		return fmt.Errorf("failed to update job pending marker: %w", err)
	}
	return nil
}

func toJobPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
