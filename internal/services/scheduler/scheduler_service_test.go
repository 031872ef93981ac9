package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/ternarybob/tracearchive/internal/services/archive"
	"github.com/ternarybob/tracearchive/internal/services/events"
	"github.com/ternarybob/tracearchive/internal/storage/badger"
)

type recordingExecutor struct {
	mu          sync.Mutex
	calls       map[string]string // job ID -> worker name
	current     atomic.Int32
	maxParallel atomic.Int32
	delay       time.Duration
	outcome     interfaces.ArchiveOutcome
}

func newRecordingExecutor(outcome interfaces.ArchiveOutcome, delay time.Duration) *recordingExecutor {
	return &recordingExecutor{calls: make(map[string]string), outcome: outcome, delay: delay}
}

func (e *recordingExecutor) Execute(ctx context.Context, job *models.Job, workerName string) interfaces.ArchiveOutcome {
	n := e.current.Add(1)
	defer e.current.Add(-1)
	for {
		max := e.maxParallel.Load()
		if n <= max || e.maxParallel.CompareAndSwap(max, n) {
			break
		}
	}

	time.Sleep(e.delay)

	e.mu.Lock()
	e.calls[job.ID] = workerName
	e.mu.Unlock()
	return e.outcome
}

func (e *recordingExecutor) Calls() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := make(map[string]string, len(e.calls))
	for k, v := range e.calls {
		copied[k] = v
	}
	return copied
}

type fakeRecorder struct {
	sweeps  int
	pending int
}

func (r *fakeRecorder) TimeSweep(time.Duration) { r.sweeps++ }
func (r *fakeRecorder) MeasurePending(n int)    { r.pending = n }

func newJobStorage(t *testing.T) interfaces.JobStorage {
	t.Helper()
	manager, err := badger.NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager.JobStorage()
}

func saveJobs(t *testing.T, storage interfaces.JobStorage, jobs ...*models.Job) {
	t.Helper()
	for _, job := range jobs {
		require.NoError(t, storage.SaveJob(context.Background(), job))
	}
}

func testConfig() common.ArchiveConfig {
	config := common.NewDefaultConfig().Archive
	config.RateLimit = ""
	return config
}

func TestSweepExecutesPendingFinishedJobs(t *testing.T) {
	storage := newJobStorage(t)
	now := time.Now()
	saveJobs(t, storage,
		&models.Job{ID: "job-1", Status: models.JobStatusSuccess, Pending: true, CreatedAt: now},
		&models.Job{ID: "job-2", Status: models.JobStatusFailed, Pending: true, CreatedAt: now.Add(time.Second)},
		&models.Job{ID: "job-3", Status: models.JobStatusRunning, Pending: true, CreatedAt: now},
		&models.Job{ID: "job-4", Status: models.JobStatusSuccess, Pending: false, CreatedAt: now},
	)

	executor := newRecordingExecutor(interfaces.OutcomeArchived, 0)
	recorder := &fakeRecorder{}
	service := NewService(storage, executor, nil, recorder, testConfig(), arbor.NewLogger())

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Outcomes[interfaces.OutcomeArchived])
	assert.Equal(t, map[string]string{
		"job-1": archive.WorkerCron,
		"job-2": archive.WorkerCron,
	}, executor.Calls())
	assert.Equal(t, 1, recorder.sweeps)
	assert.Equal(t, 2, recorder.pending)
	assert.Same(t, result, service.LastSweep())
}

func TestSweepRespectsBatchSizeAndConcurrency(t *testing.T) {
	storage := newJobStorage(t)
	now := time.Now()
	for i := 0; i < 6; i++ {
		saveJobs(t, storage, &models.Job{
			ID:        common.NewJobID(),
			Status:    models.JobStatusSuccess,
			Pending:   true,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	config := testConfig()
	config.BatchSize = 5
	config.Concurrency = 2

	executor := newRecordingExecutor(interfaces.OutcomeFailed, 20*time.Millisecond)
	service := NewService(storage, executor, nil, nil, config, arbor.NewLogger())

	result, err := service.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 5, result.Outcomes[interfaces.OutcomeFailed])
	assert.LessOrEqual(t, executor.maxParallel.Load(), int32(2))
}

func TestSweepSkipsJobsInFlight(t *testing.T) {
	storage := newJobStorage(t)
	saveJobs(t, storage, &models.Job{ID: "job-1", Status: models.JobStatusSuccess, Pending: true, CreatedAt: time.Now()})

	executor := newRecordingExecutor(interfaces.OutcomeArchived, 0)
	service := NewService(storage, executor, nil, nil, testConfig(), arbor.NewLogger())

	require.True(t, service.tryAcquire("job-1"))
	result, err := service.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.InFlight)
	assert.Empty(t, executor.Calls())

	service.release("job-1")
	result, err = service.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.InFlight)
	assert.Len(t, executor.Calls(), 1)
}

func TestArchiveOnFinish(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	executor := newRecordingExecutor(interfaces.OutcomeArchived, 0)

	service := NewService(newJobStorage(t), executor, eventService, nil, testConfig(), logger)
	require.NoError(t, service.Start())
	defer service.Stop()

	err := eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobFinished,
		Payload: &models.Job{ID: "job-1", Status: models.JobStatusSuccess},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"job-1": archive.WorkerOnFinish}, executor.Calls())
}

func TestArchiveOnFinishDisabled(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	executor := newRecordingExecutor(interfaces.OutcomeArchived, 0)

	config := testConfig()
	config.ArchiveOnFinish = false
	service := NewService(newJobStorage(t), executor, eventService, nil, config, logger)
	require.NoError(t, service.Start())
	defer service.Stop()

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobFinished,
		Payload: &models.Job{ID: "job-1"},
	}))
	assert.Empty(t, executor.Calls())
}

func TestStartStop(t *testing.T) {
	config := testConfig()
	config.Schedule = "not a schedule"
	service := NewService(newJobStorage(t), newRecordingExecutor(interfaces.OutcomeArchived, 0), nil, nil, config, arbor.NewLogger())
	assert.Error(t, service.Start())
	assert.False(t, service.IsRunning())

	service = NewService(newJobStorage(t), newRecordingExecutor(interfaces.OutcomeArchived, 0), nil, nil, testConfig(), arbor.NewLogger())
	require.NoError(t, service.Start())
	assert.True(t, service.IsRunning())
	assert.Error(t, service.Start())
	require.NoError(t, service.Stop())
	assert.False(t, service.IsRunning())
	require.NoError(t, service.Stop())
}
