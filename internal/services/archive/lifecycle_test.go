package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/ternarybob/tracearchive/internal/services/events"
	"github.com/ternarybob/tracearchive/internal/services/features"
	"github.com/ternarybob/tracearchive/internal/services/integrations"
	"github.com/ternarybob/tracearchive/internal/services/jobs"
	"github.com/ternarybob/tracearchive/internal/storage/badger"
	"github.com/ternarybob/tracearchive/internal/trace"
)

// fakeTrace keeps archival state in memory with no cooldown
type fakeTrace struct {
	mu           sync.Mutex
	maxAttempts  int
	attempts     int
	live         bool
	archived     bool
	cleanedUp    bool
	failArchive  error
	archiveCalls int
}

func (f *fakeTrace) ArchivalAttemptsAvailable(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts < f.maxAttempts, nil
}

func (f *fakeTrace) CanAttemptArchivalNow(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeTrace) HasLiveTrace(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, nil
}

func (f *fakeTrace) Archive(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls++
	if f.archived {
		return &interfaces.ArchiveError{Kind: interfaces.ArchiveErrorAlreadyArchived}
	}
	if f.failArchive != nil {
		return f.failArchive
	}
	f.archived = true
	f.live = false
	return nil
}

func (f *fakeTrace) AttemptArchiveCleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = false
	f.cleanedUp = true
	return nil
}

func (f *fakeTrace) IncrementArchivalAttempts(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts < f.maxAttempts {
		f.attempts++
	}
	return nil
}

func (f *fakeTrace) HasArchivedTrace(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archived, nil
}

type noopJobs struct{}

func (noopJobs) RemovePendingState(ctx context.Context, jobID string) error { return nil }

func newFakeService(tr *fakeTrace, failed interfaces.Counter) *Service {
	return NewService(staticProvider{trace: tr}, noopJobs{}, nil, nil, Counters{Failed: failed}, nil, arbor.NewLogger())
}

func TestAttemptCountIsBoundedAndMonotonic(t *testing.T) {
	tr := &fakeTrace{maxAttempts: 3, live: true, failArchive: errors.New("transient")}
	failed := gometrics.NewCounter()
	service := newFakeService(tr, failed)
	job := &models.Job{ID: "job-1"}

	var outcomes []interfaces.ArchiveOutcome
	previous := 0
	for i := 0; i < 6; i++ {
		outcomes = append(outcomes, service.Execute(context.Background(), job, WorkerCron))
		assert.GreaterOrEqual(t, tr.attempts, previous)
		assert.LessOrEqual(t, tr.attempts, 3)
		previous = tr.attempts
	}

	assert.Equal(t, []interfaces.ArchiveOutcome{
		interfaces.OutcomeFailed,
		interfaces.OutcomeFailed,
		interfaces.OutcomeFailed,
		interfaces.OutcomeCleanedUp,
		interfaces.OutcomeCleanedUp,
		interfaces.OutcomeCleanedUp,
	}, outcomes)
	assert.Equal(t, 3, tr.archiveCalls, "no archive call once attempts are exhausted")
	assert.Equal(t, int64(3), failed.Count())
	assert.True(t, tr.cleanedUp)
}

func TestSecondInvocationAfterSuccessHasNoPenalty(t *testing.T) {
	tr := &fakeTrace{maxAttempts: 3, live: true}
	failed := gometrics.NewCounter()
	service := newFakeService(tr, failed)
	job := &models.Job{ID: "job-1"}

	assert.Equal(t, interfaces.OutcomeArchived, service.Execute(context.Background(), job, WorkerCron))
	assert.Equal(t, interfaces.OutcomeSkipped, service.Execute(context.Background(), job, WorkerCron))

	// A racing worker that still saw the live trace
	tr.live = true
	assert.Equal(t, interfaces.OutcomeAlreadyArchived, service.Execute(context.Background(), job, WorkerCron))

	assert.Equal(t, 0, tr.attempts)
	assert.Equal(t, int64(0), failed.Count())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyProvider fails Archive with a storage error while failures > 0
type flakyProvider struct {
	inner    interfaces.TraceProvider
	mu       sync.Mutex
	failures int
}

func (p *flakyProvider) TraceFor(job *models.Job) interfaces.Trace {
	return &flakyTrace{Trace: p.inner.TraceFor(job), provider: p}
}

type flakyTrace struct {
	interfaces.Trace
	provider *flakyProvider
}

func (t *flakyTrace) Archive(ctx context.Context) error {
	t.provider.mu.Lock()
	fail := t.provider.failures > 0
	if fail {
		t.provider.failures--
	}
	t.provider.mu.Unlock()

	if fail {
		return &interfaces.ArchiveError{Kind: interfaces.ArchiveErrorStorage, Err: errors.New("object storage unavailable")}
	}
	return t.Trace.Archive(ctx)
}

type e2e struct {
	jobs     *jobs.Service
	storage  interfaces.TraceStorage
	features *features.Service
	events   interfaces.EventService
	provider *flakyProvider
	clock    *fakeClock
	failed   gometrics.Counter
	service  *Service
}

func newE2E(t *testing.T, maxAttempts int, cooldown time.Duration) *e2e {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	eventService := events.NewService(logger)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	policy := trace.Policy{MaxAttempts: maxAttempts, Cooldown: trace.Constant{Interval: cooldown}}
	provider := &flakyProvider{inner: trace.NewProvider(manager.TraceStorage(), policy, clock.Now)}

	jobService := jobs.NewService(manager.JobStorage(), manager.TraceStorage(), eventService, logger)
	featureService := features.NewService(manager.KeyValueStorage(), logger)
	dispatcher := integrations.NewDispatcher(manager.TraceStorage(), eventService, common.IntegrationsConfig{}, logger)
	failed := gometrics.NewCounter()

	return &e2e{
		jobs:     jobService,
		storage:  manager.TraceStorage(),
		features: featureService,
		events:   eventService,
		provider: provider,
		clock:    clock,
		failed:   failed,
		service:  NewService(provider, jobService, dispatcher, featureService, Counters{Failed: failed}, nil, logger),
	}
}

func (e *e2e) finishedJob(t *testing.T, output string) *models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := e.jobs.CreateJob(ctx, &jobs.CreateJobRequest{ProjectID: "project-1", Name: "rspec"})
	require.NoError(t, err)
	if output != "" {
		_, err = e.jobs.AppendTrace(ctx, job.ID, []byte(output))
		require.NoError(t, err)
	}
	job, err = e.jobs.FinishJob(ctx, job.ID, models.JobStatusSuccess)
	require.NoError(t, err)
	require.True(t, job.Pending)
	return job
}

func TestEndToEndArchiveWithNotification(t *testing.T) {
	e := newE2E(t, 3, time.Hour)
	ctx := context.Background()
	require.NoError(t, e.features.Set(ctx, FeatureLogsCollection, "project-1", true))

	notified := make(chan *models.ArchiveTraceData, 2)
	require.NoError(t, e.events.Subscribe(interfaces.EventArchiveTrace, func(ctx context.Context, event interfaces.Event) error {
		notified <- event.Payload.(*models.ArchiveTraceData)
		return nil
	}))

	job := e.finishedJob(t, "line 1\nline 2\n")

	assert.Equal(t, interfaces.OutcomeArchived, e.service.Execute(ctx, job, WorkerOnFinish))

	stored, err := e.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending)

	status, err := e.jobs.TraceStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseArchived, status.State.Phase)
	require.NotNil(t, status.Artifact)

	content, err := e.jobs.ReadTrace(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(content))

	select {
	case data := <-notified:
		assert.Equal(t, job.ID, data.JobID)
		assert.Equal(t, status.Artifact.Checksum, data.Checksum)
	case <-time.After(2 * time.Second):
		t.Fatal("archive_trace not dispatched")
	}

	// Re-running is harmless and does not notify again
	assert.Equal(t, interfaces.OutcomeSkipped, e.service.Execute(ctx, job, WorkerCron))
	select {
	case <-notified:
		t.Fatal("notified twice")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, int64(0), e.failed.Count())
}

func TestEndToEndRetriesWithCooldownThenCleansUp(t *testing.T) {
	e := newE2E(t, 3, time.Hour)
	ctx := context.Background()
	e.provider.failures = 10

	job := e.finishedJob(t, "output")

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, interfaces.OutcomeFailed, e.service.Execute(ctx, job, WorkerCron))

		state, err := e.storage.GetState(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, state.AttemptCount)

		// Cooldown blocks without touching state
		assert.Equal(t, interfaces.OutcomeDeferred, e.service.Execute(ctx, job, WorkerCron))
		again, err := e.storage.GetState(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, state.AttemptCount, again.AttemptCount)
		assert.Equal(t, state.LastAttemptAt, again.LastAttemptAt)

		e.clock.Advance(time.Hour)
	}

	assert.Equal(t, interfaces.OutcomeCleanedUp, e.service.Execute(ctx, job, WorkerCron))
	assert.Equal(t, 7, e.provider.failures, "no archive call after exhaustion")
	assert.Equal(t, int64(3), e.failed.Count())

	state, err := e.storage.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseCleanedUp, state.Phase)
	assert.Equal(t, 3, state.AttemptCount)

	stored, err := e.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending)
}

func TestEndToEndRecoversAfterTransientFailure(t *testing.T) {
	e := newE2E(t, 3, time.Minute)
	ctx := context.Background()
	e.provider.failures = 1

	job := e.finishedJob(t, "output")

	assert.Equal(t, interfaces.OutcomeFailed, e.service.Execute(ctx, job, WorkerCron))
	e.clock.Advance(time.Minute)
	assert.Equal(t, interfaces.OutcomeArchived, e.service.Execute(ctx, job, WorkerCron))

	state, err := e.storage.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseArchived, state.Phase)
	assert.Equal(t, 1, state.AttemptCount)
}

func TestEndToEndNoLiveTrace(t *testing.T) {
	e := newE2E(t, 3, time.Hour)
	ctx := context.Background()

	job := e.finishedJob(t, "")

	assert.Equal(t, interfaces.OutcomeSkipped, e.service.Execute(ctx, job, WorkerCron))

	state, err := e.storage.GetState(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseLive, state.Phase)
	assert.Equal(t, 0, state.AttemptCount)
	assert.Nil(t, state.LastAttemptAt)
}
