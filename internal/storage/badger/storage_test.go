package badger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func saveFinishedJob(t *testing.T, jobs interfaces.JobStorage, id string) *models.Job {
	t.Helper()
	finished := time.Now()
	job := &models.Job{
		ID:         id,
		ProjectID:  "project-1",
		Name:       "build",
		Status:     models.JobStatusSuccess,
		Pending:    true,
		CreatedAt:  time.Now(),
		FinishedAt: &finished,
	}
	require.NoError(t, jobs.SaveJob(context.Background(), job))
	return job
}

func TestAppendChunkTracksState(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	ctx := context.Background()

	first, err := traces.AppendChunk(ctx, "job-1", []byte("hello "))
	require.NoError(t, err)
	second, err := traces.AppendChunk(ctx, "job-1", []byte("world"))
	require.NoError(t, err)

	assert.Equal(t, 0, first.Index)
	assert.Equal(t, 1, second.Index)

	chunks, err := traces.GetChunks(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello ", string(chunks[0].Data))
	assert.Equal(t, "world", string(chunks[1].Data))

	count, err := traces.CountChunks(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	state, err := traces.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseLive, state.Phase)
	assert.Equal(t, 2, state.ChunkCount)
	assert.Equal(t, int64(11), state.LiveSize)
}

func TestGetStateDefaultsToLive(t *testing.T) {
	manager := newTestManager(t)

	state, err := manager.TraceStorage().GetState(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseLive, state.Phase)
	assert.Equal(t, 0, state.AttemptCount)
	assert.Nil(t, state.LastAttemptAt)
}

func TestCommitArchiveIsAtomicAndIdempotent(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	jobs := manager.JobStorage()
	ctx := context.Background()

	saveFinishedJob(t, jobs, "job-1")
	_, err := traces.AppendChunk(ctx, "job-1", []byte("line 1\n"))
	require.NoError(t, err)
	_, err = traces.AppendChunk(ctx, "job-1", []byte("line 2\n"))
	require.NoError(t, err)

	at := time.Now()
	artifact, err := traces.CommitArchive(ctx, "job-1", at)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("line 1\nline 2\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)
	assert.Equal(t, int64(14), artifact.Size)

	stored, err := traces.GetArtifact(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\n", string(stored.Content))

	count, err := traces.CountChunks(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, count, "live trace must be gone after archival")

	state, err := traces.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseArchived, state.Phase)
	assert.Equal(t, artifact.ID, state.ArtifactID)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Pending, "pending marker is cleared with the archive commit")

	_, err = traces.CommitArchive(ctx, "job-1", time.Now())
	assert.ErrorIs(t, err, interfaces.ErrArtifactExists)

	_, err = traces.AppendChunk(ctx, "job-1", []byte("late"))
	assert.ErrorIs(t, err, interfaces.ErrTraceClosed)
}

func TestCommitArchiveWithoutLiveTrace(t *testing.T) {
	manager := newTestManager(t)

	_, err := manager.TraceStorage().CommitArchive(context.Background(), "job-empty", time.Now())
	assert.ErrorIs(t, err, interfaces.ErrNoLiveTrace)

	_, err = manager.TraceStorage().GetArtifact(context.Background(), "job-empty")
	assert.ErrorIs(t, err, interfaces.ErrArtifactNotFound)
}

func TestConcurrentCommitArchiveProducesOneArtifact(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	ctx := context.Background()

	_, err := traces.AppendChunk(ctx, "job-race", []byte("output"))
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := traces.CommitArchive(ctx, "job-race", time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)

	artifact, err := traces.GetArtifact(ctx, "job-race")
	require.NoError(t, err)
	assert.Equal(t, "output", string(artifact.Content))
}

func TestIncrementAttemptsClampsAtMax(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	ctx := context.Background()

	var state *models.ArchivalState
	var err error
	for i := 0; i < 5; i++ {
		state, err = traces.IncrementAttempts(ctx, "job-1", 3, time.Now())
		require.NoError(t, err)
		assert.LessOrEqual(t, state.AttemptCount, 3)
	}
	assert.Equal(t, 3, state.AttemptCount)
	assert.NotNil(t, state.LastAttemptAt)
}

func TestCleanupDiscardsLiveTrace(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	jobs := manager.JobStorage()
	ctx := context.Background()

	saveFinishedJob(t, jobs, "job-1")
	_, err := traces.AppendChunk(ctx, "job-1", []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, traces.Cleanup(ctx, "job-1", time.Now()))
	require.NoError(t, traces.Cleanup(ctx, "job-1", time.Now()), "cleanup is idempotent")

	count, err := traces.CountChunks(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, count)

	state, err := traces.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseCleanedUp, state.Phase)
	assert.NotNil(t, state.CleanedUpAt)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, job.Pending)

	_, err = traces.CommitArchive(ctx, "job-1", time.Now())
	assert.ErrorIs(t, err, interfaces.ErrTraceClosed)
}

func TestCleanupLeavesArchivedTraceAlone(t *testing.T) {
	manager := newTestManager(t)
	traces := manager.TraceStorage()
	ctx := context.Background()

	_, err := traces.AppendChunk(ctx, "job-1", []byte("kept"))
	require.NoError(t, err)
	_, err = traces.CommitArchive(ctx, "job-1", time.Now())
	require.NoError(t, err)

	require.NoError(t, traces.Cleanup(ctx, "job-1", time.Now()))

	state, err := traces.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.ArchivalPhaseArchived, state.Phase)
	_, err = traces.GetArtifact(ctx, "job-1")
	assert.NoError(t, err)
}

func TestListPendingArchival(t *testing.T) {
	manager := newTestManager(t)
	jobs := manager.JobStorage()
	ctx := context.Background()

	saveFinishedJob(t, jobs, "job-a")
	saveFinishedJob(t, jobs, "job-b")
	require.NoError(t, jobs.SaveJob(ctx, &models.Job{ID: "job-running", Status: models.JobStatusRunning, CreatedAt: time.Now()}))
	require.NoError(t, jobs.SetPending(ctx, "job-b", false))

	pending, err := jobs.ListPendingArchival(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-a", pending[0].ID)

	_, err = jobs.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestKVStorage(t *testing.T) {
	manager := newTestManager(t)
	kv := manager.KeyValueStorage()
	ctx := context.Background()

	created, err := kv.SetIfAbsent(ctx, "Feature:Flag", "true", "seeded")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = kv.SetIfAbsent(ctx, "feature:flag", "false", "seeded again")
	require.NoError(t, err)
	assert.False(t, created, "existing values are not overwritten")

	value, err := kv.Get(ctx, "FEATURE:FLAG")
	require.NoError(t, err)
	assert.Equal(t, "true", value)

	require.NoError(t, kv.Set(ctx, "feature:flag:project:p1", "false", ""))
	require.NoError(t, kv.Set(ctx, "other", "x", ""))

	pairs, err := kv.ListByPrefix(ctx, "feature:flag")
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	require.NoError(t, kv.Delete(ctx, "other"))
	_, err = kv.Get(ctx, "other")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}
