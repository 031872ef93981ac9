package badger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TraceStorage implements the TraceStorage interface for Badger.
//
// Keys (badgerhold namespaces them per type):
//   - ArchivalState: <job_id>
//   - TraceArtifact: <job_id>
//   - TraceChunk:    <job_id>_<index zero-padded>
type TraceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTraceStorage creates a new TraceStorage instance
func NewTraceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TraceStorage {
	return &TraceStorage{
		db:     db,
		logger: logger,
	}
}

func chunkKey(jobID string, index int) string {
	return fmt.Sprintf("%s_%010d", jobID, index)
}

func chunksOf(jobID string) *badgerhold.Query {
	return badgerhold.Where("JobID").Eq(jobID)
}

// txState loads the state inside tx, returning a fresh live state if none is stored
func (s *TraceStorage) txState(tx *badgerdb.Txn, jobID string, now time.Time) (*models.ArchivalState, error) {
	var state models.ArchivalState
	err := s.db.Store().TxGet(tx, jobID, &state)
	if err == badgerhold.ErrNotFound {
		return models.NewArchivalState(jobID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archival state: %w", err)
	}
	return &state, nil
}

func (s *TraceStorage) AppendChunk(ctx context.Context, jobID string, data []byte) (*models.TraceChunk, error) {
	var chunk *models.TraceChunk

	err := s.db.Update(func(tx *badgerdb.Txn) error {
		now := time.Now()
		state, err := s.txState(tx, jobID, now)
		if err != nil {
			return err
		}
		if state.Phase != models.ArchivalPhaseLive {
			return fmt.Errorf("%w: job %s is %s", interfaces.ErrTraceClosed, jobID, state.Phase)
		}

		chunk = &models.TraceChunk{
			JobID:     jobID,
			Index:     state.ChunkCount,
			Data:      data,
			CreatedAt: now,
		}
		if err := s.db.Store().TxInsert(tx, chunkKey(jobID, chunk.Index), chunk); err != nil {
			return fmt.Errorf("failed to append trace chunk: %w", err)
		}

		state.ChunkCount++
		state.LiveSize += int64(len(data))
		state.UpdatedAt = now
		if err := s.db.Store().TxUpsert(tx, jobID, state); err != nil {
			return fmt.Errorf("failed to update archival state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *TraceStorage) GetChunks(ctx context.Context, jobID string) ([]models.TraceChunk, error) {
	var chunks []models.TraceChunk
	if err := s.db.Store().Find(&chunks, chunksOf(jobID).SortBy("Index")); err != nil {
		return nil, fmt.Errorf("failed to get trace chunks: %w", err)
	}
	return chunks, nil
}

func (s *TraceStorage) CountChunks(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.TraceChunk{}, chunksOf(jobID))
	if err != nil {
		return 0, fmt.Errorf("failed to count trace chunks: %w", err)
	}
	return int(count), nil
}

func (s *TraceStorage) GetState(ctx context.Context, jobID string) (*models.ArchivalState, error) {
	var state models.ArchivalState
	err := s.db.Store().Get(jobID, &state)
	if err == badgerhold.ErrNotFound {
		return models.NewArchivalState(jobID, time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archival state: %w", err)
	}
	return &state, nil
}

func (s *TraceStorage) IncrementAttempts(ctx context.Context, jobID string, maxAttempts int, at time.Time) (*models.ArchivalState, error) {
	var result *models.ArchivalState

	err := s.db.Update(func(tx *badgerdb.Txn) error {
		state, err := s.txState(tx, jobID, at)
		if err != nil {
			return err
		}

		if state.AttemptCount < maxAttempts {
			state.AttemptCount++
		}
		state.LastAttemptAt = &at
		state.UpdatedAt = at

		if err := s.db.Store().TxUpsert(tx, jobID, state); err != nil {
			return fmt.Errorf("failed to update archival state: %w", err)
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *TraceStorage) CommitArchive(ctx context.Context, jobID string, at time.Time) (*models.TraceArtifact, error) {
	var artifact *models.TraceArtifact

	err := s.db.Update(func(tx *badgerdb.Txn) error {
		store := s.db.Store()

		var existing models.TraceArtifact
		err := store.TxGet(tx, jobID, &existing)
		if err == nil {
			return interfaces.ErrArtifactExists
		}
		if err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to check trace artifact: %w", err)
		}

		state, err := s.txState(tx, jobID, at)
		if err != nil {
			return err
		}
		if state.Phase == models.ArchivalPhaseArchived {
			return interfaces.ErrArtifactExists
		}
		if state.Phase == models.ArchivalPhaseCleanedUp {
			return fmt.Errorf("%w: job %s was cleaned up", interfaces.ErrTraceClosed, jobID)
		}

		var chunks []models.TraceChunk
		if err := store.TxFind(tx, &chunks, chunksOf(jobID).SortBy("Index")); err != nil {
			return fmt.Errorf("failed to read trace chunks: %w", err)
		}
		if len(chunks) == 0 {
			return interfaces.ErrNoLiveTrace
		}

		var content bytes.Buffer
		for _, chunk := range chunks {
			content.Write(chunk.Data)
		}
		sum := sha256.Sum256(content.Bytes())

		artifact = &models.TraceArtifact{
			ID:        common.NewArtifactID(),
			JobID:     jobID,
			Size:      int64(content.Len()),
			Checksum:  hex.EncodeToString(sum[:]),
			Content:   content.Bytes(),
			CreatedAt: at,
		}
		if err := store.TxInsert(tx, jobID, artifact); err != nil {
			if err == badgerhold.ErrKeyExists {
				return interfaces.ErrArtifactExists
			}
			return fmt.Errorf("failed to store trace artifact: %w", err)
		}

		if err := store.TxDeleteMatching(tx, &models.TraceChunk{}, chunksOf(jobID)); err != nil {
			return fmt.Errorf("failed to delete live trace: %w", err)
		}

		state.Phase = models.ArchivalPhaseArchived
		state.ArtifactID = artifact.ID
		state.ArchivedAt = &at
		state.LiveSize = 0
		state.UpdatedAt = at
		if err := store.TxUpsert(tx, jobID, state); err != nil {
			return fmt.Errorf("failed to update archival state: %w", err)
		}

		return setJobPending(store, tx, jobID, false)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Str("artifact_id", artifact.ID).
		Int64("size", artifact.Size).
		Msg("Trace archive committed")

	return artifact, nil
}

func (s *TraceStorage) Cleanup(ctx context.Context, jobID string, at time.Time) error {
	return s.db.Update(func(tx *badgerdb.Txn) error {
		store := s.db.Store()

		state, err := s.txState(tx, jobID, at)
		if err != nil {
			return err
		}
		// Archived traces are never discarded
		if state.Phase == models.ArchivalPhaseArchived {
			return nil
		}

		if err := store.TxDeleteMatching(tx, &models.TraceChunk{}, chunksOf(jobID)); err != nil {
			return fmt.Errorf("failed to delete live trace: %w", err)
		}

		if state.Phase != models.ArchivalPhaseCleanedUp {
			state.Phase = models.ArchivalPhaseCleanedUp
			state.CleanedUpAt = &at
		}
		state.LiveSize = 0
		state.UpdatedAt = at
		if err := store.TxUpsert(tx, jobID, state); err != nil {
			return fmt.Errorf("failed to update archival state: %w", err)
		}

		return setJobPending(store, tx, jobID, false)
	})
}

func (s *TraceStorage) GetArtifact(ctx context.Context, jobID string) (*models.TraceArtifact, error) {
	var artifact models.TraceArtifact
	err := s.db.Store().Get(jobID, &artifact)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trace artifact: %w", err)
	}
	return &artifact, nil
}
