// Package trace implements the archival capability set of a job's trace on top of the Log Store.
package trace

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
)

// Clock returns the current time; tests substitute a controllable one
type Clock func() time.Time

// Trace is the Log Store backed implementation of interfaces.Trace for one job
type Trace struct {
	job     *models.Job
	storage interfaces.TraceStorage
	policy  Policy
	now     Clock
}

// Provider creates Traces sharing one storage, policy and clock
type Provider struct {
	storage interfaces.TraceStorage
	policy  Policy
	now     Clock
}

// NewProvider creates a trace provider. A nil clock means time.Now.
func NewProvider(storage interfaces.TraceStorage, policy Policy, clock Clock) *Provider {
	if clock == nil {
		clock = time.Now
	}
	return &Provider{
		storage: storage,
		policy:  policy,
		now:     clock,
	}
}

// TraceFor returns the trace of job
func (p *Provider) TraceFor(job *models.Job) interfaces.Trace {
	return &Trace{
		job:     job,
		storage: p.storage,
		policy:  p.policy,
		now:     p.now,
	}
}

func (t *Trace) ArchivalAttemptsAvailable(ctx context.Context) (bool, error) {
	state, err := t.storage.GetState(ctx, t.job.ID)
	if err != nil {
		return false, err
	}
	return state.AttemptCount < t.policy.MaxAttempts, nil
}

func (t *Trace) CanAttemptArchivalNow(ctx context.Context) (bool, error) {
	state, err := t.storage.GetState(ctx, t.job.ID)
	if err != nil {
		return false, err
	}
	if state.LastAttemptAt == nil {
		return true, nil
	}
	next := t.policy.NextAttemptAt(*state.LastAttemptAt, state.AttemptCount)
	return !t.now().Before(next), nil
}

func (t *Trace) HasLiveTrace(ctx context.Context) (bool, error) {
	count, err := t.storage.CountChunks(ctx, t.job.ID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *Trace) Archive(ctx context.Context) error {
	_, err := t.storage.CommitArchive(ctx, t.job.ID, t.now())
	if err == nil {
		return nil
	}

	kind := interfaces.ArchiveErrorStorage
	switch {
	case errors.Is(err, interfaces.ErrArtifactExists):
		kind = interfaces.ArchiveErrorAlreadyArchived
	case errors.Is(err, interfaces.ErrNoLiveTrace):
		kind = interfaces.ArchiveErrorNoLiveTrace
	}
	return &interfaces.ArchiveError{Kind: kind, JobID: t.job.ID, Err: err}
}

func (t *Trace) AttemptArchiveCleanup(ctx context.Context) error {
	return t.storage.Cleanup(ctx, t.job.ID, t.now())
}

func (t *Trace) IncrementArchivalAttempts(ctx context.Context) error {
	_, err := t.storage.IncrementAttempts(ctx, t.job.ID, t.policy.MaxAttempts, t.now())
	return err
}

func (t *Trace) HasArchivedTrace(ctx context.Context) (bool, error) {
	_, err := t.storage.GetArtifact(ctx, t.job.ID)
	if errors.Is(err, interfaces.ErrArtifactNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
