// Package errortracking records unexpected errors for later inspection.
package errortracking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// DefaultCapacity is the number of recent errors kept in memory
const DefaultCapacity = 100

// TrackedError is one reported error
type TrackedError struct {
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	TrackedAt time.Time         `json:"tracked_at"`
}

// Tracker logs tracked errors and keeps the most recent ones in a ring buffer.
// It implements interfaces.ErrorTracker and never panics.
type Tracker struct {
	logger   arbor.ILogger
	mu       sync.Mutex
	entries  []TrackedError
	next     int
	full     bool
	total    int64
	capacity int
}

// NewTracker creates a tracker keeping up to capacity recent errors (DefaultCapacity if <= 0)
func NewTracker(logger arbor.ILogger, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		logger:   logger,
		entries:  make([]TrackedError, capacity),
		capacity: capacity,
	}
}

// TrackException records err with the given context fields
func (t *Tracker) TrackException(ctx context.Context, err error, fields map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Error tracker panicked")
		}
	}()

	if err == nil {
		return
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	t.mu.Lock()
	t.entries[t.next] = TrackedError{
		Message:   err.Error(),
		Fields:    copied,
		TrackedAt: time.Now(),
	}
	t.next = (t.next + 1) % t.capacity
	if t.next == 0 {
		t.full = true
	}
	t.total++
	t.mu.Unlock()

	keys := make([]string, 0, len(copied))
	for k := range copied {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	event := t.logger.Error().Err(err)
	for _, k := range keys {
		event = event.Str(k, copied[k])
	}
	event.Msg("Exception tracked")
}

// Recent returns tracked errors, newest first
func (t *Tracker) Recent() []TrackedError {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.next
	if t.full {
		count = t.capacity
	}

	result := make([]TrackedError, 0, count)
	for i := 1; i <= count; i++ {
		idx := (t.next - i + t.capacity) % t.capacity
		result = append(result, t.entries[idx])
	}
	return result
}

// Total returns the number of errors tracked since start
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
