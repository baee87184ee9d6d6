package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the dimensionality of sentence embeddings produced for events.
const EmbeddingDim = 384

// NormalizeTS converts a timestamp to the precision the stores keep (UTC, microseconds),
// so that keys survive a database round trip unchanged.
func NormalizeTS(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}

// EventKey identifies a recorded event.
type EventKey struct {
	RunID    uuid.UUID `json:"run_id"`
	Severity Severity  `json:"severity"`
	TS       time.Time `json:"ts"`
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RunID, k.Severity, k.TS.Format(time.RFC3339Nano))
}

// UnprocessedEvent is a queue row awaiting embedding. The full tuple is its identity.
type UnprocessedEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	Severity Severity  `json:"severity"`
	TS       time.Time `json:"ts"`
}

// Key returns the event key this queue row refers to.
func (u UnprocessedEvent) Key() EventKey {
	return EventKey{RunID: u.RunID, Severity: u.Severity, TS: u.TS}
}

// Event is a recorded log line of a test run.
// DuplicateID, when set, points to the EventID of the canonical event it duplicates.
type Event struct {
	DuplicateID *uuid.UUID `json:"duplicate_id,omitempty"`
	TS          time.Time  `json:"ts"`
	Message     string     `json:"message"`
	Severity    Severity   `json:"severity"`
	EventID     uuid.UUID  `json:"event_id"`
	RunID       uuid.UUID  `json:"run_id"`
}

// Key returns the event key.
func (e *Event) Key() EventKey {
	return EventKey{RunID: e.RunID, Severity: e.Severity, TS: e.TS}
}

// IsDuplicate reports whether the event was linked to a canonical event.
func (e *Event) IsDuplicate() bool {
	return e.DuplicateID != nil
}

// EmbeddingRecord is a stored embedding of a canonical event.
type EmbeddingRecord struct {
	TS        time.Time `json:"ts"`
	Embedding []float32 `json:"embedding"`
	RunID     uuid.UUID `json:"run_id"`
}

// SameRow reports whether two records refer to the same (run_id, ts) row.
func (r EmbeddingRecord) SameRow(other EmbeddingRecord) bool {
	return r.RunID == other.RunID && r.TS.Equal(other.TS)
}
