// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/runsift/pkg/models"
)

// GORM Models

// EventRow is a recorded event. Written by ingestion; the similarity worker only
// reads Message and sets DuplicateID.
type EventRow struct {
	TS          time.Time       `gorm:"not null;uniqueIndex:idx_events_key,priority:3"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
	DuplicateID *uuid.UUID      `gorm:"size:36;index"`
	Message     string          `gorm:"type:text;not null"`
	Severity    models.Severity `gorm:"size:16;not null;uniqueIndex:idx_events_key,priority:2"`
	EventID     uuid.UUID       `gorm:"size:36;primaryKey"`
	RunID       uuid.UUID       `gorm:"size:36;not null;uniqueIndex:idx_events_key,priority:1"`
}

func (EventRow) TableName() string { return "events" }

func (r *EventRow) toModel() *models.Event {
	return &models.Event{
		EventID:     r.EventID,
		RunID:       r.RunID,
		Severity:    r.Severity,
		TS:          models.NormalizeTS(r.TS),
		Message:     r.Message,
		DuplicateID: r.DuplicateID,
	}
}

// QueueRow is an event awaiting embedding. The full (run_id, severity, ts) tuple is the key.
// Claim columns let several worker instances dequeue disjoint rows.
type QueueRow struct {
	TS        time.Time       `gorm:"primaryKey"`
	ClaimedAt sql.NullTime    `gorm:"index:idx_unprocessed_claimed_at"`
	ClaimedBy sql.NullString  `gorm:"size:64"`
	Severity  models.Severity `gorm:"primaryKey;size:16"`
	RunID     uuid.UUID       `gorm:"primaryKey;size:36"`
}

func (QueueRow) TableName() string { return "unprocessed_events" }

func (r *QueueRow) toModel() models.UnprocessedEvent {
	return models.UnprocessedEvent{
		RunID:    r.RunID,
		Severity: r.Severity,
		TS:       models.NormalizeTS(r.TS),
	}
}

// EmbeddingRow is a stored embedding of a canonical event. The same struct backs
// every severity table; table routing is done via .Table(name) at the call site.
type EmbeddingRow struct {
	TS        time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	Embedding []byte    `gorm:"not null"`
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	RunID     uuid.UUID `gorm:"size:36;not null"`
}

// embeddingTables maps each deduplicated severity to its embedding table.
var embeddingTables = map[models.Severity]string{
	models.SeverityError:    "error_embeddings",
	models.SeverityCritical: "critical_embeddings",
}

// EmbeddingTable returns the table holding embeddings of the given severity.
func EmbeddingTable(sev models.Severity) (string, bool) {
	table, ok := embeddingTables[sev]
	return table, ok
}
