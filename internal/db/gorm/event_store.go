// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/runsift/pkg/models"
)

// EventStore provides event-related database operations.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates a new event store.
func NewEventStore(store *Store) *EventStore {
	return &EventStore{db: store.DB}
}

// Record stores an event and, for deduplicated severities, enqueues it for embedding
// in the same transaction. A zero EventID is replaced with a fresh one.
func (s *EventStore) Record(ctx context.Context, event *models.Event) error {
	if !event.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", event.Severity)
	}
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	event.TS = models.NormalizeTS(event.TS)

	row := &EventRow{
		EventID:     event.EventID,
		RunID:       event.RunID,
		Severity:    event.Severity,
		TS:          event.TS,
		Message:     event.Message,
		DuplicateID: event.DuplicateID,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return enqueue(tx, models.UnprocessedEvent{
			RunID:    event.RunID,
			Severity: event.Severity,
			TS:       event.TS,
		})
	})
}

// GetEvent fetches an event by its (run_id, severity, ts) key.
// Returns ErrEventNotFound if no such event exists.
func (s *EventStore) GetEvent(ctx context.Context, key models.EventKey) (*models.Event, error) {
	var row EventRow
	err := s.db.WithContext(ctx).
		Scopes(eventKeyFilter(key.RunID, key.Severity, key.TS)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetEventByID fetches an event by its identifier.
func (s *EventStore) GetEventByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var row EventRow
	err := s.db.WithContext(ctx).Where("event_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// SetDuplicate links an event to its canonical event. An event that is already
// linked keeps its first link.
func (s *EventStore) SetDuplicate(ctx context.Context, key models.EventKey, canonical uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&EventRow{}).
		Scopes(eventKeyFilter(key.RunID, key.Severity, key.TS)).
		Where("duplicate_id IS NULL").
		Update("duplicate_id", canonical)
	if res.Error != nil {
		return fmt.Errorf("set duplicate: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&EventRow{}).
		Scopes(eventKeyFilter(key.RunID, key.Severity, key.TS)).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrEventNotFound
	}
	log.Debug().Str("event", key.String()).Msg("Event already linked to a canonical event")
	return nil
}

// ListRunEvents returns the events of a run in timestamp order.
func (s *EventStore) ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*models.Event, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []EventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]*models.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].toModel()
	}
	return events, nil
}

// CountDuplicates returns how many events of a run were linked to a canonical event.
func (s *EventStore) CountDuplicates(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EventRow{}).
		Where("run_id = ? AND duplicate_id IS NOT NULL", runID).
		Count(&count).Error
	return count, err
}

// DeleteRunsBefore removes events recorded before cutoff, together with their pending
// queue items, and returns how many events were deleted. Embeddings are kept.
func (s *EventStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = models.NormalizeTS(cutoff)
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("ts < ?", cutoff).Delete(&QueueRow{}).Error; err != nil {
			return fmt.Errorf("delete queue items: %w", err)
		}
		res := tx.Where("ts < ?", cutoff).Delete(&EventRow{})
		if res.Error != nil {
			return fmt.Errorf("delete events: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}
