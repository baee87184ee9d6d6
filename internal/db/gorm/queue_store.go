// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/runsift/pkg/models"
)

// DefaultClaimTimeout is how long a claimed queue row stays reserved for one instance.
const DefaultClaimTimeout = 10 * time.Minute

// claimableFilter matches rows nobody holds, rows held by this instance, and stale claims.
const claimableFilter = "(claimed_by IS NULL OR claimed_by = ? OR claimed_at < ?)"

// QueueStore provides the unprocessed event queue.
type QueueStore struct {
	db           *gorm.DB
	now          func() time.Time
	instanceID   string
	driver       string
	claimTimeout time.Duration
}

// NewQueueStore creates a queue store. instanceID identifies this worker in claim
// columns; an empty value generates a random one.
func NewQueueStore(store *Store, instanceID string, claimTimeout time.Duration) *QueueStore {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &QueueStore{
		db:           store.DB,
		now:          time.Now,
		instanceID:   instanceID,
		driver:       store.Driver(),
		claimTimeout: claimTimeout,
	}
}

// InstanceID returns the claim owner name of this store.
func (s *QueueStore) InstanceID() string {
	return s.instanceID
}

// Enqueue adds an event to the queue. Severities that are not deduplicated are ignored.
func (s *QueueStore) Enqueue(ctx context.Context, item models.UnprocessedEvent) error {
	return enqueue(s.db.WithContext(ctx), item)
}

func enqueue(tx *gorm.DB, item models.UnprocessedEvent) error {
	if !item.Severity.Deduplicated() {
		return nil
	}
	row := &QueueRow{
		RunID:    item.RunID,
		Severity: item.Severity,
		TS:       models.NormalizeTS(item.TS),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// FetchBatch claims up to limit queue rows for this instance and returns them.
// Claimed rows stay in the table until Remove; a crashed instance's claims expire
// after the claim timeout and the rows are handed out again.
func (s *QueueStore) FetchBatch(ctx context.Context, limit int) ([]models.UnprocessedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := models.NormalizeTS(s.now())
	staleBefore := now.Add(-s.claimTimeout)
	var claimed []models.UnprocessedEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where(claimableFilter, s.instanceID, staleBefore).
			Order("ts ASC").
			Limit(limit)
		if s.driver == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []QueueRow
		if err := q.Find(&rows).Error; err != nil {
			return fmt.Errorf("select queue rows: %w", err)
		}

		for i := range rows {
			r := &rows[i]
			res := tx.Model(&QueueRow{}).
				Scopes(eventKeyFilter(r.RunID, r.Severity, r.TS)).
				Where(claimableFilter, s.instanceID, staleBefore).
				Updates(map[string]any{
					"claimed_by": sql.NullString{String: s.instanceID, Valid: true},
					"claimed_at": sql.NullTime{Time: now, Valid: true},
				})
			if res.Error != nil {
				return fmt.Errorf("claim queue row: %w", res.Error)
			}
			if res.RowsAffected == 1 {
				claimed = append(claimed, r.toModel())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		log.Debug().Int("count", len(claimed)).Str("instance", s.instanceID).Msg("Claimed queue rows")
	}
	return claimed, nil
}

// Remove deletes a queue row. Transient failures are retried a few times because a
// row that survives processing would be embedded twice.
func (s *QueueStore) Remove(ctx context.Context, item models.UnprocessedEvent) error {
	return retryTransient(ctx, 3, 100*time.Millisecond, func() error {
		return s.db.WithContext(ctx).
			Scopes(eventKeyFilter(item.RunID, item.Severity, item.TS)).
			Delete(&QueueRow{}).Error
	})
}

// Len returns the number of queued rows, claimed or not.
func (s *QueueStore) Len(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueRow{}).Count(&count).Error
	return count, err
}

// Contains reports whether the queue still holds item.
func (s *QueueStore) Contains(ctx context.Context, item models.UnprocessedEvent) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&QueueRow{}).
		Scopes(eventKeyFilter(item.RunID, item.Severity, item.TS)).
		Count(&count).Error
	return count > 0, err
}
