// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/runsift/internal/vector"
	"github.com/thebtf/runsift/pkg/models"
)

// EmbeddingStore is the durable embedding table of one severity. It is the
// vector.Source behind a snapshot store.
type EmbeddingStore struct {
	db       *gorm.DB
	table    string
	severity models.Severity
}

// NewEmbeddingStore returns the embedding store for sev.
func NewEmbeddingStore(store *Store, sev models.Severity) (*EmbeddingStore, error) {
	table, ok := EmbeddingTable(sev)
	if !ok {
		return nil, fmt.Errorf("no embedding table for severity %s", sev)
	}
	return &EmbeddingStore{db: store.DB, table: table, severity: sev}, nil
}

// Table returns the backing table name.
func (s *EmbeddingStore) Table() string {
	return s.table
}

// Severity returns the severity this store holds.
func (s *EmbeddingStore) Severity() models.Severity {
	return s.severity
}

// Insert stores an embedding. A second insert of the same (run_id, ts) is a no-op.
func (s *EmbeddingStore) Insert(ctx context.Context, rec models.EmbeddingRecord) error {
	row := &EmbeddingRow{
		RunID:     rec.RunID,
		TS:        models.NormalizeTS(rec.TS),
		Embedding: vector.EncodeEmbedding(rec.Embedding),
	}
	err := s.db.WithContext(ctx).Table(s.table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "ts"}},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

// ListAfter returns up to limit rows with a sequence number greater than afterSeq,
// in sequence order.
func (s *EmbeddingStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]vector.Row, error) {
	var rows []EmbeddingRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("id > ?", afterSeq).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}

	out := make([]vector.Row, 0, len(rows))
	for i := range rows {
		emb, err := vector.DecodeEmbedding(rows[i].Embedding)
		if err != nil {
			return nil, fmt.Errorf("decode %s row %d: %w", s.table, rows[i].ID, err)
		}
		out = append(out, vector.Row{
			Seq: rows[i].ID,
			Record: models.EmbeddingRecord{
				RunID:     rows[i].RunID,
				TS:        models.NormalizeTS(rows[i].TS),
				Embedding: emb,
			},
		})
	}
	return out, nil
}

// Exists reports whether an embedding for (run_id, ts) is stored.
func (s *EmbeddingStore) Exists(ctx context.Context, runID uuid.UUID, ts time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(s.table).
		Where("run_id = ? AND ts = ?", runID, models.NormalizeTS(ts)).
		Count(&count).Error
	return count > 0, err
}

// CountByRun returns the number of canonical embeddings stored for a run.
func (s *EmbeddingStore) CountByRun(ctx context.Context, runID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Table(s.table).Where("run_id = ?", runID).Count(&count).Error
	return count, err
}
