// Package vector provides the severity vector stores used for duplicate detection.
package vector

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/thebtf/runsift/pkg/models"
)

// ErrDimensionMismatch is returned when an embedding has the wrong dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Store defines a severity-specific embedding store backed by an approximate
// nearest-neighbour index. Rows become visible to Search some time after Insert
// returns; callers must tolerate that lag.
type Store interface {
	// Insert appends a new embedding row. Inserting the same (run_id, ts) twice is a no-op.
	Insert(ctx context.Context, rec models.EmbeddingRecord) error

	// Search returns up to k rows of runID nearest to embedding by cosine distance.
	Search(ctx context.Context, runID uuid.UUID, embedding []float32, k int) ([]models.EmbeddingRecord, error)
}

// Row is an embedding record with its position in the source change feed.
type Row struct {
	Record models.EmbeddingRecord
	Seq    int64
}

// Source is the durable table behind a SnapshotStore.
type Source interface {
	// Insert persists a row.
	Insert(ctx context.Context, rec models.EmbeddingRecord) error

	// ListAfter returns up to limit rows with Seq greater than afterSeq, ordered by Seq.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]Row, error)
}
