package vector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/runsift/pkg/models"
)

// DefaultRefreshInterval is how often a SnapshotStore catches up with its source.
const DefaultRefreshInterval = 2 * time.Second

// DefaultPageSize bounds the rows read from the source per catch-up query.
const DefaultPageSize = 500

// DefaultGapTimeout is how long a skipped sequence number is rescanned for a late commit.
const DefaultGapTimeout = time.Minute

// DefaultGapWindow bounds how far below the newest sequence number gaps are tracked.
const DefaultGapWindow = 1000

// SnapshotConfig configures a SnapshotStore.
type SnapshotConfig struct {
	Name            string
	Dim             int
	RefreshInterval time.Duration
	PageSize        int
	GapTimeout      time.Duration
	GapWindow       int
}

// SnapshotStore writes through to a durable Source and answers searches from an
// in-memory Index that is refreshed from the source change feed on an interval.
// A row inserted now is searchable only after the next refresh.
//
// Sequence numbers are allocated before commit, so concurrent writers can make a
// lower sequence visible after a higher one. Skipped sequence numbers are kept as
// gaps and rescanned until they appear or GapTimeout passes.
type SnapshotStore struct {
	source  Source
	index   *Index
	cfg     SnapshotConfig
	lastSeq int64
	gaps    map[int64]time.Time // seq -> first noticed missing
	now     func() time.Time
	mu      sync.Mutex // serializes refreshes
}

var _ Store = (*SnapshotStore)(nil)

// NewSnapshotStore creates a store over source.
func NewSnapshotStore(source Source, cfg SnapshotConfig) (*SnapshotStore, error) {
	if source == nil {
		return nil, fmt.Errorf("vector source required")
	}
	if cfg.Dim <= 0 {
		cfg.Dim = models.EmbeddingDim
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultGapTimeout
	}
	if cfg.GapWindow <= 0 {
		cfg.GapWindow = DefaultGapWindow
	}
	return &SnapshotStore{
		source: source,
		index:  NewIndex(cfg.Dim),
		cfg:    cfg,
		gaps:   make(map[int64]time.Time),
		now:    time.Now,
	}, nil
}

// Insert persists rec in the source. It is not visible to Search until the next Refresh.
func (s *SnapshotStore) Insert(ctx context.Context, rec models.EmbeddingRecord) error {
	if len(rec.Embedding) != s.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Embedding), s.cfg.Dim)
	}
	if err := s.source.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert %s embedding: %w", s.cfg.Name, err)
	}
	return nil
}

// Search queries the in-memory index.
func (s *SnapshotStore) Search(ctx context.Context, runID uuid.UUID, embedding []float32, k int) ([]models.EmbeddingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.index.Query(runID, embedding, k)
}

// Refresh pulls every source row newer than the last seen sequence, or newer than
// the oldest open gap, into the index. It returns the number of rows added.
func (s *SnapshotStore) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cursor := s.lastSeq
	for seq, since := range s.gaps {
		if now.Sub(since) > s.cfg.GapTimeout {
			delete(s.gaps, seq)
			continue
		}
		if seq-1 < cursor {
			cursor = seq - 1
		}
	}

	added := 0
	for {
		rows, err := s.source.ListAfter(ctx, cursor, s.cfg.PageSize)
		if err != nil {
			return added, fmt.Errorf("refresh %s index: %w", s.cfg.Name, err)
		}
		for _, row := range rows {
			s.observe(row.Seq, now)
			fresh, err := s.index.insert(row.Record)
			if err != nil {
				log.Warn().Err(err).Str("store", s.cfg.Name).Int64("seq", row.Seq).Msg("Skipping malformed embedding row")
			} else if fresh {
				added++
			}
			if row.Seq > cursor {
				cursor = row.Seq
			}
		}
		if len(rows) < s.cfg.PageSize {
			break
		}
	}

	floor := s.lastSeq - int64(s.cfg.GapWindow)
	for seq := range s.gaps {
		if seq <= floor {
			delete(s.gaps, seq)
		}
	}
	return added, nil
}

// observe advances the high-water mark to seq, remembering any sequence numbers
// it skips. A seq at or below the mark closes its gap.
func (s *SnapshotStore) observe(seq int64, now time.Time) {
	if seq <= s.lastSeq {
		delete(s.gaps, seq)
		return
	}
	from := s.lastSeq + 1
	if lowest := seq - int64(s.cfg.GapWindow); from < lowest {
		from = lowest
	}
	for g := from; g < seq; g++ {
		s.gaps[g] = now
	}
	s.lastSeq = seq
}

// Gaps returns the number of skipped sequence numbers still being rescanned.
func (s *SnapshotStore) Gaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gaps)
}

// Warm loads every store's index from its source. A store searched before its first
// load answers as if no embeddings were persisted.
func Warm(ctx context.Context, stores ...*SnapshotStore) error {
	for _, s := range stores {
		n, err := s.Refresh(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("store", s.cfg.Name).Int("rows", n).Msg("Index loaded")
	}
	return nil
}

// Run refreshes the index every RefreshInterval until ctx is cancelled.
func (s *SnapshotStore) Run(ctx context.Context) error {
	if _, err := s.Refresh(ctx); err != nil {
		log.Warn().Err(err).Str("store", s.cfg.Name).Msg("Initial index load failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Refresh(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Str("store", s.cfg.Name).Msg("Index refresh failed")
				continue
			}
			if n > 0 {
				log.Debug().Str("store", s.cfg.Name).Int("rows", n).Int("total", s.index.Len()).Msg("Index caught up")
			}
		}
	}
}

// RefreshInterval returns the configured catch-up interval.
func (s *SnapshotStore) RefreshInterval() time.Duration {
	return s.cfg.RefreshInterval
}

// Len returns the number of searchable rows.
func (s *SnapshotStore) Len() int {
	return s.index.Len()
}
