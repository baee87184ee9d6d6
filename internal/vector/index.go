package vector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/thebtf/runsift/pkg/models"
	"github.com/thebtf/runsift/pkg/similarity"
)

// Index is an in-memory cosine top-k index partitioned by run.
// Queries only ever compare against rows of the requested run.
type Index struct {
	runs map[uuid.UUID]*bucket
	dim  int
	mu   sync.RWMutex
	size int
}

type bucket struct {
	records []models.EmbeddingRecord
	mags    []float64
}

// NewIndex creates an empty index for vectors of dim dimensions.
func NewIndex(dim int) *Index {
	return &Index{
		runs: make(map[uuid.UUID]*bucket),
		dim:  dim,
	}
}

// Add inserts a record. Records already present for the same (run_id, ts) are ignored.
func (i *Index) Add(rec models.EmbeddingRecord) error {
	_, err := i.insert(rec)
	return err
}

// insert adds rec and reports whether it was new to the index.
func (i *Index) insert(rec models.EmbeddingRecord) (bool, error) {
	if len(rec.Embedding) != i.dim {
		return false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Embedding), i.dim)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	b, ok := i.runs[rec.RunID]
	if !ok {
		b = &bucket{}
		i.runs[rec.RunID] = b
	}
	for _, existing := range b.records {
		if existing.SameRow(rec) {
			return false, nil
		}
	}
	b.records = append(b.records, rec)
	b.mags = append(b.mags, similarity.Magnitude(rec.Embedding))
	i.size++
	return true, nil
}

// Query returns up to k records of runID ordered by descending cosine similarity.
func (i *Index) Query(runID uuid.UUID, query []float32, k int) ([]models.EmbeddingRecord, error) {
	if len(query) != i.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), i.dim)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	b, ok := i.runs[runID]
	if !ok || len(b.records) == 0 {
		return nil, nil
	}
	qm := similarity.Magnitude(query)
	if qm == 0 {
		return nil, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	scoreds := make([]scored, 0, len(b.records))
	for j, rec := range b.records {
		if b.mags[j] == 0 {
			continue
		}
		scoreds = append(scoreds, scored{idx: j, score: dot(query, rec.Embedding) / (qm * b.mags[j])})
	}
	sort.SliceStable(scoreds, func(a, c int) bool { return scoreds[a].score > scoreds[c].score })

	if k <= 0 || k > len(scoreds) {
		k = len(scoreds)
	}
	out := make([]models.EmbeddingRecord, k)
	for n := 0; n < k; n++ {
		out[n] = b.records[scoreds[n].idx]
	}
	return out, nil
}

// Len returns the number of indexed records.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.size
}

// Runs returns the number of runs with indexed records.
func (i *Index) Runs() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.runs)
}

func dot(a, b []float32) float64 {
	var s float64
	for n := range a {
		s += float64(a[n]) * float64(b[n])
	}
	return s
}
