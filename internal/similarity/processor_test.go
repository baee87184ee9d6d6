package similarity

import (
	"context"
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/runsift/internal/embedding"
	"github.com/thebtf/runsift/internal/sanitize"
	"github.com/thebtf/runsift/internal/vector"
	"github.com/thebtf/runsift/pkg/models"
)

// textVector returns a deterministic pseudo-random embedding for text. Equal texts
// get equal vectors; different texts are close to orthogonal.
func textVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, models.EmbeddingDim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

type fakeQueue struct {
	mu       sync.Mutex
	pending  []models.UnprocessedEvent
	removed  []models.UnprocessedEvent
	fetchErr error
	onFetch  func()
	fetches  int
}

func (q *fakeQueue) push(items ...models.UnprocessedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, items...)
}

func (q *fakeQueue) FetchBatch(_ context.Context, limit int) ([]models.UnprocessedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetches++
	if q.onFetch != nil {
		q.onFetch()
	}
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	n := min(limit, len(q.pending))
	return append([]models.UnprocessedEvent(nil), q.pending[:n]...), nil
}

func (q *fakeQueue) Remove(_ context.Context, item models.UnprocessedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p.Key() == item.Key() {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.removed = append(q.removed, item)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

type fakeEvents struct {
	mu     sync.Mutex
	events map[models.EventKey]*models.Event
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[models.EventKey]*models.Event)}
}

func (f *fakeEvents) add(ev *models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[ev.Key()] = ev
}

func (f *fakeEvents) GetEvent(_ context.Context, key models.EventKey) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[key]
	if !ok {
		return nil, errors.New("event not found")
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeEvents) SetDuplicate(_ context.Context, key models.EventKey, canonical uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[key]
	if !ok {
		return errors.New("event not found")
	}
	if ev.DuplicateID == nil {
		id := canonical
		ev.DuplicateID = &id
	}
	return nil
}

func (f *fakeEvents) get(key models.EventKey) *models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[key]
}

// memSource is an in-memory vector.Source.
type memSource struct {
	mu   sync.Mutex
	rows []vector.Row
}

func (m *memSource) Insert(_ context.Context, rec models.EmbeddingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Record.SameRow(rec) {
			return nil
		}
	}
	m.rows = append(m.rows, vector.Row{Seq: int64(len(m.rows) + 1), Record: rec})
	return nil
}

func (m *memSource) ListAfter(_ context.Context, afterSeq int64, limit int) ([]vector.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []vector.Row
	for _, r := range m.rows {
		if r.Seq > afterSeq {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memSource) count(runID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Record.RunID == runID {
			n++
		}
	}
	return n
}

// leakyStore ignores the run filter, returning every row it has seen.
type leakyStore struct {
	rows []models.EmbeddingRecord
}

func (s *leakyStore) Insert(_ context.Context, rec models.EmbeddingRecord) error {
	s.rows = append(s.rows, rec)
	return nil
}

func (s *leakyStore) Search(context.Context, uuid.UUID, []float32, int) ([]models.EmbeddingRecord, error) {
	return append([]models.EmbeddingRecord(nil), s.rows...), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ProcessorSuite runs the processor against fakes and real snapshot stores whose
// index is refreshed only when a test says so, modelling index lag.
type ProcessorSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *fakeClock
	queue     *fakeQueue
	events    *fakeEvents
	sources   map[models.Severity]*memSource
	stores    map[models.Severity]*vector.SnapshotStore
	embedErr  error
	embedCall int
	proc      *Processor
	base      time.Time
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) SetupTest() {
	s.ctx = context.Background()
	s.base = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.clock = &fakeClock{now: s.base}
	s.queue = &fakeQueue{}
	s.events = newFakeEvents()
	s.embedErr = nil
	s.embedCall = 0

	s.sources = map[models.Severity]*memSource{}
	s.stores = map[models.Severity]*vector.SnapshotStore{}
	stores := map[models.Severity]vector.Store{}
	for _, sev := range models.DeduplicatedSeverities {
		src := &memSource{}
		st, err := vector.NewSnapshotStore(src, vector.SnapshotConfig{Name: sev.String()})
		s.Require().NoError(err)
		s.sources[sev] = src
		s.stores[sev] = st
		stores[sev] = st
	}

	provider := embedding.ProviderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		s.embedCall++
		if s.embedErr != nil {
			return nil, s.embedErr
		}
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = textVector(t)
		}
		return out, nil
	})

	proc, err := New(DefaultConfig(), Deps{
		Queue:     s.queue,
		Events:    s.events,
		Sanitizer: sanitize.New(),
		Provider:  provider,
		Stores:    stores,
	}, WithClock(s.clock.Now))
	s.Require().NoError(err)
	s.proc = proc
}

// submit records an event and queues it, as the ingestion path does.
func (s *ProcessorSuite) submit(runID uuid.UUID, sev models.Severity, offset time.Duration, msg string) *models.Event {
	ev := &models.Event{
		EventID:  uuid.New(),
		RunID:    runID,
		Severity: sev,
		TS:       s.base.Add(offset),
		Message:  msg,
	}
	s.events.add(ev)
	s.queue.push(models.UnprocessedEvent{RunID: runID, Severity: sev, TS: ev.TS})
	return ev
}

func (s *ProcessorSuite) runOnce() int {
	n, err := s.proc.RunOnce(s.ctx)
	s.Require().NoError(err)
	return n
}

func (s *ProcessorSuite) refresh(sev models.Severity) {
	_, err := s.stores[sev].Refresh(s.ctx)
	s.Require().NoError(err)
}

func (s *ProcessorSuite) TestFirstEventIsEmbedded() {
	r1 := uuid.New()
	ev := s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")

	s.Equal(1, s.runOnce())

	s.Equal(1, s.sources[models.SeverityError].count(r1))
	s.Zero(s.sources[models.SeverityCritical].count(r1))
	s.Zero(s.queue.len())
	s.Nil(s.events.get(ev.Key()).DuplicateID)
	s.Equal(int64(1), s.proc.Stats().Embedded)
	s.Equal(1, s.proc.Stats().CacheEntries)
}

func (s *ProcessorSuite) TestVariantIsDuplicateBeforeIndexCatchesUp() {
	r1 := uuid.New()
	first := s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()

	// The index has not been refreshed: only the bridging cache knows about first.
	s.Zero(s.stores[models.SeverityError].Len())

	second := s.submit(r1, models.SeverityError, time.Second, "Connection refused to 10.0.0.9")
	s.runOnce()

	dup := s.events.get(second.Key()).DuplicateID
	s.Require().NotNil(dup)
	s.Equal(first.EventID, *dup)
	s.Equal(1, s.sources[models.SeverityError].count(r1))
	s.Zero(s.queue.len())
	s.Equal(int64(1), s.proc.Stats().Duplicates)
	// Duplicates are not cached.
	s.Equal(1, s.proc.Stats().CacheEntries)
}

func (s *ProcessorSuite) TestVariantIsDuplicateAfterIndexCatchesUp() {
	r1 := uuid.New()
	first := s.submit(r1, models.SeverityCritical, 0, "panic: nil map write in /srv/app/main.go:42")
	s.runOnce()
	s.refresh(models.SeverityCritical)

	second := s.submit(r1, models.SeverityCritical, time.Second, "panic: nil map write in /srv/app/main.go:57")
	s.runOnce()

	dup := s.events.get(second.Key()).DuplicateID
	s.Require().NotNil(dup)
	s.Equal(first.EventID, *dup)
	s.Equal(1, s.sources[models.SeverityCritical].count(r1))
}

func (s *ProcessorSuite) TestRestartedProcessorSeesPersistedEmbeddings() {
	r1 := uuid.New()
	first := s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()

	// A new process starts with an empty cache and fresh indexes over the same tables.
	snaps := make([]*vector.SnapshotStore, 0, len(s.sources))
	stores := map[models.Severity]vector.Store{}
	for sev, src := range s.sources {
		st, err := vector.NewSnapshotStore(src, vector.SnapshotConfig{Name: sev.String()})
		s.Require().NoError(err)
		snaps = append(snaps, st)
		stores[sev] = st
	}
	s.Require().NoError(vector.Warm(s.ctx, snaps...))

	provider := embedding.ProviderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = textVector(t)
		}
		return out, nil
	})
	restarted, err := New(DefaultConfig(), Deps{
		Queue:     s.queue,
		Events:    s.events,
		Sanitizer: sanitize.New(),
		Provider:  provider,
		Stores:    stores,
	}, WithClock(s.clock.Now))
	s.Require().NoError(err)
	s.Zero(restarted.Stats().CacheEntries)

	second := s.submit(r1, models.SeverityError, time.Second, "Connection refused to 10.0.0.9")
	_, err = restarted.RunOnce(s.ctx)
	s.Require().NoError(err)

	dup := s.events.get(second.Key()).DuplicateID
	s.Require().NotNil(dup)
	s.Equal(first.EventID, *dup)
	s.Equal(1, s.sources[models.SeverityError].count(r1))
}

func (s *ProcessorSuite) TestSameMessageInOtherRunIsNotDuplicate() {
	r1, r2 := uuid.New(), uuid.New()
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()
	s.refresh(models.SeverityError)

	other := s.submit(r2, models.SeverityError, time.Second, "Connection refused to 10.0.0.5")
	s.runOnce()

	s.Nil(s.events.get(other.Key()).DuplicateID)
	s.Equal(1, s.sources[models.SeverityError].count(r2))
	s.Equal(int64(2), s.proc.Stats().Embedded)
}

func (s *ProcessorSuite) TestSeveritiesAreSeparate() {
	r1 := uuid.New()
	s.submit(r1, models.SeverityError, 0, "disk full")
	s.runOnce()

	crit := s.submit(r1, models.SeverityCritical, time.Second, "disk full")
	s.runOnce()

	s.Nil(s.events.get(crit.Key()).DuplicateID)
	s.Equal(1, s.sources[models.SeverityCritical].count(r1))
}

func (s *ProcessorSuite) TestDifferentMessagesAreBothEmbedded() {
	r1 := uuid.New()
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.submit(r1, models.SeverityError, time.Second, "assertion failed: expected 3 rows")
	s.Equal(2, s.runOnce())

	s.Equal(2, s.sources[models.SeverityError].count(r1))
	s.Equal(int64(2), s.proc.Stats().Embedded)
}

func (s *ProcessorSuite) TestProviderFailureDropsItem() {
	r1 := uuid.New()
	ev := s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.embedErr = errors.New("model unavailable")

	s.Equal(1, s.runOnce())

	stats := s.proc.Stats()
	s.Equal(int64(1), stats.ItemErrors)
	s.Equal(int64(1), stats.Dropped)
	s.Zero(s.queue.len())
	s.Zero(s.sources[models.SeverityError].count(r1))
	s.Nil(s.events.get(ev.Key()).DuplicateID)
	s.Zero(stats.CacheEntries)
}

func (s *ProcessorSuite) TestMissingEventDropsItem() {
	item := models.UnprocessedEvent{RunID: uuid.New(), Severity: models.SeverityError, TS: s.base}
	s.queue.push(item)

	s.Equal(1, s.runOnce())
	s.Zero(s.queue.len())
	s.Equal(int64(1), s.proc.Stats().ItemErrors)
	s.Zero(s.embedCall)
}

func (s *ProcessorSuite) TestEmptyMessageDropsItem() {
	s.submit(uuid.New(), models.SeverityError, 0, "   \n\t ")

	s.Equal(1, s.runOnce())
	s.Zero(s.queue.len())
	s.Equal(int64(1), s.proc.Stats().ItemErrors)
	s.Zero(s.embedCall)
}

func (s *ProcessorSuite) TestUnknownSeverityDropsItem() {
	s.submit(uuid.New(), models.SeverityWarning, 0, "slow query")

	s.Equal(1, s.runOnce())
	s.Zero(s.queue.len())
	s.Equal(int64(1), s.proc.Stats().ItemErrors)
}

func (s *ProcessorSuite) TestPanicIsContained() {
	s.proc.deps.Sanitizer = sanitize.Func(func(uuid.UUID, string) (string, error) {
		panic("bad rule")
	})
	s.submit(uuid.New(), models.SeverityError, 0, "boom")
	s.submit(uuid.New(), models.SeverityError, time.Second, "boom")

	s.Equal(2, s.runOnce())
	s.Zero(s.queue.len())
	s.Equal(int64(2), s.proc.Stats().ItemErrors)
}

func (s *ProcessorSuite) TestFetchErrorRemovesNothing() {
	s.submit(uuid.New(), models.SeverityError, 0, "boom")
	s.queue.fetchErr = errors.New("connection reset")

	n, err := s.proc.RunOnce(s.ctx)
	s.Error(err)
	s.Zero(n)
	s.Equal(1, s.queue.len())
	s.Empty(s.queue.removed)
	s.Equal(int64(1), s.proc.Stats().FetchErrors)
}

func (s *ProcessorSuite) TestEveryConsumedRowIsRemoved() {
	r1 := uuid.New()
	// One item per terminal state: embedded, duplicate, empty message, missing event.
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.submit(r1, models.SeverityError, time.Second, "Connection refused to 10.0.0.7")
	s.submit(r1, models.SeverityError, 2*time.Second, "")
	s.queue.push(models.UnprocessedEvent{RunID: r1, Severity: models.SeverityCritical, TS: s.base})

	s.Equal(4, s.runOnce())
	s.Zero(s.queue.len())
	s.Len(s.queue.removed, 4)

	stats := s.proc.Stats()
	s.Equal(int64(1), stats.Embedded)
	s.Equal(int64(1), stats.Duplicates)
	s.Equal(int64(2), stats.Dropped)
}

func (s *ProcessorSuite) TestSelfHealingEviction() {
	r1 := uuid.New()
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()
	s.Equal(1, s.proc.Stats().CacheEntries)

	s.refresh(models.SeverityError)

	// The next search of the run returns the first row, so Merge drops its cache
	// entry well before the bridge window ends.
	s.submit(r1, models.SeverityError, time.Second, "assertion failed: expected 3 rows")
	s.runOnce()

	s.Equal(1, s.proc.Stats().CacheEntries)
	rows, retained := s.proc.cache.Merge(r1, models.SeverityError, nil)
	s.Require().Len(retained, 1)
	s.True(retained[0].TS.Equal(s.base.Add(time.Second)))
	s.Len(rows, 1)
}

func (s *ProcessorSuite) TestSweepBoundsCacheLifetime() {
	r1 := uuid.New()
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()
	s.Equal(1, s.proc.Stats().CacheEntries)

	s.clock.Advance(s.proc.Config().BridgeWindow + time.Millisecond)
	s.Equal(1, s.proc.Sweep(s.ctx))
	s.Zero(s.proc.Stats().CacheEntries)
	s.Equal(int64(1), s.proc.Stats().Evicted)
}

func (s *ProcessorSuite) TestSweepRunsOnSchedule() {
	r1 := uuid.New()
	s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.runOnce()

	s.clock.Advance(s.proc.Config().BridgeWindow + time.Second)
	s.proc.maybeSweep(s.ctx)
	s.Zero(s.proc.Stats().CacheEntries)

	s.submit(r1, models.SeverityError, time.Second, "assertion failed")
	s.runOnce()
	s.clock.Advance(time.Second)
	s.proc.maybeSweep(s.ctx)
	// Too early for the next sweep.
	s.Equal(1, s.proc.Stats().CacheEntries)
}

func (s *ProcessorSuite) TestRunStopsBetweenBatches() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	r1 := uuid.New()
	for i := 0; i < 3; i++ {
		s.submit(r1, models.SeverityError, time.Duration(i)*time.Second, "error")
	}
	s.queue.onFetch = cancel

	done := make(chan error, 1)
	go func() { done <- s.proc.Run(ctx) }()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("processor did not stop")
	}

	// The batch fetched before the stop was processed in full.
	s.Zero(s.queue.len())
	s.Equal(1, s.queue.fetches)
}

func TestProcessor_SameRunFilter(t *testing.T) {
	r1, r2 := uuid.New(), uuid.New()
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	leaky := &leakyStore{}
	events := newFakeEvents()
	queue := &fakeQueue{}

	for i, run := range []uuid.UUID{r1, r2} {
		ev := &models.Event{EventID: uuid.New(), RunID: run, Severity: models.SeverityError, TS: base.Add(time.Duration(i) * time.Second), Message: "identical failure"}
		events.add(ev)
		queue.push(models.UnprocessedEvent{RunID: run, Severity: ev.Severity, TS: ev.TS})
	}

	provider := embedding.ProviderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		return [][]float32{textVector(texts[0])}, nil
	})
	proc, err := New(DefaultConfig(), Deps{
		Queue:     queue,
		Events:    events,
		Sanitizer: sanitize.New(),
		Provider:  provider,
		Stores: map[models.Severity]vector.Store{
			models.SeverityError:    leaky,
			models.SeverityCritical: &leakyStore{},
		},
	})
	require.NoError(t, err)

	n, err := proc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, ev := range events.events {
		assert.Nil(t, ev.DuplicateID)
	}
	assert.Len(t, leaky.rows, 2)
}

func TestProcessor_Closest(t *testing.T) {
	run := uuid.New()
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	p := &Processor{cfg: Config{DuplicateDistance: 0.05}}

	// Candidates: the item itself, another run, two inside the band, one far away.
	query := []float32{1, 0, 0}
	self := models.EmbeddingRecord{RunID: run, TS: base}
	candidates := []models.EmbeddingRecord{
		{RunID: run, TS: base, Embedding: []float32{1, 0, 0}},
		{RunID: uuid.New(), TS: base.Add(time.Second), Embedding: []float32{1, 0, 0}},
		{RunID: run, TS: base.Add(2 * time.Second), Embedding: []float32{1, 0.2, 0}},
		{RunID: run, TS: base.Add(3 * time.Second), Embedding: []float32{1, 0.1, 0}},
		{RunID: run, TS: base.Add(4 * time.Second), Embedding: []float32{0, 1, 0}},
	}

	match, ok := p.closest(run, self, query, candidates)
	require.True(t, ok)
	assert.True(t, match.TS.Equal(base.Add(3*time.Second)))

	_, ok = p.closest(run, self, query, candidates[4:])
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	stores := map[models.Severity]vector.Store{
		models.SeverityError:    &leakyStore{},
		models.SeverityCritical: &leakyStore{},
	}
	deps := Deps{
		Queue:     &fakeQueue{},
		Events:    newFakeEvents(),
		Sanitizer: sanitize.New(),
		Provider:  embedding.ProviderFunc(func(context.Context, []string) ([][]float32, error) { return nil, nil }),
		Stores:    stores,
	}

	_, err := New(DefaultConfig(), deps)
	require.NoError(t, err)

	bad := DefaultConfig()
	bad.BatchSize = 0
	_, err = New(bad, deps)
	assert.Error(t, err)

	missing := deps
	missing.Stores = map[models.Severity]vector.Store{models.SeverityError: &leakyStore{}}
	_, err = New(DefaultConfig(), missing)
	assert.ErrorContains(t, err, "CRITICAL")

	noQueue := deps
	noQueue.Queue = nil
	_, err = New(DefaultConfig(), noQueue)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		mutate func(*Config)
		name   string
		valid  bool
	}{
		{name: "defaults", mutate: func(*Config) {}, valid: true},
		{name: "zero band", mutate: func(c *Config) { c.DuplicateDistance = 0 }, valid: true},
		{name: "negative band", mutate: func(c *Config) { c.DuplicateDistance = -0.1 }},
		{name: "band too wide", mutate: func(c *Config) { c.DuplicateDistance = 1 }},
		{name: "no window", mutate: func(c *Config) { c.BridgeWindow = 0 }},
		{name: "no idle", mutate: func(c *Config) { c.IdleInterval = 0 }},
		{name: "no sweep", mutate: func(c *Config) { c.SweepInterval = 0 }},
		{name: "no search limit", mutate: func(c *Config) { c.SearchLimit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.valid {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func (s *ProcessorSuite) TestObserverSeesEveryOutcome() {
	var results []Result
	s.proc.observer = func(r Result) { results = append(results, r) }

	r1 := uuid.New()
	first := s.submit(r1, models.SeverityError, 0, "Connection refused to 10.0.0.5")
	s.submit(r1, models.SeverityError, time.Second, "Connection refused to 10.0.0.6")
	s.submit(r1, models.SeverityError, 2*time.Second, " ")
	s.runOnce()

	s.Require().Len(results, 3)
	s.Equal(OutcomeEmbedded, results[0].Outcome)
	s.Nil(results[0].Canonical)
	s.Equal(OutcomeDuplicate, results[1].Outcome)
	s.Require().NotNil(results[1].Canonical)
	s.Equal(first.EventID, *results[1].Canonical)
	s.Equal(OutcomeDropped, results[2].Outcome)
	s.Contains(results[2].Error, "sanitize")
}
