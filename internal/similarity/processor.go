package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/runsift/internal/dedup"
	"github.com/thebtf/runsift/internal/embedding"
	"github.com/thebtf/runsift/internal/sanitize"
	"github.com/thebtf/runsift/internal/vector"
	"github.com/thebtf/runsift/pkg/models"
	"github.com/thebtf/runsift/pkg/similarity"
)

// Queue is the unprocessed event work table.
type Queue interface {
	FetchBatch(ctx context.Context, limit int) ([]models.UnprocessedEvent, error)
	Remove(ctx context.Context, item models.UnprocessedEvent) error
}

// EventStore reads event text and records duplicate links.
type EventStore interface {
	GetEvent(ctx context.Context, key models.EventKey) (*models.Event, error)
	SetDuplicate(ctx context.Context, key models.EventKey, canonical uuid.UUID) error
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Queue     Queue
	Events    EventStore
	Sanitizer sanitize.Sanitizer
	Provider  embedding.Provider
	// Stores maps each deduplicated severity to its vector store.
	Stores map[models.Severity]vector.Store
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the time source used for the bridging cache and sweep schedule.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

// Observer is told about every processed item. It runs on the processor loop and
// must not block.
type Observer func(Result)

// Result describes how one queue item was handled.
type Result struct {
	Item      models.UnprocessedEvent `json:"item"`
	Outcome   Outcome                 `json:"outcome"`
	Canonical *uuid.UUID              `json:"canonical,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// WithObserver registers a callback receiving each item's Result.
func WithObserver(o Observer) Option {
	return func(p *Processor) {
		p.observer = o
	}
}

// WithMeter sets the OpenTelemetry meter. The global meter is used otherwise.
func WithMeter(m metric.Meter) Option {
	return func(p *Processor) {
		p.meter = m
	}
}

// Processor drains the unprocessed event queue. Each item is embedded, compared with
// the canonical embeddings of its run, and either linked as a duplicate or stored as
// a new canonical embedding. The bridging cache covers inserts the vector stores do
// not return yet.
type Processor struct {
	deps      Deps
	cache     *dedup.Cache
	stats     *Stats
	inst      *instruments
	meter     metric.Meter
	observer  Observer
	now       func() time.Time
	lastSweep time.Time
	cfg       Config
}

// New creates a Processor.
func New(cfg Config, deps Deps, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue required")
	case deps.Events == nil:
		return nil, errors.New("event store required")
	case deps.Sanitizer == nil:
		return nil, errors.New("sanitizer required")
	case deps.Provider == nil:
		return nil, errors.New("embedding provider required")
	}
	for _, sev := range models.DeduplicatedSeverities {
		if deps.Stores[sev] == nil {
			return nil, fmt.Errorf("vector store for %s required", sev)
		}
	}

	p := &Processor{
		deps:  deps,
		cfg:   cfg,
		stats: newStats(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	inst, err := newInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	p.inst = inst
	p.cache = dedup.New(cfg.BridgeWindow, dedup.WithClock(p.now))
	p.lastSweep = p.now()
	return p, nil
}

// Stats returns the current counters together with the cache size.
func (p *Processor) Stats() StatsSnapshot {
	snap := p.stats.Snapshot()
	snap.CacheEntries = p.cache.Len()
	snap.CacheKeys = p.cache.Keys()
	return snap
}

// Config returns the processor configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Run processes batches until ctx is canceled. Cancellation is observed only between
// batches; a fetched batch is always processed to the end.
func (p *Processor) Run(ctx context.Context) error {
	log.Info().
		Int("batch_size", p.cfg.BatchSize).
		Dur("bridge_window", p.cfg.BridgeWindow).
		Float64("duplicate_distance", p.cfg.DuplicateDistance).
		Msg("Similarity processor started")
	defer p.cache.Shutdown()

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Similarity processor stopped")
			return nil
		}

		p.maybeSweep(ctx)

		n, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Msg("Failed to fetch unprocessed events")
			p.sleep(ctx, p.cfg.IdleInterval)
			continue
		}
		if n == 0 {
			p.sleep(ctx, p.cfg.IdleInterval)
		}
	}
}

// RunOnce fetches one batch and processes every item in it. It returns the number of
// items fetched. A fetch error removes nothing; the rows are redelivered later.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	items, err := p.deps.Queue.FetchBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		p.stats.fetchErrors.Add(1)
		p.inst.fetchErrors.Add(ctx, 1)
		return 0, fmt.Errorf("fetch batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	// Items are atomic units of work: a stop request must not abort them halfway.
	itemCtx := context.WithoutCancel(ctx)
	for _, item := range items {
		p.ProcessItem(itemCtx, item)
	}

	p.stats.batches.Add(1)
	p.stats.lastBatch.Store(p.now().UnixNano())
	log.Debug().Int("count", len(items)).Msg("Processed batch")
	return len(items), nil
}

// ProcessItem runs the full pipeline for one queue item and removes it from the
// queue whatever the outcome.
func (p *Processor) ProcessItem(ctx context.Context, item models.UnprocessedEvent) Outcome {
	res := Result{Item: item}
	outcome, canonical, err := p.safeProcess(ctx, item)
	if err != nil {
		outcome = OutcomeDropped
		res.Error = err.Error()
		p.stats.itemErrors.Add(1)
		p.inst.itemErrors.Add(ctx, 1)
		log.Warn().Err(err).
			Str("run_id", item.RunID.String()).
			Str("severity", item.Severity.String()).
			Time("ts", item.TS).
			Msg("Dropping event after processing error")
	}

	if err := p.deps.Queue.Remove(ctx, item); err != nil {
		p.stats.removeErrors.Add(1)
		log.Error().Err(err).
			Str("run_id", item.RunID.String()).
			Str("severity", item.Severity.String()).
			Time("ts", item.TS).
			Msg("Failed to remove queue row")
	}

	p.stats.recordOutcome(outcome)
	p.inst.outcome(ctx, outcome, item.Severity.String())
	if p.observer != nil {
		res.Outcome = outcome
		if canonical != uuid.Nil {
			res.Canonical = &canonical
		}
		p.observer(res)
	}
	return outcome
}

func (p *Processor) safeProcess(ctx context.Context, item models.UnprocessedEvent) (outcome Outcome, canonical uuid.UUID, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("panic while processing event: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.process(ctx, item)
}

func (p *Processor) process(ctx context.Context, item models.UnprocessedEvent) (Outcome, uuid.UUID, error) {
	store, ok := p.deps.Stores[item.Severity]
	if !ok || store == nil {
		return "", uuid.Nil, fmt.Errorf("no vector store for severity %q", item.Severity)
	}

	key := item.Key()
	ev, err := p.deps.Events.GetEvent(ctx, key)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("read event: %w", err)
	}

	text, err := p.deps.Sanitizer.Sanitize(item.RunID, ev.Message)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("sanitize: %w", err)
	}

	vectors, err := p.deps.Provider.Embed(ctx, []string{text})
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return "", uuid.Nil, fmt.Errorf("embed: got %d vectors for 1 text", len(vectors))
	}
	emb := vectors[0]

	rows, err := store.Search(ctx, item.RunID, emb, p.cfg.SearchLimit)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("search %s store: %w", item.Severity, err)
	}
	candidates, _ := p.cache.Merge(item.RunID, item.Severity, rows)

	self := models.EmbeddingRecord{RunID: item.RunID, TS: item.TS}
	if match, ok := p.closest(item.RunID, self, emb, candidates); ok {
		return p.linkDuplicate(ctx, key, match)
	}

	rec := models.EmbeddingRecord{RunID: item.RunID, TS: item.TS, Embedding: emb}
	if err := store.Insert(ctx, rec); err != nil {
		return "", uuid.Nil, fmt.Errorf("insert embedding: %w", err)
	}
	p.cache.Put(item.RunID, item.Severity, item.TS, emb)
	return OutcomeEmbedded, uuid.Nil, nil
}

// closest returns the nearest candidate of the same run whose cosine distance to emb
// lies inside the acceptance band. The item's own row is never a candidate.
func (p *Processor) closest(runID uuid.UUID, self models.EmbeddingRecord, emb []float32, candidates []models.EmbeddingRecord) (models.EmbeddingRecord, bool) {
	var (
		best     models.EmbeddingRecord
		bestDist = math.Inf(1)
		found    bool
	)
	for _, c := range candidates {
		if c.RunID != runID || c.SameRow(self) {
			continue
		}
		d := similarity.CosineDistance(emb, c.Embedding)
		if !similarity.WithinBand(d, p.cfg.DuplicateDistance) {
			continue
		}
		if math.Abs(d) < bestDist {
			best, bestDist, found = c, math.Abs(d), true
		}
	}
	return best, found
}

func (p *Processor) linkDuplicate(ctx context.Context, key models.EventKey, match models.EmbeddingRecord) (Outcome, uuid.UUID, error) {
	canonical, err := p.deps.Events.GetEvent(ctx, models.EventKey{
		RunID:    match.RunID,
		Severity: key.Severity,
		TS:       match.TS,
	})
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("read canonical event: %w", err)
	}
	if err := p.deps.Events.SetDuplicate(ctx, key, canonical.EventID); err != nil {
		return "", uuid.Nil, fmt.Errorf("set duplicate: %w", err)
	}
	log.Debug().
		Str("run_id", key.RunID.String()).
		Str("event", key.String()).
		Str("canonical", canonical.EventID.String()).
		Msg("Linked duplicate event")
	return OutcomeDuplicate, canonical.EventID, nil
}

// Sweep evicts expired bridging cache entries and returns how many were removed.
func (p *Processor) Sweep(ctx context.Context) int {
	n := p.cache.Sweep()
	p.lastSweep = p.now()
	if n > 0 {
		p.stats.evicted.Add(int64(n))
		p.inst.evicted.Add(ctx, int64(n))
		log.Debug().Int("evicted", n).Msg("Swept bridging cache")
	}
	return n
}

func (p *Processor) maybeSweep(ctx context.Context) {
	if p.now().Sub(p.lastSweep) >= p.cfg.SweepInterval {
		p.Sweep(ctx)
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
