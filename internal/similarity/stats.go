package similarity

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/thebtf/runsift/internal/similarity"

// Outcome is the terminal state of one queue item.
type Outcome string

const (
	OutcomeEmbedded  Outcome = "embedded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
)

// Stats tracks processor counters.
type Stats struct {
	startTime    time.Time
	embedded     atomic.Int64
	duplicates   atomic.Int64
	dropped      atomic.Int64
	itemErrors   atomic.Int64
	fetchErrors  atomic.Int64
	removeErrors atomic.Int64
	batches      atomic.Int64
	evicted      atomic.Int64
	lastBatch    atomic.Int64 // unix nanos
}

// StatsSnapshot is a point-in-time copy of the processor counters.
type StatsSnapshot struct {
	StartTime    time.Time `json:"start_time"`
	LastBatch    time.Time `json:"last_batch,omitempty"`
	Embedded     int64     `json:"embedded"`
	Duplicates   int64     `json:"duplicates"`
	Dropped      int64     `json:"dropped"`
	ItemErrors   int64     `json:"item_errors"`
	FetchErrors  int64     `json:"fetch_errors"`
	RemoveErrors int64     `json:"remove_errors"`
	Batches      int64     `json:"batches"`
	Evicted      int64     `json:"cache_evicted"`
	CacheEntries int       `json:"cache_entries"`
	CacheKeys    int       `json:"cache_keys"`
}

func newStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) recordOutcome(o Outcome) {
	switch o {
	case OutcomeEmbedded:
		s.embedded.Add(1)
	case OutcomeDuplicate:
		s.duplicates.Add(1)
	case OutcomeDropped:
		s.dropped.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		StartTime:    s.startTime,
		Embedded:     s.embedded.Load(),
		Duplicates:   s.duplicates.Load(),
		Dropped:      s.dropped.Load(),
		ItemErrors:   s.itemErrors.Load(),
		FetchErrors:  s.fetchErrors.Load(),
		RemoveErrors: s.removeErrors.Load(),
		Batches:      s.batches.Load(),
		Evicted:      s.evicted.Load(),
	}
	if ns := s.lastBatch.Load(); ns > 0 {
		snap.LastBatch = time.Unix(0, ns)
	}
	return snap
}

// instruments mirrors Stats into OpenTelemetry counters.
type instruments struct {
	processed   metric.Int64Counter
	itemErrors  metric.Int64Counter
	fetchErrors metric.Int64Counter
	evicted     metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	processed, err := meter.Int64Counter("runsift.events.processed",
		metric.WithDescription("Queue items processed, by outcome"))
	if err != nil {
		return nil, err
	}
	itemErrors, err := meter.Int64Counter("runsift.events.errors",
		metric.WithDescription("Queue items dropped after a processing error"))
	if err != nil {
		return nil, err
	}
	fetchErrors, err := meter.Int64Counter("runsift.queue.fetch_errors",
		metric.WithDescription("Failed queue batch fetches"))
	if err != nil {
		return nil, err
	}
	evicted, err := meter.Int64Counter("runsift.cache.evicted",
		metric.WithDescription("Bridging cache entries removed by sweep"))
	if err != nil {
		return nil, err
	}

	return &instruments{
		processed:   processed,
		itemErrors:  itemErrors,
		fetchErrors: fetchErrors,
		evicted:     evicted,
	}, nil
}

func (in *instruments) outcome(ctx context.Context, o Outcome, severity string) {
	in.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(o)),
		attribute.String("severity", severity),
	))
}
