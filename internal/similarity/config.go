// Package similarity implements the worker that embeds new ERROR and CRITICAL events
// and links near-identical events of the same run to their canonical event.
package similarity

import (
	"fmt"
	"time"
)

// Default tuning values. DuplicateDistance and BridgeWindow are operational
// parameters and are normally overridden from settings.
const (
	DefaultDuplicateDistance = 0.01
	DefaultBridgeWindow      = 60 * time.Second
	DefaultSearchLimit       = 10
	DefaultBatchSize         = 100
	DefaultIdleInterval      = time.Second
	DefaultSweepInterval     = 10 * time.Second
)

// Config holds processor tuning.
type Config struct {
	// DuplicateDistance is the half-width of the acceptance band around cosine distance 0.
	DuplicateDistance float64
	// BridgeWindow is the assumed worst-case delay before an insert becomes searchable.
	BridgeWindow  time.Duration
	IdleInterval  time.Duration
	SweepInterval time.Duration
	SearchLimit   int
	BatchSize     int
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		DuplicateDistance: DefaultDuplicateDistance,
		BridgeWindow:      DefaultBridgeWindow,
		IdleInterval:      DefaultIdleInterval,
		SweepInterval:     DefaultSweepInterval,
		SearchLimit:       DefaultSearchLimit,
		BatchSize:         DefaultBatchSize,
	}
}

// Validate checks the configuration for values the processor cannot work with.
func (c Config) Validate() error {
	if c.DuplicateDistance < 0 || c.DuplicateDistance >= 1 {
		return fmt.Errorf("duplicate distance must be in [0, 1), got %v", c.DuplicateDistance)
	}
	if c.BridgeWindow <= 0 {
		return fmt.Errorf("bridge window must be positive, got %s", c.BridgeWindow)
	}
	if c.IdleInterval <= 0 {
		return fmt.Errorf("idle interval must be positive, got %s", c.IdleInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.SearchLimit <= 0 {
		return fmt.Errorf("search limit must be positive, got %d", c.SearchLimit)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	return nil
}
