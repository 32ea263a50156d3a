package gapline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// DefaultReapInterval is how often expired holds are swept.
	DefaultReapInterval = 5 * time.Second

	// DefaultCompactInterval is how often the WAL size is checked.
	DefaultCompactInterval = time.Minute

	// DefaultCompactThreshold is the record count that triggers compaction.
	DefaultCompactThreshold = 10000
)

// Reaper periodically releases expired holds on one engine. Expired holds are
// already invisible to queries and admission; the reaper turns that into
// committed HoldReleased events so subscribers and the WAL see them go.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper returns a reaper for the engine. A non-positive interval uses
// DefaultReapInterval.
func NewReaper(engine *Engine, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{engine: engine, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled or the engine closes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.engine.ReapExpiredHolds()
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				r.logger.Error("hold reap failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debug("expired holds released", "count", n)
			}
		}
	}
}

// Compactor periodically snapshots an engine's WAL once the record count
// passes the threshold.
type Compactor struct {
	engine    *Engine
	interval  time.Duration
	threshold uint64
	logger    *slog.Logger
}

// NewCompactor returns a compactor for the engine. Non-positive values use
// the defaults.
func NewCompactor(engine *Engine, interval time.Duration, threshold uint64, logger *slog.Logger) *Compactor {
	if interval <= 0 {
		interval = DefaultCompactInterval
	}
	if threshold == 0 {
		threshold = DefaultCompactThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{engine: engine, interval: interval, threshold: threshold, logger: logger}
}

// Run checks and compacts until ctx is cancelled or a compaction attempt
// finds the engine closed.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := c.engine.RecordCount()
			if count < c.threshold {
				continue
			}
			start := time.Now()
			if err := c.engine.Compact(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				c.logger.Error("WAL compaction failed", "error", err)
				continue
			}
			c.logger.Info("WAL compacted",
				"records", count, "elapsed", time.Since(start))
		}
	}
}
