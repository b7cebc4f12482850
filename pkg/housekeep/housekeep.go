// Package housekeep runs the periodic maintenance loop: rate-limit
// window resets, CPU usage sampling, resource checks, garbage collection
// of aged-out queries and the config file watcher.
package housekeep

import (
	"context"
	"sync"
	"time"

	"querywatch/pkg/config"
	"querywatch/pkg/core"
	"querywatch/pkg/database"
	"querywatch/pkg/logging"
)

// resourceCheckInterval is the cadence of the load and disk checks.
const resourceCheckInterval = 300 * time.Second

// Housekeeper drives all periodic maintenance from a single loop with a
// one second tick.
type Housekeeper struct {
	cfg     *config.Config
	core    *core.Core
	db      *database.DB
	log     *logging.Logger
	watcher *config.Watcher // nil when no config file is watched

	mu      sync.Mutex
	cpuEWMA float64

	lastResourceCheck time.Time
	nextGC            int64 // unix seconds, aligned to the GC interval

	now  func() time.Time // test hook
	tick time.Duration
}

// New creates a housekeeper. watcher may be nil.
func New(cfg *config.Config, c *core.Core, db *database.DB, watcher *config.Watcher, log *logging.Logger) *Housekeeper {
	if log == nil {
		log = logging.Global()
	}
	h := &Housekeeper{
		cfg:     cfg,
		core:    c,
		db:      db,
		log:     log,
		watcher: watcher,
		now:     time.Now,
		tick:    time.Second,
	}
	h.nextGC = h.alignGC(h.now().Unix()) + int64(cfg.History.GCInterval)
	return h
}

func (h *Housekeeper) alignGC(ts int64) int64 {
	interval := int64(h.cfg.History.GCInterval)
	return ts - ts%interval
}

// Run blocks until ctx is cancelled. The config watcher, when present,
// runs alongside and shares the context.
func (h *Housekeeper) Run(ctx context.Context) {
	if h.watcher != nil {
		go func() {
			if err := h.watcher.Start(ctx); err != nil && ctx.Err() == nil {
				h.log.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	h.log.Info("Housekeeper started",
		"gc_interval", h.cfg.History.GCInterval,
		"rate_limit_interval", h.cfg.RateLimit.Interval)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Housekeeper stopped")
			return
		case <-ticker.C:
			h.Step(ctx)
		}
	}
}

// Step performs one housekeeping iteration. Exposed for tests and for
// the final iteration on shutdown.
func (h *Housekeeper) Step(ctx context.Context) {
	now := h.now()

	h.checkRateWindow(now)
	h.sampleCPU(ctx)

	if now.Sub(h.lastResourceCheck) >= resourceCheckInterval {
		h.lastResourceCheck = now
		h.checkResources(ctx)
	}

	if now.Unix() >= h.nextGC {
		h.runGC(now)
		h.nextGC = h.alignGC(now.Unix()) + int64(h.cfg.History.GCInterval)
	}
}

// checkRateWindow resets the per-client rate windows when the configured
// interval has elapsed.
func (h *Housekeeper) checkRateWindow(now time.Time) {
	interval := time.Duration(h.cfg.RateLimit.Interval) * time.Second
	if interval == 0 {
		return
	}
	if now.Sub(h.core.LastRateLimitReset()) >= interval {
		h.core.ResetRateLimitWindows()
	}
}

// runGC evicts aged-out queries from the ring and both SQL tiers.
func (h *Housekeeper) runGC(now time.Time) {
	removed := h.core.RunGC(now, func(mintime int64) error {
		return h.db.DeleteQueriesBefore(mintime)
	})
	if removed > 0 {
		h.log.Info("Garbage collection finished", "removed", removed)
	}

	// Long-term retention rides the same cadence.
	if err := h.db.TrimDisk(now); err != nil {
		h.log.Error("Failed to trim long-term database", "error", err)
	}
}

// CPUUsage returns the smoothed process-wide CPU utilization in percent.
func (h *Housekeeper) CPUUsage() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cpuEWMA
}
