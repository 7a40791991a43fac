package bridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

// PruneIdle disconnects servers unused for longer than maxIdle and returns
// how many were closed.
func (b *Bridge) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	pruned := 0
	for _, c := range b.registry.snapshot() {
		if time.Unix(0, c.lastUsed.Load()).Before(cutoff) {
			b.logger.Info("pruning idle connection",
				slog.String("server", c.id),
				slog.Duration("max_idle", maxIdle),
			)
			b.Disconnect(c.id)
			pruned++
		}
	}
	return pruned
}

// StartReaper runs PruneIdle on a cron schedule (e.g. "@every 1m") until
// Close or the returned stop function is called. Starting a new reaper
// replaces the previous one.
func (b *Bridge) StartReaper(spec string, maxIdle time.Duration) (stop func(), err error) {
	if maxIdle <= 0 {
		return nil, &domain.ConfigError{Field: "idle_timeout", Reason: "must be positive"}
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { b.PruneIdle(maxIdle) }); err != nil {
		return nil, &domain.ConfigError{Field: "reap_schedule", Reason: fmt.Sprintf("invalid cron spec %q: %v", spec, err)}
	}
	c.Start()

	stop = func() { <-c.Stop().Done() }

	b.reaperMu.Lock()
	prev := b.stopReaper
	b.stopReaper = stop
	b.reaperMu.Unlock()
	if prev != nil {
		prev()
	}

	b.logger.Info("idle connection reaper started",
		slog.String("schedule", spec),
		slog.Duration("max_idle", maxIdle),
	)
	return stop, nil
}
