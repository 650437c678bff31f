package session

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Reaper retires idle, connection-less sessions on a fixed period.
type Reaper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	logger    *log.Logger
}

func NewReaper(registry *Registry, interval, threshold time.Duration, logger *log.Logger) *Reaper {
	return &Reaper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}
}

// Run sweeps the registry every interval until ctx is cancelled. It only
// returns once any in-flight sweep has finished, so callers can wait on
// it during shutdown.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			retired := r.registry.SweepIdle(now, r.threshold)
			if len(retired) > 0 && r.logger != nil {
				r.logger.Info("reaped idle sessions", "count", len(retired), "session_ids", retired)
			}
		}
	}
}
