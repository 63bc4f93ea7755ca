package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically sweeps the registry and purges expired workspaces.
// It runs as a background goroutine with its own lifecycle: started on
// process init, stopped by canceling its context. It communicates with
// the rest of the system only through the registry's Sweep contract.
type Reaper struct {
	registry *Registry
	purger   Purger
	ttl      time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	// onSweep, when set, observes each completed sweep. Used for metrics.
	onSweep func(purged int)
}

// ReaperConfig configures sweep timing.
type ReaperConfig struct {
	TTL      time.Duration // idle time after which a session expires
	Schedule string        // cron expression, e.g. "*/30 * * * *". Empty = hourly.
}

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewReaper validates the schedule and builds a Reaper.
func NewReaper(reg *Registry, purger Purger, cfg ReaperConfig, logger *slog.Logger) (*Reaper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", cfg.TTL)
	}
	return &Reaper{
		registry: reg,
		purger:   purger,
		ttl:      cfg.TTL,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// OnSweep registers an observer called after every sweep with the number
// of sessions purged.
func (r *Reaper) OnSweep(fn func(purged int)) { r.onSweep = fn }

// Run blocks, sweeping on the configured schedule until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started",
		slog.Duration("ttl", r.ttl),
		slog.Time("next_sweep", r.schedule.Next(time.Now())),
	)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reaper stopped")
			return
		case <-timer.C:
		}

		purged := r.registry.Sweep(ctx, r.ttl, r.purger)
		if purged > 0 {
			r.logger.Info("sweep completed", slog.Int("purged", purged))
		}
		if r.onSweep != nil {
			r.onSweep(purged)
		}
	}
}
