// Package janitor prunes aged data on a schedule: idle sessions and
// terminal background jobs past their retention window.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/internal/workflow"
)

// Config sets the retention windows. A zero TTL disables that sweep.
type Config struct {
	// SessionTTL prunes sessions idle longer than this.
	SessionTTL time.Duration

	// JobTTL prunes terminal jobs finished longer ago than this.
	JobTTL time.Duration

	// Schedule is a cron expression for the sweep cadence.
	// Default: hourly.
	Schedule string
}

// Janitor runs retention sweeps in the background.
type Janitor struct {
	sessions sessions.Store
	jobs     workflow.Store
	cfg      Config
	logger   *observability.Logger
	cron     *cron.Cron
}

// New creates a janitor. Start schedules the sweeps.
func New(store sessions.Store, jobs workflow.Store, cfg Config, logger *observability.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Janitor{
		sessions: store,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger,
		cron:     cron.New(),
	}
}

// Start begins the sweep schedule. No-op when both TTLs are zero.
func (j *Janitor) Start() error {
	if j.cfg.SessionTTL <= 0 && j.cfg.JobTTL <= 0 {
		return nil
	}
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		j.Sweep(context.Background())
	}); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one retention pass. Failures are logged, not propagated: a
// sweep that misses runs again on the next tick.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.cfg.SessionTTL > 0 {
		pruned, err := j.sessions.PruneIdle(ctx, j.cfg.SessionTTL)
		if err != nil {
			j.logger.Error(ctx, "session prune failed", "error", err)
		} else if pruned > 0 {
			j.logger.Info(ctx, "pruned idle sessions", "count", pruned)
		}
	}
	if j.cfg.JobTTL > 0 {
		pruned, err := j.jobs.Prune(ctx, j.cfg.JobTTL)
		if err != nil {
			j.logger.Error(ctx, "job prune failed", "error", err)
		} else if pruned > 0 {
			j.logger.Info(ctx, "pruned finished jobs", "count", pruned)
		}
	}
}
