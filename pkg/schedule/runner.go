package schedule

import (
	"context"
	"time"

	"github.com/whaletrack-dev/api/pkg/logging"
	"github.com/whaletrack-dev/api/pkg/runs"
	"github.com/whaletrack-dev/api/pkg/updates"
	"go.uber.org/zap"
)

// pollInterval is how often the runner re-evaluates the schedule
const pollInterval = 30 * time.Second

// Runner triggers full update checks when the computed schedule time
// arrives. It never blocks callers: a triggered refresh completes or fails
// on its own and its outcome lands in the run ledger.
type Runner struct {
	calculator   *Calculator
	orchestrator *updates.Orchestrator
	ledger       runs.Ledger
	cfg          JobConfig
}

// NewRunner creates a scheduler runner for the update-check job
func NewRunner(calculator *Calculator, orchestrator *updates.Orchestrator, ledger runs.Ledger, cfg JobConfig) *Runner {
	return &Runner{
		calculator:   calculator,
		orchestrator: orchestrator,
		ledger:       ledger,
		cfg:          cfg,
	}
}

// Start runs the scheduling loop until ctx is cancelled
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		logging.Logger.Info("Scheduled update checks disabled")
		return
	}

	logging.Logger.Info("Scheduled update checks enabled",
		zap.Int("interval_minutes", r.cfg.IntervalMinutes))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	recent, err := r.ledger.Recent(ctx, runs.JobTypeUpdateCheck)
	if err != nil {
		logging.Logger.Error("Failed to read run history", zap.Error(err))
		return
	}

	next, ok := r.calculator.ComputeNext(runs.JobTypeUpdateCheck, r.cfg, recent)
	if !ok || time.Now().Before(next) {
		return
	}

	logging.Logger.Info("Scheduled update check starting",
		zap.Time("scheduled_for", next))

	_, err = r.orchestrator.GetCurrent(ctx, updates.Options{ForceFullRefresh: true})
	switch {
	case err == nil:
		logging.Logger.Info("Scheduled update check finished")
	case updates.IsRateLimit(err):
		// Retryable; the next tick after the breaker closes will run it
		logging.Logger.Warn("Scheduled update check deferred by rate limit")
	default:
		logging.Logger.Error("Scheduled update check failed", zap.Error(err))
	}
}

// NextScheduled exposes the computed next run time for the HTTP layer
func (r *Runner) NextScheduled(ctx context.Context) (time.Time, bool, error) {
	recent, err := r.ledger.Recent(ctx, runs.JobTypeUpdateCheck)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := r.calculator.ComputeNext(runs.JobTypeUpdateCheck, r.cfg, recent)
	return next, ok, nil
}
