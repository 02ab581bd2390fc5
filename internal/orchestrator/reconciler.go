package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/telemetry"
)

const (
	orphanDetail    = "dispatch was never confirmed"
	lostTaskDetail  = "queued task was lost before a worker started it"
	staleSweepLimit = 500
)

// OrphanStore fails pending jobs that can no longer run.
type OrphanStore interface {
	FailOrphanedPending(ctx context.Context, cutoff time.Time, detail string) ([]string, error)
	ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	FailPending(ctx context.Context, ids []string, detail string) ([]string, error)
}

// TaskLookup reports whether a job still has a task in the broker.
type TaskLookup interface {
	TaskExists(ctx context.Context, jobID string) (bool, error)
}

// Reconciler periodically fails pending jobs older than grace that either
// were never confirmed as dispatched or whose dispatched task is gone.
type Reconciler struct {
	store    OrphanStore
	tasks    TaskLookup
	grace    time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewReconciler(store OrphanStore, tasks TaskLookup, grace, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:    store,
		tasks:    tasks,
		grace:    grace,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
}

// RunOnce performs a single sweep and returns the failed job ids.
func (r *Reconciler) RunOnce(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.grace)
	ids, err := r.store.FailOrphanedPending(ctx, cutoff, orphanDetail)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.logger.Warn().Strs("job_ids", ids).Msg("failed orphaned pending jobs")
	}

	lost, err := r.failLostTasks(ctx, cutoff)
	if err != nil {
		return ids, err
	}
	ids = append(ids, lost...)
	if len(ids) > 0 {
		telemetry.OrphansFailed.Add(float64(len(ids)))
	}
	return ids, nil
}

// failLostTasks fails dispatched pending jobs whose task hash no longer exists.
func (r *Reconciler) failLostTasks(ctx context.Context, cutoff time.Time) ([]string, error) {
	if r.tasks == nil {
		return nil, nil
	}
	stale, err := r.store.ListStaleDispatched(ctx, cutoff, staleSweepLimit)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range stale {
		ok, err := r.tasks.TaskExists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	failed, err := r.store.FailPending(ctx, missing, lostTaskDetail)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		r.logger.Warn().Strs("job_ids", failed).Msg("failed pending jobs with lost tasks")
	}
	return failed, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("orphan sweep failed")
			}
		}
	}
}
