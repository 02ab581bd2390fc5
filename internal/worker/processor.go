package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/queue"
	"slack-ai-gateway/internal/store"
	"slack-ai-gateway/internal/telemetry"
)

// ErrPermanent marks handler errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent task failure")

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Broker is the queue surface the processor consumes.
type Broker interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context, queues ...string) (*queue.Task, error)
	IncrAttempts(ctx context.Context, jobID string) (int, error)
	Retry(ctx context.Context, jobID string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context, queues ...string) (int64, error)
}

// Reporter records job status and notifies the requester.
type Reporter interface {
	Start(ctx context.Context, jobID string) (models.Job, error)
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID string, detail string) error
}

// Handler executes one task and returns the job result.
type Handler func(ctx context.Context, task queue.Task) (map[string]any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Broker
	reporter Reporter
	handlers map[string]Handler
	workerID string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor; workerID only labels log lines.
func NewProcessor(cfg config.Config, q Broker, reporter Reporter, workerID string, logger zerolog.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	if cfg.JobVisibilityWait <= 0 {
		cfg.JobVisibilityWait = 5 * time.Minute
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		reporter: reporter,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a task name.
func (p *Processor) RegisterHandler(name string, handler Handler) {
	if name == "" || handler == nil {
		return
	}
	p.handlers[name] = handler
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Step(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// Step runs housekeeping and processes at most one task. It reports whether a task was handled.
func (p *Processor) Step(ctx context.Context) bool {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn().Err(err).Msg("promote scheduled failed")
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn().Err(err).Msg("requeue expired failed")
	} else if len(reclaimed) > 0 {
		p.logger.Warn().Strs("job_ids", reclaimed).Msg("requeued tasks with expired leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx, p.cfg.WorkerQueues...); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	task, err := p.queue.DequeueWithLease(ctx, p.cfg.WorkerQueues...)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}
	p.process(ctx, *task)
	return true
}

func (p *Processor) process(ctx context.Context, task queue.Task) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := p.logger.With().Str("job_id", task.JobID).Str("task", task.Name).Logger()

	if _, err := p.reporter.Start(ctx, task.JobID); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidTransition):
			log.Info().Err(err).Msg("job already finished; dropping duplicate delivery")
			p.ack(ctx, task.JobID)
		case errors.Is(err, store.ErrJobNotFound):
			p.awaitRow(ctx, task)
		default:
			log.Error().Err(err).Msg("failed to mark job running")
			p.retry(ctx, task, err)
		}
		return
	}

	handler, ok := p.handlers[task.Name]
	if !ok {
		p.deadLetter(ctx, task, fmt.Sprintf("no handler registered for task %q", task.Name))
		return
	}

	result, err := handler(ctx, task)
	if err != nil {
		if errors.Is(err, ErrPermanent) {
			p.deadLetter(ctx, task, err.Error())
			return
		}
		log.Warn().Err(err).Msg("task attempt failed")
		p.retry(ctx, task, err)
		return
	}

	if err := p.reporter.Complete(ctx, task.JobID, result); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Warn().Err(err).Msg("job finished elsewhere; discarding result")
			p.ack(ctx, task.JobID)
			return
		}
		log.Error().Err(err).Msg("failed to record completion")
		p.retry(ctx, task, err)
		return
	}
	p.ack(ctx, task.JobID)
	telemetry.WorkerSuccess.Inc()
}

// awaitRow re-schedules a task whose job row is not committed yet. These
// waits do not spend attempts; the task is dead-lettered only once it has
// waited longer than JobVisibilityWait since it was enqueued.
func (p *Processor) awaitRow(ctx context.Context, task queue.Task) {
	now := p.now()
	if waited := now.Sub(task.EnqueuedAt); !task.EnqueuedAt.IsZero() && waited > p.cfg.JobVisibilityWait {
		p.deadLetter(ctx, task, fmt.Sprintf("job row not visible %s after dispatch", waited.Round(time.Second)))
		return
	}
	delay := p.cfg.BackoffInitial
	if delay <= 0 {
		delay = time.Second
	}
	if err := p.queue.Retry(ctx, task.JobID, now.Add(delay)); err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Msg("failed to reschedule; lease expiry will requeue")
		return
	}
	p.logger.Debug().Str("job_id", task.JobID).Dur("delay", delay).Msg("job row not visible yet")
}

// retry schedules another attempt with backoff, or dead-letters the task once
// MaxAttempts is reached.
func (p *Processor) retry(ctx context.Context, task queue.Task, cause error) {
	attempts, err := p.queue.IncrAttempts(ctx, task.JobID)
	if errors.Is(err, queue.ErrTaskGone) {
		p.logger.Info().Str("job_id", task.JobID).Msg("task cancelled during attempt; releasing lease")
		p.ack(ctx, task.JobID)
		return
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("failed to bump attempts")
		attempts = task.Attempts + 1
	}
	if attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, task, cause.Error())
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	if err := p.queue.Retry(ctx, task.JobID, p.now().Add(backoff)); err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Msg("failed to schedule retry; lease expiry will requeue")
		return
	}
	telemetry.WorkerFailures.Inc()
	p.logger.Info().Str("job_id", task.JobID).Int("attempts", attempts).Dur("backoff", backoff).Msg("retry scheduled")
}

func (p *Processor) deadLetter(ctx context.Context, task queue.Task, detail string) {
	if err := p.reporter.Fail(ctx, task.JobID, detail); err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Msg("failed to mark job failed")
	}
	p.ack(ctx, task.JobID)
	if err := p.queue.DLQPush(ctx, task.JobID); err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Msg("failed to push to dlq")
	}
	telemetry.WorkerDeadLetter.Inc()
	p.logger.Warn().Str("job_id", task.JobID).Str("error", detail).Msg("task moved to dlq")
}

func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("ack failed")
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(half))
}
