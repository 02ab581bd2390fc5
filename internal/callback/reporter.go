package callback

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/notify"
)

// StatusStore applies compare-and-set status transitions.
type StatusStore interface {
	TransitionStatus(ctx context.Context, id string, to models.JobStatus, result map[string]any, detail *string) (models.Job, bool, error)
}

// Deliverer sends one callback.
type Deliverer interface {
	Deliver(ctx context.Context, url string, p Payload) bool
}

// ThreadReplier opens a reply in the thread a mention came from.
type ThreadReplier interface {
	ForThread(channel, threadTS string) notify.Responder
}

// Reporter is the worker-side status update path. A callback goes out only
// for the transition that actually moved the job, so replays are silent.
type Reporter struct {
	store      StatusStore
	dispatcher Deliverer
	threads    ThreadReplier
	logger     zerolog.Logger
}

// NewReporter builds a reporter. threads may be nil, in which case jobs
// without a callback url only have their outcome logged.
func NewReporter(store StatusStore, dispatcher Deliverer, threads ThreadReplier, logger zerolog.Logger) *Reporter {
	return &Reporter{
		store:      store,
		dispatcher: dispatcher,
		threads:    threads,
		logger:     logger.With().Str("component", "reporter").Logger(),
	}
}

// Start marks the job running. Store errors (missing row, terminal job) are
// returned for the caller to classify.
func (r *Reporter) Start(ctx context.Context, jobID string) (models.Job, error) {
	job, _, err := r.store.TransitionStatus(ctx, jobID, models.StatusRunning, nil, nil)
	return job, err
}

// Complete stores the result and sends a completed callback.
func (r *Reporter) Complete(ctx context.Context, jobID string, result map[string]any) error {
	job, applied, err := r.store.TransitionStatus(ctx, jobID, models.StatusCompleted, result, nil)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Info().Str("job_id", jobID).Msg("duplicate completion ignored")
		return nil
	}
	r.notify(ctx, job, Payload{
		Status:  models.StatusCompleted,
		JobType: job.Kind,
		JobID:   job.ID,
		Result:  job.Result,
		Text:    fmt.Sprintf("✅ Job %s (%s) completed.", job.ID, job.Kind),
	})
	return nil
}

// Fail stores the error detail and sends a failed callback.
func (r *Reporter) Fail(ctx context.Context, jobID string, detail string) error {
	job, applied, err := r.store.TransitionStatus(ctx, jobID, models.StatusFailed, nil, &detail)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Info().Str("job_id", jobID).Msg("duplicate failure ignored")
		return nil
	}
	r.notify(ctx, job, Payload{
		Status:  models.StatusFailed,
		JobType: job.Kind,
		JobID:   job.ID,
		Error:   detail,
		Text:    fmt.Sprintf("❌ Job %s (%s) failed: %s", job.ID, job.Kind, detail),
	})
	return nil
}

// notify prefers the callback url, then the originating thread.
func (r *Reporter) notify(ctx context.Context, job models.Job, p Payload) {
	switch {
	case job.CallbackURL != "":
		r.dispatcher.Deliver(ctx, job.CallbackURL, p)
	case job.ReplyThreadTS != "" && r.threads != nil:
		if err := r.threads.ForThread(job.ReplyChannel, job.ReplyThreadTS).Respond(ctx, p.Text); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Str("channel_id", job.ReplyChannel).Msg("thread reply failed")
		}
	default:
		r.logger.Info().
			Str("job_id", job.ID).
			Str("status", string(p.Status)).
			Msg("outcome not delivered: job has no reply target")
	}
}
