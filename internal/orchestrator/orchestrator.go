// Package orchestrator turns an authenticated inbound command into persisted,
// dispatched jobs and tells the requester what happened.
//
// The order of effects for one command is fixed: the inbound message is
// saved, the router is called, then each action becomes a pending job row
// followed by a queue dispatch. All rows of a command live in one
// transaction that commits after every dispatch was attempted, so readers
// never see a half-dispatched batch. A job whose dispatch failed is committed
// as failed. If the transaction itself cannot commit, the dispatched tasks are
// cancelled. The Reconciler fails any committed pending row whose dispatch
// was never confirmed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/notify"
	"slack-ai-gateway/internal/queue"
	"slack-ai-gateway/internal/router"
	"slack-ai-gateway/internal/telemetry"
)

// Requester-facing texts.
const (
	msgNoActions   = "✅ Command received and logged. No specific actions identified."
	msgErrorPrefix = "❌ Error processing request: "
	maxListedIDs   = 3
)

// MessageStore records inbound messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m models.InboundMessage) error
}

// JobBatch is one transaction of job rows.
type JobBatch interface {
	Insert(ctx context.Context, job models.Job) error
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, detail string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// JobStore persists messages and job batches.
type JobStore interface {
	MessageStore
	BeginBatch(ctx context.Context) (JobBatch, error)
}

// Dispatcher submits tasks to the broker.
type Dispatcher interface {
	RouteFor(kind models.JobKind) (queue.Route, error)
	Dispatch(ctx context.Context, t queue.Task) (queue.Task, error)
	Cancel(ctx context.Context, jobID string) error
}

// Router interprets free text into actions.
type Router interface {
	Route(ctx context.Context, text string, rc router.RequestContext) (router.Result, error)
}

// InboundCommand is an authenticated command or event ready for processing.
type InboundCommand struct {
	Kind        models.MessageKind
	Command     string
	Text        string
	UserID      string
	ChannelID   string
	ResponseURL string
	// ThreadTS is set for mentions; workers reply there when no ResponseURL exists.
	ThreadTS    string
	Platform    string
	ReceivedAt  time.Time
}

// Outcome summarizes one handled command.
type Outcome struct {
	MessageID string
	JobIDs    []string
	Failed    []string
}

type Orchestrator struct {
	store      JobStore
	router     Router
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

func New(store JobStore, r Router, d Dispatcher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		router:     r,
		dispatcher: d,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// HandleCommand runs the full pipeline for one command. Every outcome,
// including failures, is reported through resp. The returned error is for
// logging only.
func (o *Orchestrator) HandleCommand(ctx context.Context, cmd InboundCommand, resp notify.Responder) (Outcome, error) {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = o.now()
	}
	if cmd.Kind == "" {
		cmd.Kind = models.MessageCommand
	}
	log := o.logger.With().Str("user_id", cmd.UserID).Str("channel_id", cmd.ChannelID).Str("kind", string(cmd.Kind)).Logger()

	msg := models.NewInboundMessage(cmd.Kind, cmd.ChannelID, cmd.UserID, cmd.Text, cmd.ReceivedAt)
	out := Outcome{MessageID: msg.ID}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		perr := &PersistenceError{Op: "save inbound message", Err: err}
		log.Error().Err(err).Msg("failed to record inbound message")
		o.respond(ctx, resp, log, msgErrorPrefix+"the request could not be recorded")
		return out, perr
	}

	routed, err := o.router.Route(ctx, cmd.Text, router.RequestContext{
		Command:  cmd.Command,
		User:     cmd.UserID,
		Channel:  cmd.ChannelID,
		Platform: cmd.Platform,
	})
	var malformed *router.MalformedResponseError
	switch {
	case errors.As(err, &malformed):
		log.Warn().Err(err).Str("message_id", msg.ID).Msg("malformed completion treated as zero actions")
		routed.Actions = nil
	case err != nil:
		log.Error().Err(err).Str("message_id", msg.ID).Msg("routing failed")
		o.respond(ctx, resp, log, msgErrorPrefix+describe(err))
		return out, err
	}

	if len(routed.Actions) == 0 {
		o.respond(ctx, resp, log, msgNoActions)
		return out, nil
	}

	ids, failed, err := o.createJobs(ctx, msg, cmd, routed.Actions, log)
	out.JobIDs, out.Failed = ids, failed
	if err != nil {
		o.respond(ctx, resp, log, msgErrorPrefix+describe(err))
		return out, err
	}

	if len(ids) == 0 {
		o.respond(ctx, resp, log, msgErrorPrefix+"no job could be dispatched")
		return out, nil
	}
	o.respond(ctx, resp, log, processingText(ids))
	return out, nil
}

// createJobs persists and dispatches one job per action inside one batch.
func (o *Orchestrator) createJobs(ctx context.Context, msg models.InboundMessage, cmd InboundCommand, actions []models.Action, log zerolog.Logger) ([]string, []string, error) {
	batch, err := o.store.BeginBatch(ctx)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "begin batch", Err: err}
	}

	var dispatched, failed []string
	abort := func(perr *PersistenceError) ([]string, []string, error) {
		if err := batch.Rollback(ctx); err != nil {
			log.Error().Err(err).Msg("rollback failed")
		}
		o.cancelAll(ctx, dispatched, log)
		return nil, nil, perr
	}

	for _, action := range actions {
		route, err := o.dispatcher.RouteFor(action.Kind)
		if err != nil {
			log.Error().Err(err).Str("job_kind", string(action.Kind)).Msg("action skipped")
			continue
		}
		params, err := action.Parameters()
		if err != nil {
			log.Error().Err(err).Str("job_kind", string(action.Kind)).Msg("action skipped")
			continue
		}

		job := models.Job{
			ID:          models.NewJobID(),
			Kind:        action.Kind,
			Status:      models.StatusPending,
			UserID:      msg.UserID,
			ChannelID:   msg.ChannelID,
			MessageID:   msg.ID,
			Queue:       route.Queue,
			CallbackURL: cmd.ResponseURL,
			Parameters:  params,
			CreatedAt:   o.now().UTC(),
		}
		if cmd.ThreadTS != "" {
			job.ReplyChannel, job.ReplyThreadTS = cmd.ChannelID, cmd.ThreadTS
		}
		if err := batch.Insert(ctx, job); err != nil {
			return abort(&PersistenceError{Op: "insert job", Err: err})
		}

		_, err = o.dispatcher.Dispatch(ctx, queue.Task{
			JobID:       job.ID,
			Queue:       route.Queue,
			Name:        route.Task,
			Kind:        job.Kind,
			CallbackURL: cmd.ResponseURL,
			Parameters:  params,
		})
		if err != nil {
			derr := &DispatchError{JobID: job.ID, Queue: route.Queue, Err: err}
			telemetry.DispatchFailures.Inc()
			log.Error().Err(derr).Msg("dispatch failed; job marked failed")
			if err := batch.MarkFailed(ctx, job.ID, derr.Error()); err != nil {
				return abort(&PersistenceError{Op: "mark job failed", Err: err})
			}
			failed = append(failed, job.ID)
			continue
		}
		dispatched = append(dispatched, job.ID)

		if err := batch.MarkDispatched(ctx, job.ID, o.now()); err != nil {
			return abort(&PersistenceError{Op: "mark job dispatched", Err: err})
		}
		telemetry.JobsCreated.WithLabelValues(string(job.Kind)).Inc()
		log.Info().Str("job_id", job.ID).Str("queue", route.Queue).Str("task", route.Task).Msg("job dispatched")
	}

	if err := batch.Commit(ctx); err != nil {
		return abort(&PersistenceError{Op: "commit batch", Err: err})
	}
	return dispatched, failed, nil
}

func (o *Orchestrator) cancelAll(ctx context.Context, ids []string, log zerolog.Logger) {
	for _, id := range ids {
		if err := o.dispatcher.Cancel(ctx, id); err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("cancel dispatched task failed")
		}
	}
}

func (o *Orchestrator) respond(ctx context.Context, resp notify.Responder, log zerolog.Logger, text string) {
	if resp == nil {
		return
	}
	if err := resp.Respond(ctx, text); err != nil {
		log.Warn().Err(err).Msg("failed to notify requester")
	}
}

func processingText(ids []string) string {
	listed := ids
	if len(listed) > maxListedIDs {
		listed = listed[:maxListedIDs]
	}
	return fmt.Sprintf("🚀 Processing request with %d job(s). Job IDs: %s", len(ids), strings.Join(listed, ", "))
}

// describe keeps upstream bodies and driver detail out of chat messages.
func describe(err error) string {
	var perr *router.ProviderError
	if errors.As(err, &perr) {
		if perr.StatusCode != 0 {
			return fmt.Sprintf("the %s provider returned status %d", perr.Provider, perr.StatusCode)
		}
		return fmt.Sprintf("the %s provider could not be reached", perr.Provider)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return "the request could not be saved"
	}
	return "internal error"
}
