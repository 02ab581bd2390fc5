package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"slack-ai-gateway/internal/models"
)

// ErrJobNotFound is returned when no committed job row has the id.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveMessage records an inbound message. Messages are immutable, so a
// repeated id is accepted without rewriting the row.
func (s *Store) SaveMessage(ctx context.Context, m models.InboundMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_messages (id, channel_id, user_id, message_text, message_kind, job_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ChannelID, m.UserID, m.Text, string(m.Kind), m.JobID, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}
	return nil
}

// Batch groups the job rows created for one command in a single transaction.
// Rows stay invisible to workers until Commit.
type Batch struct {
	tx  pgx.Tx
	now func() time.Time
}

// BeginBatch opens a transaction for job creation.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Batch{tx: tx, now: s.now}, nil
}

// Insert adds a job row in pending status.
func (b *Batch) Insert(ctx context.Context, job models.Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	now := job.CreatedAt
	if now.IsZero() {
		now = b.now().UTC()
	}
	_, err = b.tx.Exec(ctx, `
		INSERT INTO jobs (id, kind, status, user_id, channel_id, message_id, queue, callback_url, reply_channel, reply_thread_ts, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, job.ID, string(job.Kind), string(models.StatusPending), job.UserID, job.ChannelID, job.MessageID, job.Queue, job.CallbackURL,
		job.ReplyChannel, job.ReplyThreadTS, params, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return appendEvent(ctx, b.tx, job.ID, "created", string(job.Kind))
}

// MarkDispatched records a confirmed dispatch.
func (b *Batch) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	tag, err := b.tx.Exec(ctx, `
		UPDATE jobs SET dispatched_at = $2, updated_at = $2 WHERE id = $1 AND status = $3
	`, id, at.UTC(), string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return appendEvent(ctx, b.tx, id, "dispatched", "")
}

// MarkFailed fails a job whose dispatch could not be confirmed.
func (b *Batch) MarkFailed(ctx context.Context, id string, detail string) error {
	now := b.now().UTC()
	tag, err := b.tx.Exec(ctx, `
		UPDATE jobs SET status = $2, error_detail = $3, updated_at = $4, completed_at = $4
		WHERE id = $1 AND status = $5
	`, id, string(models.StatusFailed), detail, now, string(models.StatusPending))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return appendEvent(ctx, b.tx, id, "status:failed", detail)
}

func (b *Batch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback is a no-op after Commit.
func (b *Batch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

const jobColumns = `id, kind, status, user_id, channel_id, message_id, queue, callback_url, reply_channel, reply_thread_ts, parameters, result, error_detail, dispatched_at, created_at, updated_at, completed_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// TransitionStatus moves a job to status to as a compare-and-set under a
// row lock. A same-status call is a no-op and reports applied=false; a
// regression returns models.ErrInvalidTransition. result is stored only
// on completion and detail only on failure.
func (s *Store) TransitionStatus(ctx context.Context, id string, to models.JobStatus, result map[string]any, detail *string) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, false, err
	}
	if job.Status == to {
		return job, false, nil
	}
	if err := models.CheckTransition(job.Status, to); err != nil {
		return job, false, err
	}

	now := s.now().UTC()
	var resultJSON []byte
	var errDetail *string
	var completedAt *time.Time
	switch to {
	case models.StatusCompleted:
		if result == nil {
			result = map[string]any{}
		}
		if resultJSON, err = json.Marshal(result); err != nil {
			return job, false, fmt.Errorf("marshal result: %w", err)
		}
		completedAt = &now
	case models.StatusFailed:
		errDetail = detail
		if errDetail == nil {
			unknown := "unknown error"
			errDetail = &unknown
		}
		completedAt = &now
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, error_detail = $4, completed_at = $5, updated_at = $6
		WHERE id = $1
	`, id, string(to), resultJSON, errDetail, completedAt, now); err != nil {
		return job, false, fmt.Errorf("update job status: %w", err)
	}
	eventDetail := ""
	if errDetail != nil {
		eventDetail = *errDetail
	}
	if err := appendEvent(ctx, tx, id, "status:"+string(to), eventDetail); err != nil {
		return job, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return job, false, fmt.Errorf("commit: %w", err)
	}

	job.Status = to
	job.UpdatedAt = now
	job.CompletedAt = completedAt
	if to == models.StatusCompleted {
		job.Result = result
	}
	job.ErrorDetail = errDetail
	return job, true, nil
}

// FailOrphanedPending fails pending jobs that were never confirmed as
// dispatched and were created before cutoff. It returns the failed ids.
func (s *Store) FailOrphanedPending(ctx context.Context, cutoff time.Time, detail string) ([]string, error) {
	return s.failPending(ctx, detail, `dispatched_at IS NULL AND created_at < $4`, cutoff.UTC())
}

// ListStaleDispatched returns pending jobs dispatched before cutoff that no
// worker has started.
func (s *Store) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = $1 AND dispatched_at IS NOT NULL AND dispatched_at < $2
		ORDER BY dispatched_at
		LIMIT $3
	`, string(models.StatusPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale dispatched jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect stale dispatched ids: %w", err)
	}
	return ids, nil
}

// FailPending fails the listed jobs that are still pending and returns the ids it changed.
func (s *Store) FailPending(ctx context.Context, ids []string, detail string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.failPending(ctx, detail, `id = ANY($4)`, ids)
}

// failPending moves pending rows matching cond to failed and audits each one.
// cond may reference $4, bound to arg.
func (s *Store) failPending(ctx context.Context, detail, cond string, arg any) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE jobs SET status = $1, error_detail = $2, updated_at = $3, completed_at = $3
		WHERE status = $5 AND `+cond+`
		RETURNING id
	`, string(models.StatusFailed), detail, now, arg, string(models.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("fail pending jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect failed ids: %w", err)
	}
	for _, id := range ids {
		if err := appendEvent(ctx, tx, id, "status:failed", detail); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// AppendEvent adds an audit row for a job.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	return appendEvent(ctx, s.pool, jobID, event, detail)
}

// ListEvents returns a job's audit rows, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobEvent, error) {
		var e models.JobEvent
		err := row.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded)
		return e, err
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, db execer, jobID, event, detail string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var kind, status string
	var paramsJSON, resultJSON []byte
	var errDetail pgtype.Text
	var dispatchedAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &kind, &status, &job.UserID, &job.ChannelID, &job.MessageID, &job.Queue, &job.CallbackURL,
		&job.ReplyChannel, &job.ReplyThreadTS, &paramsJSON, &resultJSON, &errDetail, &dispatchedAt, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrJobNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ErrorDetail = textPtr(errDetail)
	job.DispatchedAt = timePtr(dispatchedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
