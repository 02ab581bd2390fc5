package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-ai-gateway/internal/models"
)

// These tests run against a disposable database named by TEST_POSTGRES_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	require.NoError(t, s.RunMigrations(ctx), "migrations must be idempotent")
	return s
}

func seedJob(t *testing.T, s *Store, dispatched bool) models.Job {
	t.Helper()
	ctx := context.Background()
	msg := models.NewInboundMessage(models.MessageCommand, "C1", "U1", "render a spaceship", time.Now())
	require.NoError(t, s.SaveMessage(ctx, msg))
	require.NoError(t, s.SaveMessage(ctx, msg), "saving the same message twice is accepted")

	job := models.Job{
		ID:         models.NewJobID(),
		Kind:       models.KindRender,
		UserID:     msg.UserID,
		ChannelID:  msg.ChannelID,
		MessageID:  msg.ID,
		Queue:      "blender",
		Parameters: map[string]any{"scene": "default.blend"},
	}
	b, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, job))
	if dispatched {
		require.NoError(t, b.MarkDispatched(ctx, job.ID, time.Now()))
	}
	require.NoError(t, b.Commit(ctx))
	require.NoError(t, b.Rollback(ctx))
	return job
}

func TestBatchRollbackLeavesNoJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := models.NewInboundMessage(models.MessageCommand, "C1", "U1", "analyze", time.Now())
	require.NoError(t, s.SaveMessage(ctx, msg))

	b, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	id := models.NewJobID()
	require.NoError(t, b.Insert(ctx, models.Job{ID: id, Kind: models.KindAnalyze, UserID: "U1", ChannelID: "C1", MessageID: msg.ID}))
	require.NoError(t, b.Rollback(ctx))

	_, err = s.GetJob(ctx, id)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestTransitionStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := seedJob(t, s, true)

	got, applied, err := s.TransitionStatus(ctx, job.ID, models.StatusRunning, nil, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusRunning, got.Status)

	_, applied, err = s.TransitionStatus(ctx, job.ID, models.StatusRunning, nil, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	got, applied, err = s.TransitionStatus(ctx, job.ID, models.StatusCompleted, map[string]any{"output_files": []string{"a.png"}}, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NotNil(t, got.CompletedAt)

	_, applied, err = s.TransitionStatus(ctx, job.ID, models.StatusCompleted, map[string]any{"other": true}, nil)
	require.NoError(t, err)
	assert.False(t, applied, "second completion is ignored")

	_, _, err = s.TransitionStatus(ctx, job.ID, models.StatusRunning, nil, nil)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	stored, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Contains(t, stored.Result, "output_files")
	assert.Nil(t, stored.ErrorDetail)

	events, err := s.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Equal(t, []string{"created", "dispatched", "status:running", "status:completed"}, names)
}

func TestTransitionStatusMissingJob(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.TransitionStatus(context.Background(), "job_missing", models.StatusRunning, nil, nil)
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestFailOrphanedPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	orphan := seedJob(t, s, false)
	dispatched := seedJob(t, s, true)

	ids, err := s.FailOrphanedPending(ctx, time.Now().Add(time.Minute), "dispatch not confirmed")
	require.NoError(t, err)
	assert.Contains(t, ids, orphan.ID)
	assert.NotContains(t, ids, dispatched.ID)

	got, err := s.GetJob(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	assert.Equal(t, "dispatch not confirmed", *got.ErrorDetail)
}

func TestStaleDispatchedAndFailPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stale := seedJob(t, s, true)
	undispatched := seedJob(t, s, false)

	ids, err := s.ListStaleDispatched(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Contains(t, ids, stale.ID)
	assert.NotContains(t, ids, undispatched.ID)

	failed, err := s.FailPending(ctx, []string{stale.ID}, "task lost")
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, failed)

	again, err := s.FailPending(ctx, []string{stale.ID}, "task lost")
	require.NoError(t, err)
	assert.Empty(t, again, "only pending rows are failed")

	got, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestReplyTargetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	msg := models.NewInboundMessage(models.MessageMention, "C9", "U2", "render", time.Now())
	require.NoError(t, s.SaveMessage(ctx, msg))

	job := models.Job{
		ID: models.NewJobID(), Kind: models.KindRender, UserID: "U2", ChannelID: "C9", MessageID: msg.ID,
		ReplyChannel: "C9", ReplyThreadTS: "1700000000.000100",
	}
	b, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, job))
	require.NoError(t, b.Commit(ctx))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "C9", got.ReplyChannel)
	assert.Equal(t, "1700000000.000100", got.ReplyThreadTS)
}
