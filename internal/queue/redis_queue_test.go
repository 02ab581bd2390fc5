package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := config.Config{
		RenderQueue:       "blender",
		AnalyzeQueue:      "llm",
		WorkerQueues:      []string{"blender", "llm"},
		VisibilityTimeout: time.Minute,
		DLQName:           "queue:dlq",
	}
	return NewRedisQueue(client, cfg), mr
}

func TestDispatchRoutesByKind(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	render, err := q.Dispatch(ctx, Task{JobID: "job_1", Kind: models.KindRender, CallbackURL: "https://hooks.example/1", Parameters: map[string]any{"scene": "default.blend"}})
	if err != nil {
		t.Fatalf("dispatch render: %v", err)
	}
	if render.Queue != "blender" || render.Name != TaskRenderScene {
		t.Fatalf("unexpected render route %s/%s", render.Queue, render.Name)
	}
	analyze, err := q.Dispatch(ctx, Task{JobID: "job_2", Kind: models.KindAnalyze, Parameters: map[string]any{"content": "hi"}})
	if err != nil {
		t.Fatalf("dispatch analyze: %v", err)
	}
	if analyze.Queue != "llm" || analyze.Name != TaskAnalyzeContent {
		t.Fatalf("unexpected analyze route %s/%s", analyze.Queue, analyze.Name)
	}

	if got, _ := mr.List("queue:ready:blender"); len(got) != 1 || got[0] != "job_1" {
		t.Fatalf("blender ready list = %v", got)
	}
	if got := mr.HGet("queue:task:job_1", "callback_url"); got != "https://hooks.example/1" {
		t.Fatalf("callback_url = %q", got)
	}

	if _, err := q.Dispatch(ctx, Task{JobID: "job_3", Kind: models.JobKind("video")}); err == nil {
		t.Fatalf("expected an error for an unrouted kind")
	}
}

func TestDequeueLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if _, err := q.Dispatch(ctx, Task{JobID: "job_a", Kind: models.KindAnalyze, Parameters: map[string]any{"content": "x"}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := q.Dispatch(ctx, Task{JobID: "job_r", Kind: models.KindRender, Parameters: map[string]any{"scene": "s"}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// blender is listed first so the render job wins
	task, err := q.DequeueWithLease(ctx)
	if err != nil || task == nil {
		t.Fatalf("dequeue: task=%v err=%v", task, err)
	}
	if task.JobID != "job_r" || task.Name != TaskRenderScene || task.Parameters["scene"] != "s" {
		t.Fatalf("unexpected task %+v", task)
	}
	if !mr.Exists("queue:inflight") {
		t.Fatalf("expected an in-flight lease")
	}

	if err := q.Ack(ctx, task.JobID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("queue:task:job_r") {
		t.Fatalf("ack must delete the task hash")
	}

	task, err = q.DequeueWithLease(ctx, "llm")
	if err != nil || task == nil || task.JobID != "job_a" {
		t.Fatalf("dequeue llm: task=%v err=%v", task, err)
	}

	task, err = q.DequeueWithLease(ctx)
	if err != nil || task != nil {
		t.Fatalf("expected empty queues, got task=%v err=%v", task, err)
	}
}

func TestRetryAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Dispatch(ctx, Task{JobID: "job_1", Kind: models.KindRender}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	task, _ := q.DequeueWithLease(ctx)
	if task == nil {
		t.Fatalf("expected task")
	}
	attempts, err := q.IncrAttempts(ctx, task.JobID)
	if err != nil || attempts != 1 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}

	runAt := time.Now().Add(time.Second)
	if err := q.Retry(ctx, task.JobID, runAt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("promoted %d before due", n)
	}
	if n, _ := q.PromoteScheduled(ctx, runAt.Add(time.Millisecond), 10); n != 1 {
		t.Fatalf("expected one promotion, got %d", n)
	}

	task, _ = q.DequeueWithLease(ctx)
	if task == nil || task.Attempts != 1 {
		t.Fatalf("expected retried task with attempts=1, got %+v", task)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Dispatch(ctx, Task{JobID: "job_1", Kind: models.KindAnalyze}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if task, _ := q.DequeueWithLease(ctx); task == nil {
		t.Fatalf("expected task")
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("requeue: ids=%v err=%v", ids, err)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("ready depth = %d", depth)
	}
}

func TestCancelWithdrawsDispatch(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if _, err := q.Dispatch(ctx, Task{JobID: "job_1", Kind: models.KindRender}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.Cancel(ctx, "job_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if mr.Exists("queue:task:job_1") {
		t.Fatalf("task hash should be gone")
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("ready depth = %d", depth)
	}
}

func TestIncrAttemptsAfterCancel(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if _, err := q.Dispatch(ctx, Task{JobID: "job_1", Kind: models.KindRender}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n, err := q.IncrAttempts(ctx, "job_1"); err != nil || n != 1 {
		t.Fatalf("incr attempts = %d, %v", n, err)
	}
	if ok, _ := q.TaskExists(ctx, "job_1"); !ok {
		t.Fatalf("task should exist before cancel")
	}

	if err := q.Cancel(ctx, "job_1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := q.IncrAttempts(ctx, "job_1"); !errors.Is(err, ErrTaskGone) {
		t.Fatalf("expected ErrTaskGone, got %v", err)
	}
	if mr.Exists("queue:task:job_1") {
		t.Fatalf("incrementing a cancelled task must not recreate its hash")
	}
	if ok, _ := q.TaskExists(ctx, "job_1"); ok {
		t.Fatalf("task should be gone after cancel")
	}
}

func TestDLQAndPing(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	if err := q.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	_ = q.DLQPush(ctx, "job_1")
	_ = q.DLQPush(ctx, "job_2")
	ids, err := q.DLQPeek(ctx, 10)
	if err != nil || len(ids) != 2 || ids[0] != "job_1" {
		t.Fatalf("dlq peek = %v err=%v", ids, err)
	}

	mr.Close()
	if err := q.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail once redis is gone")
	}
}
