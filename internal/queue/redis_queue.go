package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"slack-ai-gateway/internal/config"
	"slack-ai-gateway/internal/models"
)

// Task names understood by workers.
const (
	TaskRenderScene    = "render_scene"
	TaskAnalyzeContent = "analyze_content"
)

// ErrNoRoute is returned when a job kind has no configured queue.
var ErrNoRoute = errors.New("no queue route for job kind")

// ErrTaskGone is returned when a task hash was acked or cancelled.
var ErrTaskGone = errors.New("task no longer queued")

// Route is the queue and task name a job kind is dispatched to.
type Route struct {
	Queue string
	Task  string
}

// Task is one unit of queued work. Parameters are the action parameters;
// JobID and CallbackURL travel alongside them.
type Task struct {
	JobID       string
	Queue       string
	Name        string
	Kind        models.JobKind
	CallbackURL string
	Parameters  map[string]any
	Attempts    int
	EnqueuedAt  time.Time
}

// RedisQueue keeps named ready lists plus shared in-flight, scheduled and
// dead-letter structures in Redis.
type RedisQueue struct {
	client        *redis.Client
	routes        map[models.JobKind]Route
	queues        []string
	inflightKey   string
	scheduledKey  string
	taskPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

// NewRedisQueue wraps an existing client. cfg.WorkerQueues are the ready
// lists this process consumes, in priority order.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	queues := cfg.WorkerQueues
	if len(queues) == 0 {
		queues = []string{cfg.RenderQueue, cfg.AnalyzeQueue}
	}
	return &RedisQueue{
		client: client,
		routes: map[models.JobKind]Route{
			models.KindRender:  {Queue: cfg.RenderQueue, Task: TaskRenderScene},
			models.KindAnalyze: {Queue: cfg.AnalyzeQueue, Task: TaskAnalyzeContent},
		},
		queues:        queues,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		taskPrefix:    "queue:task:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

// NewClient builds a go-redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func (q *RedisQueue) readyKey(queue string) string {
	return fmt.Sprintf("queue:ready:%s", queue)
}

func (q *RedisQueue) taskKey(jobID string) string {
	return q.taskPrefix + jobID
}

// RouteFor resolves the queue and task name for a job kind.
func (q *RedisQueue) RouteFor(kind models.JobKind) (Route, error) {
	r, ok := q.routes[kind]
	if !ok || r.Queue == "" {
		return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, kind)
	}
	return r, nil
}

// Dispatch stores the task hash and pushes the job id onto the ready list
// for the job kind. Queue and Name are filled from the route when empty.
func (q *RedisQueue) Dispatch(ctx context.Context, t Task) (Task, error) {
	if t.JobID == "" {
		return t, errors.New("dispatch: job id is required")
	}
	if t.Queue == "" || t.Name == "" {
		r, err := q.RouteFor(t.Kind)
		if err != nil {
			return t, err
		}
		if t.Queue == "" {
			t.Queue = r.Queue
		}
		if t.Name == "" {
			t.Name = r.Task
		}
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return t, fmt.Errorf("marshal parameters: %w", err)
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now().UTC()
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.taskKey(t.JobID), map[string]any{
		"queue":        t.Queue,
		"task":         t.Name,
		"job_id":       t.JobID,
		"job_kind":     string(t.Kind),
		"callback_url": t.CallbackURL,
		"parameters":   string(params),
		"attempts":     t.Attempts,
		"enqueued_at":  t.EnqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, q.readyKey(t.Queue), t.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// Load reads a task hash. It returns redis.Nil when the task does not exist.
func (q *RedisQueue) Load(ctx context.Context, jobID string) (*Task, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	t := &Task{
		JobID:       fields["job_id"],
		Queue:       fields["queue"],
		Name:        fields["task"],
		Kind:        models.JobKind(fields["job_kind"]),
		CallbackURL: fields["callback_url"],
		Parameters:  map[string]any{},
	}
	if t.JobID == "" {
		t.JobID = jobID
	}
	if raw := fields["parameters"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Parameters); err != nil {
			return nil, fmt.Errorf("decode task parameters: %w", err)
		}
	}
	if v := fields["attempts"]; v != "" {
		t.Attempts, _ = strconv.Atoi(v)
	}
	if v := fields["enqueued_at"]; v != "" {
		t.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

// DequeueWithLease pops the first ready job across queues (in order), places
// it in flight with a visibility deadline and loads its task. It returns nil
// when every queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queues ...string) (*Task, error) {
	if len(queues) == 0 {
		queues = q.queues
	}
	keys := make([]string, 0, len(queues)+1)
	for _, name := range queues {
		keys = append(keys, q.readyKey(name))
	}
	keys = append(keys, q.inflightKey)

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	t, err := q.Load(ctx, jobID)
	if errors.Is(err, redis.Nil) {
		// cancelled after being pushed; drop the lease
		return nil, q.client.ZRem(ctx, q.inflightKey, jobID).Err()
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and deletes its task hash.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.taskKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// IncrAttempts bumps the attempt counter on the task hash. A missing hash is
// left missing and reported as ErrTaskGone.
func (q *RedisQueue) IncrAttempts(ctx context.Context, jobID string) (int, error) {
	n, err := incrAttemptsScript.Run(ctx, q.client, []string{q.taskKey(jobID)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrTaskGone
	}
	return n, nil
}

// TaskExists reports whether a job still has a queued, scheduled or leased task.
func (q *RedisQueue) TaskExists(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.taskKey(jobID)).Result()
	return n > 0, err
}

// Retry releases the lease and schedules the job to become ready at runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready lists. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.dueMembers(ctx, q.scheduledKey, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return len(ids), q.moveToReady(ctx, q.scheduledKey, ids)
}

// RequeueExpired reclaims leases that timed out and makes the jobs ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.dueMembers(ctx, q.inflightKey, now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *RedisQueue) dueMembers(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

func (q *RedisQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		name, err := q.client.HGet(ctx, q.taskKey(id), "queue").Result()
		pipe.ZRem(ctx, from, id)
		if err != nil || name == "" {
			// task hash is gone; nothing left to run
			continue
		}
		pipe.RPush(ctx, q.readyKey(name), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Cancel withdraws a dispatched job from every structure and deletes its task.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	name, err := q.client.HGet(ctx, q.taskKey(jobID), "queue").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := q.client.TxPipeline()
	if name != "" {
		pipe.LRem(ctx, q.readyKey(name), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.taskKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of the given ready lists, or of the
// consumed lists when none are named.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queues ...string) (int64, error) {
	if len(queues) == 0 {
		queues = q.queues
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(queues))
	for _, name := range queues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(name)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns how many leases are outstanding.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping checks broker connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

var incrAttemptsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)
