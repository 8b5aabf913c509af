package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/afk"
)

const (
	// dequeuePollWindow bounds the sleep between pending scans while a
	// deferred retry is coming due or the remaining timeout is shorter
	// than one blocking tick.
	dequeuePollWindow = 250 * time.Millisecond
	// dequeueBlockFloor is the shortest wait delegated to BLMOVE. Servers
	// before 6.0 truncate blocking timeouts to whole seconds, turning a
	// sub-second wait into an indefinite block, so shorter waits poll
	// client-side instead.
	dequeueBlockFloor = time.Second
	// dequeueBlockSlice caps one server-side blocking wait so context
	// cancellation and newly deferred retries are noticed promptly.
	dequeueBlockSlice = 5 * time.Second
	// recoveryLockTTL bounds how long a crashed recoverer can wedge the
	// recovery lock.
	recoveryLockTTL = 30 * time.Second
)

// Queue implements afk.TaskQueue and afk.WorkerPresence on Redis. Pending
// and in-flight task ids live in two lists; dequeue moves an id between
// them with LMOVE so a claim survives a worker crash and can be recovered.
// Task records live in a hash keyed by id, worker presence in a sorted set
// scored by expiry.
type Queue struct {
	client     *goredis.Client
	prefix     string
	logger     *slog.Logger
	tracer     afk.Tracer
	retry      afk.RetryPolicy
	maxRetries int
}

var (
	_ afk.TaskQueue      = (*Queue)(nil)
	_ afk.WorkerPresence = (*Queue)(nil)
)

// NewQueue builds a Queue on an existing client. The caller owns the client.
func NewQueue(client *goredis.Client, opts ...Option) *Queue {
	cfg := newConfig(opts)
	return &Queue{
		client:     client,
		prefix:     cfg.prefix,
		logger:     cfg.logger,
		tracer:     cfg.tracer,
		retry:      cfg.retry,
		maxRetries: cfg.maxRetries,
	}
}

func (q *Queue) pendingKey() string      { return q.prefix + ":queue:pending" }
func (q *Queue) inflightKey() string     { return q.prefix + ":queue:inflight" }
func (q *Queue) tasksKey() string        { return q.prefix + ":queue:tasks" }
func (q *Queue) deadKey() string         { return q.prefix + ":queue:dead" }
func (q *Queue) workersKey() string      { return q.prefix + ":queue:workers" }
func (q *Queue) recoveryLockKey() string { return q.prefix + ":queue:recovery-lock" }

func (q *Queue) Enqueue(ctx context.Context, task *afk.Task) error {
	if task == nil {
		return &afk.ConfigError{Field: "task", Reason: "must not be nil"}
	}
	if task.ID == "" {
		task.ID = afk.NewID()
	}
	task.Status = afk.TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return &afk.ConfigError{Field: "task", Reason: err.Error()}
	}
	created, err := q.client.HSetNX(ctx, q.tasksKey(), task.ID, raw).Result()
	if err != nil {
		return fmt.Errorf("redis: enqueue: %w", err)
	}
	if !created {
		return &afk.ConfigError{Field: "task", Reason: "duplicate task id " + task.ID}
	}
	if err := q.client.RPush(ctx, q.pendingKey(), task.ID).Err(); err != nil {
		return fmt.Errorf("redis: enqueue: %w", err)
	}
	q.span(ctx, "queue.enqueue", task.ID)
	q.logger.Debug("task enqueued", "task_id", task.ID, "contract", task.Contract())
	return nil
}

func (q *Queue) EnqueueContract(ctx context.Context, contractID string, payload any, opts ...afk.EnqueueOption) (string, error) {
	if contractID == "" {
		return "", &afk.ConfigError{Field: "contract", Reason: "must not be empty"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &afk.ConfigError{Field: "payload", Reason: err.Error()}
	}
	task := &afk.Task{
		Payload:    raw,
		MaxRetries: q.maxRetries,
	}
	task.SetMeta(afk.TaskMetaExecutionContract, contractID)
	for _, opt := range opts {
		opt(task)
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Dequeue claims the oldest due pending task. Short waits poll with LMOVE;
// waits of a second or more park on BLMOVE so an idle worker costs the
// server one blocked connection instead of a poll loop.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*afk.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, earliest, err := q.claimDue(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		if earliest.IsZero() && remaining >= dequeueBlockFloor {
			wait := remaining
			if wait > dequeueBlockSlice {
				wait = dequeueBlockSlice
			}
			id, err := q.client.BLMove(ctx, q.pendingKey(), q.inflightKey(), "LEFT", "RIGHT", wait).Result()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("redis: dequeue: %w", err)
			}
			task, _, err := q.activate(ctx, id)
			if err != nil {
				return nil, err
			}
			if task != nil {
				return task, nil
			}
			continue
		}

		window := dequeuePollWindow
		if !earliest.IsZero() {
			if until := time.Until(earliest); until < window {
				window = until
			}
		}
		if remaining < window {
			window = remaining
		}
		if window <= 0 {
			window = time.Millisecond
		}
		timer := time.NewTimer(window)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// claimDue scans the pending list once, claiming the first due task. The
// scan is bounded by the list length at entry so ids rotated back to the
// tail are not rescanned in the same pass. Reports the earliest deferred
// due time seen when nothing was claimable.
func (q *Queue) claimDue(ctx context.Context) (*afk.Task, time.Time, error) {
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: dequeue: %w", err)
	}
	var earliest time.Time
	for i := int64(0); i < n; i++ {
		id, err := q.client.LMove(ctx, q.pendingKey(), q.inflightKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return nil, earliest, fmt.Errorf("redis: dequeue: %w", err)
		}
		task, due, err := q.activate(ctx, id)
		if err != nil {
			return nil, earliest, err
		}
		if task != nil {
			return task, earliest, nil
		}
		if !due.IsZero() && (earliest.IsZero() || due.Before(earliest)) {
			earliest = due
		}
	}
	return nil, earliest, nil
}

// activate validates one claimed id and marks its task running. Stale ids
// (terminal, missing or undecodable records) are dropped from the in-flight
// list; deferred ids rotate back to the pending tail and report their due
// time.
func (q *Queue) activate(ctx context.Context, id string) (*afk.Task, time.Time, error) {
	raw, err := q.client.HGet(ctx, q.tasksKey(), id).Result()
	if errors.Is(err, goredis.Nil) {
		q.drop(ctx, id)
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: dequeue: %w", err)
	}
	var task afk.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		q.drop(ctx, id)
		q.logger.Warn("dropping undecodable task record", "task_id", id, "error", err)
		return nil, time.Time{}, nil
	}
	if task.Status.Terminal() || task.Status == afk.TaskRunning {
		q.drop(ctx, id)
		return nil, time.Time{}, nil
	}
	if due, ok := task.NextAttemptAt(); ok && due.After(time.Now()) {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.inflightKey(), 1, id)
		pipe.RPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, time.Time{}, fmt.Errorf("redis: dequeue: %w", err)
		}
		return nil, due, nil
	}
	task.Status = afk.TaskRunning
	task.StartedAt = time.Now()
	updated, err := json.Marshal(&task)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: dequeue: %w", err)
	}
	if err := q.client.HSet(ctx, q.tasksKey(), id, updated).Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: dequeue: %w", err)
	}
	q.span(ctx, "queue.dequeue", id)
	q.logger.Debug("task dequeued", "task_id", id, "retry_count", task.RetryCount)
	return &task, time.Time{}, nil
}

// drop removes a stale id from the in-flight list.
func (q *Queue) drop(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, q.inflightKey(), 1, id).Err(); err != nil {
		q.logger.Warn("failed to drop stale task id", "task_id", id, "error", err)
	}
}

func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return &afk.ConfigError{Field: "result", Reason: err.Error()}
	}
	task, err := q.load(ctx, "complete", id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = afk.TaskCompleted
	task.Result = raw
	task.Error = ""
	task.CompletedAt = time.Now()
	if err := q.settle(ctx, "complete", task, false); err != nil {
		return err
	}
	q.span(ctx, "queue.complete", id)
	q.logger.Debug("task completed", "task_id", id)
	return nil
}

func (q *Queue) Fail(ctx context.Context, id string, errMsg string, retryable bool, policy *afk.RetryPolicy) error {
	task, err := q.load(ctx, "fail", id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Error = errMsg
	now := time.Now()

	if !retryable {
		task.Status = afk.TaskFailed
		task.CompletedAt = now
		task.SetMeta(afk.TaskMetaDeadLetterReason, afk.DeadLetterNonRetryable)
		if err := q.settle(ctx, "fail", task, true); err != nil {
			return err
		}
		q.span(ctx, "queue.fail", id)
		q.logger.Warn("task dead-lettered", "task_id", id, "reason", afk.DeadLetterNonRetryable, "error", errMsg)
		return nil
	}

	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		task.Status = afk.TaskFailed
		task.CompletedAt = now
		task.SetMeta(afk.TaskMetaDeadLetterReason, afk.DeadLetterExhausted)
		if err := q.settle(ctx, "fail", task, true); err != nil {
			return err
		}
		q.span(ctx, "queue.fail", id)
		q.logger.Warn("task dead-lettered", "task_id", id,
			"reason", afk.DeadLetterExhausted, "retry_count", task.RetryCount, "error", errMsg)
		return nil
	}

	delay := task.RetryBackoff(policy, q.retry).Delay(task.RetryCount)
	task.Status = afk.TaskRetrying
	task.SetMeta(afk.TaskMetaNextAttemptAt, now.Add(delay).UnixMilli())
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis: fail: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.tasksKey(), id, raw)
	pipe.LRem(ctx, q.inflightKey(), 1, id)
	pipe.RPush(ctx, q.pendingKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: fail: %w", err)
	}
	q.span(ctx, "queue.retry", id)
	q.logger.Info("task scheduled for retry",
		"task_id", id, "retry_count", task.RetryCount, "delay", delay, "error", errMsg)
	return nil
}

func (q *Queue) Cancel(ctx context.Context, id string) error {
	task, err := q.load(ctx, "cancel", id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}
	task.Status = afk.TaskCancelled
	task.CompletedAt = time.Now()
	if err := q.settle(ctx, "cancel", task, false); err != nil {
		return err
	}
	q.span(ctx, "queue.cancel", id)
	q.logger.Debug("task cancelled", "task_id", id)
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*afk.Task, error) {
	return q.load(ctx, "get", id)
}

func (q *Queue) List(ctx context.Context, status afk.TaskStatus, limit int) ([]*afk.Task, error) {
	fields, err := q.client.HGetAll(ctx, q.tasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}
	out := make([]*afk.Task, 0, len(fields))
	for id, raw := range fields {
		var task afk.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("redis: list: decode %s: %w", id, err)
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDeadLetters walks the dead-letter list in append order.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]*afk.Task, error) {
	return q.deadLetterTasks(ctx, "dead letters", "", limit)
}

// RedriveDeadLetters is the one sanctioned mutation of a terminal task: an
// operator re-enqueues dead-lettered work with a fresh retry budget.
func (q *Queue) RedriveDeadLetters(ctx context.Context, reason string, limit int) (int, error) {
	tasks, err := q.deadLetterTasks(ctx, "redrive dead letters", reason, limit)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, task := range tasks {
		task.Status = afk.TaskPending
		task.Error = ""
		task.RetryCount = 0
		task.CompletedAt = time.Time{}
		task.StartedAt = time.Time{}
		delete(task.Metadata, afk.TaskMetaDeadLetterReason)
		delete(task.Metadata, afk.TaskMetaNextAttemptAt)
		raw, err := json.Marshal(task)
		if err != nil {
			return 0, fmt.Errorf("redis: redrive dead letters: %w", err)
		}
		pipe.HSet(ctx, q.tasksKey(), task.ID, raw)
		pipe.LRem(ctx, q.deadKey(), 1, task.ID)
		pipe.RPush(ctx, q.pendingKey(), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: redrive dead letters: %w", err)
	}
	q.logger.Info("dead letters redriven", "count", len(tasks), "reason", reason)
	return len(tasks), nil
}

func (q *Queue) PurgeDeadLetters(ctx context.Context, reason string, limit int) (int, error) {
	tasks, err := q.deadLetterTasks(ctx, "purge dead letters", reason, limit)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, task := range tasks {
		pipe.HDel(ctx, q.tasksKey(), task.ID)
		pipe.LRem(ctx, q.deadKey(), 1, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: purge dead letters: %w", err)
	}
	q.logger.Info("dead letters purged", "count", len(tasks), "reason", reason)
	return len(tasks), nil
}

// deadLetterTasks resolves dead-letter list ids to task records, filtered
// by reason ("" matches all) and capped at limit when positive. Ids whose
// records vanished are skipped.
func (q *Queue) deadLetterTasks(ctx context.Context, op, reason string, limit int) ([]*afk.Task, error) {
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: %s: %w", op, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.client.HMGet(ctx, q.tasksKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: %s: %w", op, err)
	}
	out := make([]*afk.Task, 0, len(ids))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // record purged out of band
		}
		var task afk.Task
		if err := json.Unmarshal([]byte(str), &task); err != nil {
			return nil, fmt.Errorf("redis: %s: decode %s: %w", op, ids[i], err)
		}
		if task.Status != afk.TaskFailed {
			continue
		}
		r := task.DeadLetterReason()
		if r == "" || (reason != "" && r != reason) {
			continue
		}
		out = append(out, &task)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// load fetches and decodes one task record.
func (q *Queue) load(ctx context.Context, op, id string) (*afk.Task, error) {
	raw, err := q.client.HGet(ctx, q.tasksKey(), id).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, &afk.StoreError{Op: op, Key: id, Err: afk.ErrNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("redis: %s: %w", op, err)
	}
	var task afk.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("redis: %s: %w", op, err)
	}
	return &task, nil
}

// settle writes a terminal task record back and removes its id from both
// work lists in one transaction. Dead-lettered ids are also appended to the
// dead-letter list.
func (q *Queue) settle(ctx context.Context, op string, task *afk.Task, deadLetter bool) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis: %s: %w", op, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.tasksKey(), task.ID, raw)
	pipe.LRem(ctx, q.pendingKey(), 1, task.ID)
	pipe.LRem(ctx, q.inflightKey(), 1, task.ID)
	if deadLetter {
		pipe.RPush(ctx, q.deadKey(), task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: %s: %w", op, err)
	}
	return nil
}

// --- worker presence ---

func (q *Queue) RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	if workerID == "" {
		return &afk.ConfigError{Field: "worker_id", Reason: "must not be empty"}
	}
	member := goredis.Z{Score: float64(time.Now().Add(ttl).UnixMilli()), Member: workerID}
	if err := q.client.ZAdd(ctx, q.workersKey(), member).Err(); err != nil {
		return fmt.Errorf("redis: register worker: %w", err)
	}
	return nil
}

func (q *Queue) RefreshWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	_, err := q.client.ZScore(ctx, q.workersKey(), workerID).Result()
	if errors.Is(err, goredis.Nil) {
		return &afk.StoreError{Op: "refresh_worker", Key: workerID, Err: afk.ErrNotFound}
	}
	if err != nil {
		return fmt.Errorf("redis: refresh worker: %w", err)
	}
	member := goredis.Z{Score: float64(time.Now().Add(ttl).UnixMilli()), Member: workerID}
	if err := q.client.ZAdd(ctx, q.workersKey(), member).Err(); err != nil {
		return fmt.Errorf("redis: refresh worker: %w", err)
	}
	return nil
}

func (q *Queue) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := q.client.ZRem(ctx, q.workersKey(), workerID).Err(); err != nil {
		return fmt.Errorf("redis: unregister worker: %w", err)
	}
	return nil
}

// unlockScript releases the recovery lock only when the caller still holds
// it. Comparing before deleting keeps a slow recoverer from dropping a lock
// that expired and was re-acquired by another worker.
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RecoverInflightIfIdle requeues abandoned in-flight tasks when workerID is
// the only worker still live. A short-lived lock keeps two workers from
// recovering concurrently.
func (q *Queue) RecoverInflightIfIdle(ctx context.Context, workerID string) (int, error) {
	token := afk.NewID()
	locked, err := q.client.SetNX(ctx, q.recoveryLockKey(), token, recoveryLockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: recover inflight: %w", err)
	}
	if !locked {
		return 0, nil // another worker is recovering
	}
	defer func() {
		// Release even when ctx was cancelled mid-recovery.
		unlockCtx := context.WithoutCancel(ctx)
		if err := unlockScript.Run(unlockCtx, q.client, []string{q.recoveryLockKey()}, token).Err(); err != nil {
			q.logger.Warn("failed to release recovery lock", "error", err)
		}
	}()

	nowMillis := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := q.client.ZRemRangeByScore(ctx, q.workersKey(), "-inf", "("+nowMillis).Err(); err != nil {
		return 0, fmt.Errorf("redis: recover inflight: %w", err)
	}
	live, err := q.client.ZRange(ctx, q.workersKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: recover inflight: %w", err)
	}
	if len(live) != 1 || live[0] != workerID {
		return 0, nil
	}

	recovered := 0
	for {
		id, err := q.client.LPop(ctx, q.inflightKey()).Result()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("redis: recover inflight: %w", err)
		}
		raw, err := q.client.HGet(ctx, q.tasksKey(), id).Result()
		if errors.Is(err, goredis.Nil) {
			continue // stale id
		}
		if err != nil {
			return recovered, fmt.Errorf("redis: recover inflight: %w", err)
		}
		var task afk.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.logger.Warn("dropping undecodable task record", "task_id", id, "error", err)
			continue
		}
		if task.Status != afk.TaskRunning {
			continue
		}
		task.Status = afk.TaskPending
		task.StartedAt = time.Time{}
		updated, err := json.Marshal(&task)
		if err != nil {
			return recovered, fmt.Errorf("redis: recover inflight: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.tasksKey(), id, updated)
		pipe.RPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("redis: recover inflight: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Info("in-flight tasks recovered", "count", recovered, "worker_id", workerID)
	}
	return recovered, nil
}

func (q *Queue) span(ctx context.Context, name, taskID string) {
	if q.tracer == nil {
		return
	}
	_, sp := q.tracer.Start(ctx, name, afk.StringAttr("task_id", taskID))
	sp.End()
}
