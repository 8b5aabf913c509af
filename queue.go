package afk

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Task metadata keys. Retry overrides are float seconds so they survive a
// JSON round-trip through any backend.
const (
	TaskMetaExecutionContract = "execution_contract"
	TaskMetaNextAttemptAt     = "next_attempt_at" // unix millis
	TaskMetaDeadLetterReason  = "dead_letter_reason"
	TaskMetaRetryBackoffBase  = "retry_backoff_base_s"
	TaskMetaRetryBackoffMax   = "retry_backoff_max_s"
	TaskMetaRetryJitter       = "retry_backoff_jitter_s"
)

// Dead-letter reasons recorded on failed tasks.
const (
	DeadLetterNonRetryable = "non_retryable_error"
	DeadLetterExhausted    = "retry_budget_exhausted"
)

// dequeuePollWindow bounds how long a dequeue sleeps between scans while
// waiting for a deferred retry to come due.
const dequeuePollWindow = 250 * time.Millisecond

// Task is one unit of queued work. Terminal tasks are immutable and
// retry_count only ever increases.
type Task struct {
	ID          string          `json:"id"`
	AgentName   string          `json:"agent_name,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Contract returns the execution contract id from metadata, if any.
func (t *Task) Contract() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[TaskMetaExecutionContract].(string); ok {
		return v
	}
	return ""
}

// DeadLetterReason returns the dead-letter reason for failed tasks, if any.
func (t *Task) DeadLetterReason() string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[TaskMetaDeadLetterReason].(string); ok {
		return v
	}
	return ""
}

// SetMeta sets one metadata entry, allocating the map on first use.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// NextAttemptAt reads the deferred-retry due time, if set.
func (t *Task) NextAttemptAt() (time.Time, bool) {
	if t.Metadata == nil {
		return time.Time{}, false
	}
	switch v := t.Metadata[TaskMetaNextAttemptAt].(type) {
	case int64:
		return time.UnixMilli(v), true
	case int:
		return time.UnixMilli(int64(v)), true
	case float64:
		return time.UnixMilli(int64(v)), true
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

func (t *Task) clone() *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// metaSeconds reads a float-seconds metadata value as a duration.
func (t *Task) metaSeconds(key string) (time.Duration, bool) {
	if t.Metadata == nil {
		return 0, false
	}
	switch v := t.Metadata[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Second)), true
		}
	}
	return 0, false
}

// RetryBackoff resolves the effective backoff policy for a task. Per-task
// metadata overrides win over the caller's policy, which wins over fallback.
func (t *Task) RetryBackoff(override *RetryPolicy, fallback RetryPolicy) RetryPolicy {
	p := fallback
	if override != nil {
		p = *override
	}
	if d, ok := t.metaSeconds(TaskMetaRetryBackoffBase); ok {
		p.BackoffBase = d
	}
	if d, ok := t.metaSeconds(TaskMetaRetryBackoffMax); ok {
		p.BackoffMax = d
	}
	if d, ok := t.metaSeconds(TaskMetaRetryJitter); ok {
		p.Jitter = d
	}
	return p
}

// EnqueueOption customizes a contract task at enqueue time.
type EnqueueOption func(*Task)

// WithTaskAgent names the agent a runner contract should drive.
func WithTaskAgent(name string) EnqueueOption {
	return func(t *Task) { t.AgentName = name }
}

// WithTaskMaxRetries overrides the queue's default retry budget.
func WithTaskMaxRetries(n int) EnqueueOption {
	return func(t *Task) {
		if n >= 0 {
			t.MaxRetries = n
		}
	}
}

// WithTaskMetadata attaches one metadata entry.
func WithTaskMetadata(key string, value any) EnqueueOption {
	return func(t *Task) { t.SetMeta(key, value) }
}

// WithTaskBackoff overrides the retry backoff for this task alone.
func WithTaskBackoff(base, maxDelay, jitter time.Duration) EnqueueOption {
	return func(t *Task) {
		t.SetMeta(TaskMetaRetryBackoffBase, base.Seconds())
		t.SetMeta(TaskMetaRetryBackoffMax, maxDelay.Seconds())
		t.SetMeta(TaskMetaRetryJitter, jitter.Seconds())
	}
}

// TaskQueue is a FIFO work queue with deferred retries and a dead-letter
// shelf. Implementations must keep terminal tasks immutable: Complete, Fail
// and Cancel on a terminal task are no-ops.
type TaskQueue interface {
	// Enqueue adds a task. A zero ID is assigned; status is forced to pending.
	Enqueue(ctx context.Context, task *Task) error
	// EnqueueContract enqueues a payload for an execution contract and
	// returns the task id. Empty contract ids are rejected.
	EnqueueContract(ctx context.Context, contractID string, payload any, opts ...EnqueueOption) (string, error)
	// Dequeue claims the next due task, waiting up to timeout. Returns
	// (nil, nil) when nothing came due in time.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	// Complete marks a running task completed with a result.
	Complete(ctx context.Context, id string, result any) error
	// Fail records a failure. Retryable failures with remaining budget move
	// the task to retrying with a deferred next attempt; otherwise the task
	// fails with a dead-letter reason. A nil policy uses the task's metadata
	// overrides over the queue default.
	Fail(ctx context.Context, id string, errMsg string, retryable bool, policy *RetryPolicy) error
	// Cancel marks a non-terminal task cancelled.
	Cancel(ctx context.Context, id string) error
	// Get returns a copy of the task.
	Get(ctx context.Context, id string) (*Task, error)
	// List returns tasks filtered by status ("" matches all), oldest first.
	List(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
	// ListDeadLetters returns failed tasks that carry a dead-letter reason.
	ListDeadLetters(ctx context.Context, limit int) ([]*Task, error)
	// RedriveDeadLetters re-enqueues dead-lettered tasks with a fresh retry
	// budget. Empty reason matches all reasons. Returns the redriven count.
	RedriveDeadLetters(ctx context.Context, reason string, limit int) (int, error)
	// PurgeDeadLetters deletes dead-lettered tasks. Returns the purged count.
	PurgeDeadLetters(ctx context.Context, reason string, limit int) (int, error)
}

// WorkerPresence is an optional queue capability: liveness registration for
// workers plus idle-time recovery of abandoned in-flight tasks.
type WorkerPresence interface {
	RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error
	RefreshWorker(ctx context.Context, workerID string, ttl time.Duration) error
	UnregisterWorker(ctx context.Context, workerID string) error
	// RecoverInflightIfIdle requeues in-flight tasks iff workerID is the
	// sole live worker. Returns the number of recovered tasks.
	RecoverInflightIfIdle(ctx context.Context, workerID string) (int, error)
}

// MemoryQueue is the in-process TaskQueue. One mutex guards every mutation;
// dequeue blocks on a wake channel rather than polling a hot loop.
type MemoryQueue struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	pending  []string
	inflight map[string]bool
	workers  map[string]time.Time // worker id -> presence expiry

	retry      RetryPolicy
	maxRetries int
	logger     *slog.Logger
	tracer     Tracer
	wake       chan struct{}
	now        func() time.Time
}

var (
	_ TaskQueue      = (*MemoryQueue)(nil)
	_ WorkerPresence = (*MemoryQueue)(nil)
)

// MemoryQueueOption configures a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithQueueRetryPolicy sets the default backoff for deferred retries.
func WithQueueRetryPolicy(p RetryPolicy) MemoryQueueOption {
	return func(q *MemoryQueue) { q.retry = p }
}

// WithQueueMaxRetries sets the default retry budget for contract tasks.
func WithQueueMaxRetries(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(l *slog.Logger) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueTracer sets the tracer for queue spans.
func WithQueueTracer(t Tracer) MemoryQueueOption {
	return func(q *MemoryQueue) { q.tracer = t }
}

// NewMemoryQueue builds an empty in-process queue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		tasks:      make(map[string]*Task),
		inflight:   make(map[string]bool),
		workers:    make(map[string]time.Time),
		retry:      RetryPolicy{BackoffBase: 500 * time.Millisecond, BackoffMax: 30 * time.Second},
		maxRetries: 3,
		logger:     nopLogger,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	if task == nil {
		return &ConfigError{Field: "task", Reason: "must not be nil"}
	}
	q.mu.Lock()
	if task.ID == "" {
		task.ID = NewID()
	}
	if _, exists := q.tasks[task.ID]; exists {
		q.mu.Unlock()
		return &ConfigError{Field: "task", Reason: "duplicate task id " + task.ID}
	}
	task.Status = TaskPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = q.now()
	}
	q.tasks[task.ID] = task.clone()
	q.pending = append(q.pending, task.ID)
	q.mu.Unlock()

	q.signal()
	q.span(ctx, "queue.enqueue", task.ID)
	q.logger.Debug("task enqueued", "task_id", task.ID, "contract", task.Contract())
	return nil
}

func (q *MemoryQueue) EnqueueContract(ctx context.Context, contractID string, payload any, opts ...EnqueueOption) (string, error) {
	if contractID == "" {
		return "", &ConfigError{Field: "contract", Reason: "must not be empty"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &ConfigError{Field: "payload", Reason: err.Error()}
	}
	task := &Task{
		Payload:    raw,
		MaxRetries: q.maxRetries,
	}
	task.SetMeta(TaskMetaExecutionContract, contractID)
	for _, opt := range opts {
		opt(task)
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Dequeue pops the oldest due pending id. Stale ids (terminal or deleted
// tasks) are discarded. Not-yet-due retries bound the sleep so a deferred
// task is claimed close to its due time.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	deadline := q.now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, earliest := q.claimDue()
		if task != nil {
			q.span(ctx, "queue.dequeue", task.ID)
			q.logger.Debug("task dequeued", "task_id", task.ID, "retry_count", task.RetryCount)
			return task, nil
		}

		now := q.now()
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		window := dequeuePollWindow
		if !earliest.IsZero() {
			if until := earliest.Sub(now); until < window {
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
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimDue scans pending order for the first due task, marks it running,
// and reports the earliest future due time seen when nothing was claimable.
func (q *MemoryQueue) claimDue() (*Task, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var earliest time.Time
	keep := q.pending[:0]
	var claimed *Task
	for i, id := range q.pending {
		if claimed != nil {
			keep = append(keep, q.pending[i:]...)
			break
		}
		t, ok := q.tasks[id]
		if !ok || t.Status.Terminal() || t.Status == TaskRunning {
			continue // stale id
		}
		if due, ok := t.NextAttemptAt(); ok && due.After(now) {
			if earliest.IsZero() || due.Before(earliest) {
				earliest = due
			}
			keep = append(keep, id)
			continue
		}
		t.Status = TaskRunning
		t.StartedAt = now
		q.inflight[id] = true
		claimed = t.clone()
	}
	q.pending = keep
	return claimed, earliest
}

func (q *MemoryQueue) Complete(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return &ConfigError{Field: "result", Reason: err.Error()}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return &StoreError{Op: "complete", Key: id, Err: ErrNotFound}
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = TaskCompleted
	t.Result = raw
	t.Error = ""
	t.CompletedAt = q.now()
	delete(q.inflight, id)
	q.span(ctx, "queue.complete", id)
	q.logger.Debug("task completed", "task_id", id)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, errMsg string, retryable bool, policy *RetryPolicy) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return &StoreError{Op: "fail", Key: id, Err: ErrNotFound}
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	t.Error = errMsg
	now := q.now()

	if !retryable {
		t.Status = TaskFailed
		t.CompletedAt = now
		t.SetMeta(TaskMetaDeadLetterReason, DeadLetterNonRetryable)
		delete(q.inflight, id)
		q.mu.Unlock()
		q.span(ctx, "queue.fail", id)
		q.logger.Warn("task dead-lettered", "task_id", id, "reason", DeadLetterNonRetryable, "error", errMsg)
		return nil
	}

	t.RetryCount++
	if t.RetryCount > t.MaxRetries {
		t.Status = TaskFailed
		t.CompletedAt = now
		t.SetMeta(TaskMetaDeadLetterReason, DeadLetterExhausted)
		delete(q.inflight, id)
		q.mu.Unlock()
		q.span(ctx, "queue.fail", id)
		q.logger.Warn("task dead-lettered", "task_id", id,
			"reason", DeadLetterExhausted, "retry_count", t.RetryCount, "error", errMsg)
		return nil
	}

	delay := t.RetryBackoff(policy, q.retry).Delay(t.RetryCount)
	t.Status = TaskRetrying
	t.SetMeta(TaskMetaNextAttemptAt, now.Add(delay).UnixMilli())
	delete(q.inflight, id)
	q.pending = append(q.pending, id)
	retryCount := t.RetryCount
	q.mu.Unlock()

	q.signal()
	q.span(ctx, "queue.retry", id)
	q.logger.Info("task scheduled for retry",
		"task_id", id, "retry_count", retryCount, "delay", delay, "error", errMsg)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return &StoreError{Op: "cancel", Key: id, Err: ErrNotFound}
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = TaskCancelled
	t.CompletedAt = q.now()
	delete(q.inflight, id)
	q.span(ctx, "queue.cancel", id)
	q.logger.Debug("task cancelled", "task_id", id)
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, &StoreError{Op: "get", Key: id, Err: ErrNotFound}
	}
	return t.clone(), nil
}

func (q *MemoryQueue) List(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) ListDeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0)
	for _, t := range q.tasks {
		if t.Status == TaskFailed && t.DeadLetterReason() != "" {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RedriveDeadLetters is the one sanctioned mutation of a terminal task: an
// operator re-enqueues dead-lettered work with a fresh retry budget.
func (q *MemoryQueue) RedriveDeadLetters(ctx context.Context, reason string, limit int) (int, error) {
	q.mu.Lock()
	ids := q.deadLetterIDs(reason, limit)
	for _, id := range ids {
		t := q.tasks[id]
		t.Status = TaskPending
		t.Error = ""
		t.RetryCount = 0
		t.CompletedAt = time.Time{}
		t.StartedAt = time.Time{}
		delete(t.Metadata, TaskMetaDeadLetterReason)
		delete(t.Metadata, TaskMetaNextAttemptAt)
		q.pending = append(q.pending, id)
	}
	q.mu.Unlock()

	if len(ids) > 0 {
		q.signal()
		q.logger.Info("dead letters redriven", "count", len(ids), "reason", reason)
	}
	return len(ids), nil
}

func (q *MemoryQueue) PurgeDeadLetters(ctx context.Context, reason string, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.deadLetterIDs(reason, limit)
	for _, id := range ids {
		delete(q.tasks, id)
	}
	if len(ids) > 0 {
		q.logger.Info("dead letters purged", "count", len(ids), "reason", reason)
	}
	return len(ids), nil
}

// deadLetterIDs collects matching dead-letter ids in id order. Caller holds
// the mutex.
func (q *MemoryQueue) deadLetterIDs(reason string, limit int) []string {
	ids := make([]string, 0)
	for id, t := range q.tasks {
		if t.Status != TaskFailed {
			continue
		}
		r := t.DeadLetterReason()
		if r == "" || (reason != "" && r != reason) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// --- worker presence ---

func (q *MemoryQueue) RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	if workerID == "" {
		return &ConfigError{Field: "worker_id", Reason: "must not be empty"}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[workerID] = q.now().Add(ttl)
	return nil
}

func (q *MemoryQueue) RefreshWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.workers[workerID]; !ok {
		return &StoreError{Op: "refresh_worker", Key: workerID, Err: ErrNotFound}
	}
	q.workers[workerID] = q.now().Add(ttl)
	return nil
}

func (q *MemoryQueue) UnregisterWorker(ctx context.Context, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.workers, workerID)
	return nil
}

// RecoverInflightIfIdle requeues abandoned in-flight tasks when workerID is
// the only worker still live. In-process there is no lock to take; the
// mutex serializes the check and the requeue.
func (q *MemoryQueue) RecoverInflightIfIdle(ctx context.Context, workerID string) (int, error) {
	q.mu.Lock()
	now := q.now()
	for id, expiry := range q.workers {
		if expiry.Before(now) {
			delete(q.workers, id)
		}
	}
	if len(q.workers) != 1 {
		q.mu.Unlock()
		return 0, nil
	}
	if _, ok := q.workers[workerID]; !ok {
		q.mu.Unlock()
		return 0, nil
	}
	recovered := 0
	for id := range q.inflight {
		t, ok := q.tasks[id]
		if !ok || t.Status != TaskRunning {
			delete(q.inflight, id)
			continue
		}
		t.Status = TaskPending
		t.StartedAt = time.Time{}
		delete(q.inflight, id)
		q.pending = append(q.pending, id)
		recovered++
	}
	q.mu.Unlock()

	if recovered > 0 {
		q.signal()
		q.logger.Info("in-flight tasks recovered", "count", recovered, "worker_id", workerID)
	}
	return recovered, nil
}

// signal wakes one parked dequeue without blocking.
func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) span(ctx context.Context, name, taskID string) {
	if q.tracer == nil {
		return
	}
	_, sp := q.tracer.Start(ctx, name, StringAttr("task_id", taskID))
	sp.End()
}
