package afk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// manualQueue returns a queue whose clock only moves when the test advances
// it, so deferred retries and presence expiry are deterministic.
func manualQueue(opts ...MemoryQueueOption) (*MemoryQueue, *time.Time) {
	q := NewMemoryQueue(opts...)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return current }
	return q, &current
}

// --- enqueue and dequeue ---

func TestMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	names := []string{"one", "two", "three"}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, err := q.EnqueueContract(ctx, "job.dispatch", map[string]string{"name": name})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	for i := range ids {
		task, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			t.Fatalf("dequeue %d returned nothing", i)
		}
		if task.ID != ids[i] {
			t.Errorf("dequeue %d = %q, want %q", i, task.ID, ids[i])
		}
		if task.Status != TaskRunning {
			t.Errorf("claimed status = %q, want %q", task.Status, TaskRunning)
		}
		if task.StartedAt.IsZero() {
			t.Error("claimed task should carry a start time")
		}
		if want := `{"name":"` + names[i] + `"}`; string(task.Payload) != want {
			t.Errorf("payload = %s, want %s", task.Payload, want)
		}
		if task.Contract() != "job.dispatch" {
			t.Errorf("Contract() = %q, want job.dispatch", task.Contract())
		}
	}
}

func TestMemoryQueueDequeueEmptyTimesOut(t *testing.T) {
	q := NewMemoryQueue()
	start := time.Now()
	task, err := q.Dequeue(context.Background(), 250*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Errorf("task = %+v, want nil on an empty queue", task)
	}
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("dequeue returned after %v, want close to the 250ms timeout", elapsed)
	}
}

func TestMemoryQueueDequeueWakesOnEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	got := make(chan *Task, 1)
	go func() {
		task, _ := q.Dequeue(ctx, 5*time.Second)
		got <- task
	}()

	// Give the dequeue a moment to park, then wake it.
	time.Sleep(20 * time.Millisecond)
	id, err := q.EnqueueContract(ctx, "job.dispatch", nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case task := <-got:
		if task == nil || task.ID != id {
			t.Errorf("task = %+v, want id %q", task, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("parked dequeue never woke")
	}
}

func TestMemoryQueueEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Enqueue(ctx, nil); err == nil {
		t.Error("nil task should be rejected")
	}
	if _, err := q.EnqueueContract(ctx, "", nil); err == nil {
		t.Error("empty contract id should be rejected")
	}

	task := &Task{ID: "fixed"}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}
	var cfgErr *ConfigError
	if err := q.Enqueue(ctx, &Task{ID: "fixed"}); !errors.As(err, &cfgErr) {
		t.Errorf("duplicate id err = %v, want *ConfigError", err)
	}
}

func TestMemoryQueueEnqueueContractOptions(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(WithQueueMaxRetries(5))

	id, err := q.EnqueueContract(ctx, "runner.chat", map[string]string{"input": "hi"},
		WithTaskAgent("researcher"),
		WithTaskMaxRetries(1),
		WithTaskMetadata("origin", "api"),
	)
	if err != nil {
		t.Fatal(err)
	}
	task, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Contract() != "runner.chat" {
		t.Errorf("Contract() = %q, want runner.chat", task.Contract())
	}
	if task.AgentName != "researcher" {
		t.Errorf("AgentName = %q, want researcher", task.AgentName)
	}
	if task.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want the per-task override", task.MaxRetries)
	}
	if task.Metadata["origin"] != "api" {
		t.Errorf("origin = %v, want api", task.Metadata["origin"])
	}

	// Without the override the queue default applies.
	id2, err := q.EnqueueContract(ctx, "runner.chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	task2, _ := q.Get(ctx, id2)
	if task2.MaxRetries != 5 {
		t.Errorf("default MaxRetries = %d, want 5", task2.MaxRetries)
	}
}

// --- completion and failure ---

func TestMemoryQueueCompleteIsTerminal(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, id, map[string]string{"answer": "42"}); err != nil {
		t.Fatal(err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != TaskCompleted {
		t.Fatalf("Status = %q, want %q", task.Status, TaskCompleted)
	}
	var result map[string]string
	if err := json.Unmarshal(task.Result, &result); err != nil || result["answer"] != "42" {
		t.Errorf("Result = %s, want the completion payload", task.Result)
	}

	// Terminal tasks are immutable.
	if err := q.Fail(ctx, id, "late failure", true, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	task, _ = q.Get(ctx, id)
	if task.Status != TaskCompleted || task.Error != "" {
		t.Errorf("terminal task mutated: status=%q error=%q", task.Status, task.Error)
	}

	if err := q.Complete(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestMemoryQueueFailSchedulesDeferredRetry(t *testing.T) {
	ctx := context.Background()
	q, clock := manualQueue(WithQueueRetryPolicy(RetryPolicy{BackoffBase: time.Minute}))

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil, WithTaskMaxRetries(2))
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, id, "boom", true, nil); err != nil {
		t.Fatal(err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != TaskRetrying {
		t.Fatalf("Status = %q, want %q", task.Status, TaskRetrying)
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}
	due, ok := task.NextAttemptAt()
	if !ok {
		t.Fatal("retrying task should carry a due time")
	}
	if want := clock.Add(time.Minute); !due.Equal(want) {
		t.Errorf("due = %v, want %v", due, want)
	}

	// Not due yet: an immediate dequeue sees nothing.
	if got, _ := q.Dequeue(ctx, 0); got != nil {
		t.Fatalf("dequeue before due time returned %+v", got)
	}

	*clock = clock.Add(2 * time.Minute)
	got, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("dequeue after due time = %+v, want task %q", got, id)
	}
	if got.RetryCount != 1 {
		t.Errorf("reclaimed RetryCount = %d, want 1", got.RetryCount)
	}
}

func TestMemoryQueueFailExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	q, clock := manualQueue(WithQueueRetryPolicy(RetryPolicy{BackoffBase: time.Second}))

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil, WithTaskMaxRetries(2))
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := q.Dequeue(ctx, 0); err != nil {
			t.Fatal(err)
		}
		if err := q.Fail(ctx, id, "boom", true, nil); err != nil {
			t.Fatal(err)
		}
		*clock = clock.Add(time.Hour)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != TaskFailed {
		t.Fatalf("Status = %q, want %q", task.Status, TaskFailed)
	}
	if task.DeadLetterReason() != DeadLetterExhausted {
		t.Errorf("DeadLetterReason() = %q, want %q", task.DeadLetterReason(), DeadLetterExhausted)
	}
	if task.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", task.RetryCount)
	}
}

func TestMemoryQueueZeroRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil, WithTaskMaxRetries(0))
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, id, "boom", true, nil); err != nil {
		t.Fatal(err)
	}

	task, _ := q.Get(ctx, id)
	if task.Status != TaskFailed {
		t.Fatalf("Status = %q, want %q", task.Status, TaskFailed)
	}
	if task.DeadLetterReason() != DeadLetterExhausted {
		t.Errorf("DeadLetterReason() = %q, want %q", task.DeadLetterReason(), DeadLetterExhausted)
	}
}

func TestMemoryQueueFailNonRetryable(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(ctx, id, "schema violation", false, nil); err != nil {
		t.Fatal(err)
	}
	task, _ := q.Get(ctx, id)
	if task.Status != TaskFailed {
		t.Fatalf("Status = %q, want %q", task.Status, TaskFailed)
	}
	if task.DeadLetterReason() != DeadLetterNonRetryable {
		t.Errorf("DeadLetterReason() = %q, want %q", task.DeadLetterReason(), DeadLetterNonRetryable)
	}
	if task.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", task.RetryCount)
	}
}

func TestMemoryQueueCancelRemovesFromDequeue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if err := q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	task, _ := q.Get(ctx, id)
	if task.Status != TaskCancelled {
		t.Fatalf("Status = %q, want %q", task.Status, TaskCancelled)
	}
	if got, _ := q.Dequeue(ctx, 10*time.Millisecond); got != nil {
		t.Errorf("cancelled task was dequeued: %+v", got)
	}
	if err := q.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id err = %v, want ErrNotFound", err)
	}
}

// --- listing and dead letters ---

func TestMemoryQueueList(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	a, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	b, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	_ = q.Complete(ctx, a, nil)

	completed, err := q.List(ctx, TaskCompleted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != a {
		t.Errorf("completed = %v, want just %q", completed, a)
	}

	all, err := q.List(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d tasks, want 2", len(all))
	}
	_ = b
}

func TestMemoryQueueDeadLetterRedrive(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	exhausted, _ := q.EnqueueContract(ctx, "job.dispatch", nil, WithTaskMaxRetries(0))
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	_ = q.Fail(ctx, exhausted, "boom", true, nil)

	poisoned, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if _, err := q.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	_ = q.Fail(ctx, poisoned, "bad payload", false, nil)

	letters, err := q.ListDeadLetters(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 2 {
		t.Fatalf("dead letters = %d, want 2", len(letters))
	}

	// Redrive only the exhausted one.
	n, err := q.RedriveDeadLetters(ctx, DeadLetterExhausted, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("redriven = %d, want 1", n)
	}
	task, _ := q.Get(ctx, exhausted)
	if task.Status != TaskPending {
		t.Errorf("redriven status = %q, want %q", task.Status, TaskPending)
	}
	if task.RetryCount != 0 || task.Error != "" || task.DeadLetterReason() != "" {
		t.Errorf("redriven task not reset: %+v", task)
	}
	if got, _ := q.Dequeue(ctx, time.Second); got == nil || got.ID != exhausted {
		t.Errorf("redriven task should be claimable, got %+v", got)
	}

	// Purge the rest.
	n, err = q.PurgeDeadLetters(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := q.Get(ctx, poisoned); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged task still present: %v", err)
	}
}

// --- worker presence ---

func TestMemoryQueueWorkerPresence(t *testing.T) {
	ctx := context.Background()
	q, clock := manualQueue()

	if err := q.RegisterWorker(ctx, "", time.Minute); err == nil {
		t.Error("empty worker id should be rejected")
	}
	if err := q.RegisterWorker(ctx, "w1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := q.RefreshWorker(ctx, "w1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := q.RefreshWorker(ctx, "ghost", time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("refresh unknown worker err = %v, want ErrNotFound", err)
	}

	id, _ := q.EnqueueContract(ctx, "job.dispatch", nil)
	if _, err := q.Dequeue(ctx, 0); err != nil {
		t.Fatal(err)
	}

	// A second live worker blocks recovery.
	if err := q.RegisterWorker(ctx, "w2", time.Minute); err != nil {
		t.Fatal(err)
	}
	n, err := q.RecoverInflightIfIdle(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d with two live workers, want 0", n)
	}

	// Once w2's presence expires, w1 may reclaim the abandoned task.
	*clock = clock.Add(30 * time.Minute)
	n, err = q.RecoverInflightIfIdle(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	task, _ := q.Get(ctx, id)
	if task.Status != TaskPending {
		t.Errorf("recovered status = %q, want %q", task.Status, TaskPending)
	}
	if got, _ := q.Dequeue(ctx, 0); got == nil || got.ID != id {
		t.Errorf("recovered task should be claimable, got %+v", got)
	}
}

// --- task helpers ---

func TestTaskNextAttemptAtNumericForms(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	tests := []struct {
		name  string
		value any
	}{
		{"int64", int64(1700000000000)},
		{"int", int(1700000000000)},
		{"float64 after json round trip", float64(1700000000000)},
		{"json number", json.Number("1700000000000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{}
			task.SetMeta(TaskMetaNextAttemptAt, tt.value)
			due, ok := task.NextAttemptAt()
			if !ok || !due.Equal(base) {
				t.Errorf("NextAttemptAt() = (%v, %v), want (%v, true)", due, ok, base)
			}
		})
	}

	empty := &Task{}
	if _, ok := empty.NextAttemptAt(); ok {
		t.Error("task without metadata should have no due time")
	}
}

func TestTaskRetryBackoffPrecedence(t *testing.T) {
	fallback := RetryPolicy{BackoffBase: time.Second, BackoffMax: time.Minute}
	override := RetryPolicy{BackoffBase: 2 * time.Second, BackoffMax: 2 * time.Minute}

	task := &Task{}
	if got := task.RetryBackoff(nil, fallback); got.BackoffBase != time.Second {
		t.Errorf("fallback BackoffBase = %v, want 1s", got.BackoffBase)
	}
	if got := task.RetryBackoff(&override, fallback); got.BackoffBase != 2*time.Second {
		t.Errorf("override BackoffBase = %v, want 2s", got.BackoffBase)
	}

	// Per-task metadata wins over both. Seconds survive a JSON round trip.
	var meta Task
	WithTaskBackoff(3*time.Second, 3*time.Minute, 100*time.Millisecond)(&meta)
	raw, _ := json.Marshal(meta.Metadata)
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	meta.Metadata = decoded

	got := meta.RetryBackoff(&override, fallback)
	if got.BackoffBase != 3*time.Second {
		t.Errorf("metadata BackoffBase = %v, want 3s", got.BackoffBase)
	}
	if got.BackoffMax != 3*time.Minute {
		t.Errorf("metadata BackoffMax = %v, want 3m", got.BackoffMax)
	}
	if got.Jitter != 100*time.Millisecond {
		t.Errorf("metadata Jitter = %v, want 100ms", got.Jitter)
	}
}

func TestTaskRecordRoundTrip(t *testing.T) {
	task := &Task{
		ID:         "task-1",
		AgentName:  "researcher",
		Payload:    json.RawMessage(`{"input":"hi"}`),
		Status:     TaskRetrying,
		RetryCount: 2,
		MaxRetries: 5,
		CreatedAt:  time.UnixMilli(1700000000000).UTC(),
	}
	task.SetMeta(TaskMetaExecutionContract, "runner.chat")
	task.SetMeta(TaskMetaNextAttemptAt, int64(1700000060000))
	WithTaskBackoff(2*time.Second, time.Minute, 0)(task)

	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	var back Task
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}

	if back.RetryCount != 2 || back.MaxRetries != 5 {
		t.Errorf("retry fields = %d/%d, want 2/5", back.RetryCount, back.MaxRetries)
	}
	if back.Contract() != "runner.chat" {
		t.Errorf("Contract() = %q, want runner.chat", back.Contract())
	}
	due, ok := back.NextAttemptAt()
	if !ok || !due.Equal(time.UnixMilli(1700000060000)) {
		t.Errorf("NextAttemptAt() = (%v, %v), want the enqueued due time", due, ok)
	}
	if p := back.RetryBackoff(nil, RetryPolicy{}); p.BackoffBase != 2*time.Second || p.BackoffMax != time.Minute {
		t.Errorf("decoded backoff = %+v, want 2s base and 1m max", p)
	}
	if string(back.Payload) != `{"input":"hi"}` {
		t.Errorf("payload = %s, want the original bytes", back.Payload)
	}
}
