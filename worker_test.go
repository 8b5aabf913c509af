package afk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// waitTaskStatus polls the queue until the task reaches status or the
// deadline expires.
func waitTaskStatus(t *testing.T, q TaskQueue, id string, status TaskStatus) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		task, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status == status {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s stuck in %q, want %q (error: %s)", id, task.Status, status, task.Error)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func startWorker(t *testing.T, q TaskQueue, opts ...WorkerOption) *Worker {
	t.Helper()
	opts = append(opts, WithWorkerDequeueWindow(20*time.Millisecond))
	w, err := NewWorker(q, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

// --- construction ---

func TestNewWorkerValidation(t *testing.T) {
	q := NewMemoryQueue()
	okContract := func(t *testing.T) ExecutionContract {
		return mustJobContract(t, map[string]JobHandler{
			"noop": func(context.Context, map[string]any) (any, error) { return nil, nil },
		})
	}

	t.Run("nil queue", func(t *testing.T) {
		if _, err := NewWorker(nil); err == nil {
			t.Error("nil queue should be rejected")
		}
	})
	t.Run("no contracts", func(t *testing.T) {
		_, err := NewWorker(q)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) || cfgErr.Field != "contracts" {
			t.Errorf("err = %v, want contracts ConfigError", err)
		}
	})
	t.Run("zero concurrency", func(t *testing.T) {
		_, err := NewWorker(q,
			WithWorkerContract(ContractJobDispatch, okContract(t)),
			WithWorkerConcurrency(0))
		if err == nil {
			t.Error("zero concurrency should be rejected")
		}
	})
	t.Run("refresh equal to ttl", func(t *testing.T) {
		_, err := NewWorker(q,
			WithWorkerContract(ContractJobDispatch, okContract(t)),
			WithWorkerPresence(time.Second, time.Second))
		if err == nil {
			t.Error("refresh interval equal to ttl should be rejected")
		}
	})
	t.Run("contract id mismatch", func(t *testing.T) {
		if _, err := NewWorker(q, WithWorkerContract("wrong.id", okContract(t))); err == nil {
			t.Error("mismatched registration key should be rejected")
		}
	})
	t.Run("duplicate contract", func(t *testing.T) {
		_, err := NewWorker(q,
			WithWorkerContract(ContractJobDispatch, okContract(t)),
			WithWorkerContract(ContractJobDispatch, okContract(t)))
		if err == nil {
			t.Error("duplicate contract registration should be rejected")
		}
	})
	t.Run("duplicate job handler", func(t *testing.T) {
		h := func(context.Context, map[string]any) (any, error) { return nil, nil }
		_, err := NewWorker(q,
			WithWorkerJobHandler("x", h),
			WithWorkerJobHandler("x", h))
		if err == nil {
			t.Error("duplicate job handler should be rejected")
		}
	})
	t.Run("generated id", func(t *testing.T) {
		w, err := NewWorker(q, WithWorkerContract(ContractJobDispatch, okContract(t)))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(w.ID(), "worker-") {
			t.Errorf("ID() = %q, want a worker- prefix", w.ID())
		}
	})
}

// --- execution ---

func TestWorkerExecutesJobTask(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	startWorker(t, q, WithWorkerJobHandler("echo", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"echoed": args["text"]}, nil
	}))

	id, err := q.EnqueueContract(ctx, ContractJobDispatch, map[string]any{
		"job_type":  "echo",
		"arguments": map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}

	task := waitTaskStatus(t, q, id, TaskCompleted)
	var envelope struct {
		Contract string `json:"contract"`
		Output   struct {
			Echoed string `json:"echoed"`
		} `json:"output"`
	}
	if err := json.Unmarshal(task.Result, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Contract != ContractJobDispatch {
		t.Errorf("result contract = %q, want %q", envelope.Contract, ContractJobDispatch)
	}
	if envelope.Output.Echoed != "hello" {
		t.Errorf("output = %+v, want the handler result", envelope.Output)
	}
}

func TestWorkerFailsTaskWithoutContractMetadata(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	startWorker(t, q, WithWorkerJobHandler("noop", func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}))

	task := &Task{Payload: json.RawMessage(`{}`)}
	if err := q.Enqueue(ctx, task); err != nil {
		t.Fatal(err)
	}

	failed := waitTaskStatus(t, q, task.ID, TaskFailed)
	if !strings.Contains(failed.Error, "missing execution_contract") {
		t.Errorf("Error = %q, want the missing-metadata message", failed.Error)
	}
	if failed.DeadLetterReason() != DeadLetterNonRetryable {
		t.Errorf("DeadLetterReason() = %q, want %q", failed.DeadLetterReason(), DeadLetterNonRetryable)
	}
}

func TestWorkerFailsUnknownContract(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	startWorker(t, q, WithWorkerJobHandler("noop", func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}))

	id, err := q.EnqueueContract(ctx, "nope.v9", nil)
	if err != nil {
		t.Fatal(err)
	}
	failed := waitTaskStatus(t, q, id, TaskFailed)
	if !strings.Contains(failed.Error, `unknown contract "nope.v9"`) {
		t.Errorf("Error = %q, want the unknown-contract message", failed.Error)
	}
	if failed.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 for a non-retryable failure", failed.RetryCount)
	}
}

func TestWorkerRequiresAgentName(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	runner := NewRunner(NewInMemoryStore())
	startWorker(t, q, WithWorkerRunner(runner))

	id, err := q.EnqueueContract(ctx, ContractRunnerChat, map[string]any{"user_message": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitTaskStatus(t, q, id, TaskFailed)
	if !strings.Contains(failed.Error, "requires agent_name") {
		t.Errorf("Error = %q, want the missing-agent message", failed.Error)
	}
}

func TestWorkerValidatesPayloadBeforeExecute(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	var executed atomic.Int32
	startWorker(t, q, WithWorkerJobHandler("echo", func(context.Context, map[string]any) (any, error) {
		executed.Add(1)
		return nil, nil
	}))

	// job_type is required by the contract schema.
	id, err := q.EnqueueContract(ctx, ContractJobDispatch, map[string]any{"arguments": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	failed := waitTaskStatus(t, q, id, TaskFailed)
	if failed.DeadLetterReason() != DeadLetterNonRetryable {
		t.Errorf("DeadLetterReason() = %q, want %q", failed.DeadLetterReason(), DeadLetterNonRetryable)
	}
	if executed.Load() != 0 {
		t.Error("handler should not run when validation fails")
	}
}

func TestWorkerRetriesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	var attempts atomic.Int32
	startWorker(t, q,
		WithWorkerJobHandler("flaky", func(context.Context, map[string]any) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("transient downstream hiccup")
			}
			return map[string]any{"ok": true}, nil
		}),
		WithWorkerContractRetry(ContractJobDispatch, RetryPolicy{BackoffBase: time.Millisecond}),
	)

	id, err := q.EnqueueContract(ctx, ContractJobDispatch, map[string]any{"job_type": "flaky"})
	if err != nil {
		t.Fatal(err)
	}
	task := waitTaskStatus(t, q, id, TaskCompleted)
	if got := attempts.Load(); got != 2 {
		t.Errorf("handler attempts = %d, want 2", got)
	}
	if task.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", task.RetryCount)
	}
}

func TestWorkerRunsAgentThroughRunnerChat(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	transport := newScriptTransport(textTurn("summary done"))
	agent := mustAgent(t, "summarizer", WithTransport(transport))
	runner := NewRunner(NewInMemoryStore())
	if err := runner.RegisterAgent(agent); err != nil {
		t.Fatal(err)
	}
	startWorker(t, q, WithWorkerRunner(runner))

	id, err := q.EnqueueContract(ctx, ContractRunnerChat,
		map[string]any{"user_message": "summarize the doc"},
		WithTaskAgent("summarizer"))
	if err != nil {
		t.Fatal(err)
	}

	task := waitTaskStatus(t, q, id, TaskCompleted)
	var envelope struct {
		Output struct {
			FinalText string `json:"final_text"`
			State     string `json:"state"`
		} `json:"output"`
	}
	if err := json.Unmarshal(task.Result, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Output.FinalText != "summary done" {
		t.Errorf("final_text = %q, want the run output", envelope.Output.FinalText)
	}
	if envelope.Output.State != string(RunCompleted) {
		t.Errorf("state = %q, want %q", envelope.Output.State, RunCompleted)
	}
}

// --- lifecycle ---

func TestWorkerStartTwice(t *testing.T) {
	q := NewMemoryQueue()
	w := startWorker(t, q, WithWorkerJobHandler("noop", func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}))
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestWorkerStopDrainsInFlightTasks(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	w, err := NewWorker(q,
		WithWorkerDequeueWindow(20*time.Millisecond),
		WithWorkerJobHandler("slow", func(context.Context, map[string]any) (any, error) {
			started <- struct{}{}
			<-release
			return "done", nil
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	id, err := q.EnqueueContract(ctx, ContractJobDispatch, map[string]any{"job_type": "slow"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(ctx) }()

	// The worker must wait for the in-flight task rather than abandon it.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned after drain")
	}

	task, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != TaskCompleted {
		t.Errorf("Status = %q, want %q after graceful drain", task.Status, TaskCompleted)
	}
}

func TestWorkerConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	var cur, peak atomic.Int32
	release := make(chan struct{})

	startWorker(t, q,
		WithWorkerConcurrency(2),
		WithWorkerJobHandler("hold", func(context.Context, map[string]any) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			cur.Add(-1)
			return nil, nil
		}),
	)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := q.EnqueueContract(ctx, ContractJobDispatch, map[string]any{"job_type": "hold"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	// Wait until both permits are busy, then let everything finish.
	deadline := time.After(5 * time.Second)
	for cur.Load() != 2 {
		select {
		case <-deadline:
			t.Fatalf("concurrent tasks = %d, want 2", cur.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	for _, id := range ids {
		waitTaskStatus(t, q, id, TaskCompleted)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak.Load())
	}
}
