package afk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// holdingRun starts a run whose first step executes a barrier tool, so the
// test can act on the handle while the executor is provably mid-step.
func holdingRun(t *testing.T, finalText string) (*barrierTool, *scriptTransport, *RunHandle) {
	t.Helper()
	hold := newBarrierTool("hold")
	tr := newScriptTransport(
		toolTurn(ToolCall{ID: "c1", Name: "hold", Args: json.RawMessage(`{}`)}),
		textTurn(finalText),
	)
	agent := mustAgent(t, "holder", WithTransport(tr), WithTools(hold))
	r := NewRunner(NewInMemoryStore())
	h := startRun(t, r, agent, WithUserMessage("go"))

	select {
	case <-hold.started:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier tool never started")
	}
	return hold, tr, h
}

// --- lifecycle ---

func TestRunHandleCompletedRun(t *testing.T) {
	tr := newScriptTransport(textTurn("done"))
	r := NewRunner(NewInMemoryStore())
	agent := mustAgent(t, "helper", WithTransport(tr))

	h := startRun(t, r, agent, WithUserMessage("go"), WithThreadID("t-handle"))
	res := awaitRun(t, h)

	if res.State != RunCompleted {
		t.Errorf("State = %v, want %v", res.State, RunCompleted)
	}
	if h.RunID() == "" || h.RunID() != res.RunID {
		t.Errorf("RunID() = %q, want %q", h.RunID(), res.RunID)
	}
	if h.ThreadID() != "t-handle" {
		t.Errorf("ThreadID() = %q, want %q", h.ThreadID(), "t-handle")
	}
	if h.State() != RunCompleted {
		t.Errorf("State() = %v, want %v", h.State(), RunCompleted)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed after Await returns")
	}
	if h.Resume() {
		t.Error("Resume on a finished run should report false")
	}
}

func TestRunHandleUniqueRunIDs(t *testing.T) {
	r := NewRunner(NewInMemoryStore())
	agent := mustAgent(t, "helper", WithTransport(newScriptTransport(textTurn("a"), textTurn("b"))))

	h1 := startRun(t, r, agent, WithUserMessage("first"))
	h2 := startRun(t, r, agent, WithUserMessage("second"))
	awaitRun(t, h1)
	awaitRun(t, h2)

	if h1.RunID() == "" {
		t.Error("RunID should not be empty")
	}
	if h1.RunID() == h2.RunID() {
		t.Errorf("run ids should be unique, got %q for both", h1.RunID())
	}
}

func TestRunHandleResultBeforeAndAfterDone(t *testing.T) {
	hold, _, h := holdingRun(t, "released")

	if res, err := h.Result(); res != nil || err != nil {
		t.Errorf("Result before completion = %v, %v, want nil, nil", res, err)
	}

	close(hold.release)
	want := awaitRun(t, h)

	got, err := h.Result()
	if err != nil {
		t.Fatalf("Result after completion: %v", err)
	}
	if got != want {
		t.Error("Result should return the same result Await published")
	}
}

func TestRunHandleAwaitHonorsContext(t *testing.T) {
	hold, _, h := holdingRun(t, "released")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await error = %v, want context.DeadlineExceeded", err)
	}

	// Only the await context expired; the run itself is still going.
	if got := h.State(); got != RunRunning {
		t.Errorf("State after expired Await = %v, want %v", got, RunRunning)
	}

	close(hold.release)
	if res := awaitRun(t, h); res.State != RunCompleted {
		t.Errorf("State = %v, want %v", res.State, RunCompleted)
	}
}

// --- pause and resume ---

func TestRunHandlePauseParksAtStepBoundary(t *testing.T) {
	hold, _, h := holdingRun(t, "after pause")
	events, unsub := h.Events()
	defer unsub()

	h.Pause()
	close(hold.release)

	waitEvent(t, events, EventRunPaused)
	if got := h.State(); got != RunPaused {
		t.Errorf("State while parked = %v, want %v", got, RunPaused)
	}

	if !h.Resume() {
		t.Error("Resume should report a parked executor")
	}
	waitEvent(t, events, EventRunResumed)

	res := awaitRun(t, h)
	if res.State != RunCompleted {
		t.Errorf("State = %v, want %v", res.State, RunCompleted)
	}
	if res.FinalText != "after pause" {
		t.Errorf("FinalText = %q, want %q", res.FinalText, "after pause")
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
}

func TestRunHandleResumeBeforeParkIsDeclined(t *testing.T) {
	hold, _, h := holdingRun(t, "never paused")
	events, unsub := h.Events()
	defer unsub()

	h.Pause()
	if h.Resume() {
		t.Error("Resume before the executor parks should report false")
	}
	close(hold.release)

	res := awaitRun(t, h)
	if res.State != RunCompleted {
		t.Errorf("State = %v, want %v", res.State, RunCompleted)
	}
	if hasEventType(drainEvents(events), EventRunPaused) {
		t.Error("cleared pause request should not park the run")
	}
}

// --- cancel ---

func TestRunHandleCancelBlockedRun(t *testing.T) {
	_, tr, h := holdingRun(t, "never reached")
	events, unsub := h.Events()
	defer unsub()

	h.Cancel()

	res := awaitRun(t, h)
	if res.State != RunCancelled {
		t.Errorf("State = %v, want %v", res.State, RunCancelled)
	}
	if res.Error != "cancelled" {
		t.Errorf("Error = %q, want %q", res.Error, "cancelled")
	}
	if h.State() != RunCancelled {
		t.Errorf("State() = %v, want %v", h.State(), RunCancelled)
	}
	// The in-flight tool was aborted; no further model call may start.
	if got := tr.callCount(); got != 1 {
		t.Errorf("model calls after cancel = %d, want 1", got)
	}
	if !hasEventType(drainEvents(events), EventRunCancelled) {
		t.Error("missing run_cancelled event")
	}
}

func TestRunHandleCancelWakesParkedRun(t *testing.T) {
	hold, tr, h := holdingRun(t, "never reached")
	events, unsub := h.Events()
	defer unsub()

	h.Pause()
	close(hold.release)
	waitEvent(t, events, EventRunPaused)

	h.Cancel()

	res := awaitRun(t, h)
	if res.State != RunCancelled {
		t.Errorf("State = %v, want %v", res.State, RunCancelled)
	}
	if res.Error != "cancelled" {
		t.Errorf("Error = %q, want %q", res.Error, "cancelled")
	}
	if got := tr.callCount(); got != 1 {
		t.Errorf("model calls after cancel = %d, want 1", got)
	}
	evs := drainEvents(events)
	if hasEventType(evs, EventRunResumed) {
		t.Error("cancel while parked should not resume the run")
	}
	if !hasEventType(evs, EventRunCancelled) {
		t.Error("missing run_cancelled event")
	}
}

func TestRunHandleCancelMarksCancelling(t *testing.T) {
	h := newRunHandle("run-1", "thread-1", NewEmitter(), func() {})
	h.setState(RunRunning)

	h.Cancel()

	if got := h.State(); got != RunCancelling {
		t.Errorf("State after Cancel = %v, want %v", got, RunCancelling)
	}
	if !h.cancelRequested() {
		t.Error("cancelRequested() = false after Cancel")
	}
}

// --- interrupt ---

func TestRunHandleInterruptAbortsStream(t *testing.T) {
	tr := newBlockingStreamTransport()
	r := NewRunner(NewInMemoryStore())
	agent := mustAgent(t, "streamer", WithTransport(tr),
		WithFailSafe(FailSafe{LLMFailurePolicy: FailureFailFast}))

	h := startRun(t, r, agent, WithUserMessage("go"))
	events, unsub := h.Events()
	defer unsub()

	select {
	case <-tr.awaiting:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never armed")
	}
	h.Interrupt()

	res := awaitRun(t, h)
	if res.State != RunCancelled {
		t.Errorf("State = %v, want %v", res.State, RunCancelled)
	}
	if res.Error != "interrupted" {
		t.Errorf("Error = %q, want %q", res.Error, "interrupted")
	}
	if !hasEventType(drainEvents(events), EventRunInterrupted) {
		t.Error("missing run_interrupted event")
	}
}

// A stream armed after the interrupt request must abort immediately, or a
// retried model call would block on a stream nobody interrupts again.
func TestRunHandleInterruptCoversRetriedStream(t *testing.T) {
	tr := newBlockingStreamTransport()
	r := NewRunner(NewInMemoryStore())
	agent := mustAgent(t, "streamer", WithTransport(tr),
		WithFailSafe(FailSafe{
			LLMFailurePolicy: FailureRetryThenFail,
			Retry:            RetryPolicy{MaxAttempts: 2, BackoffBase: time.Millisecond},
		}))

	h := startRun(t, r, agent, WithUserMessage("go"))

	select {
	case <-tr.awaiting:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never armed")
	}
	h.Interrupt()

	res := awaitRun(t, h)
	if res.State != RunCancelled {
		t.Errorf("State = %v, want %v", res.State, RunCancelled)
	}
	if res.Error != "interrupted" {
		t.Errorf("Error = %q, want %q", res.Error, "interrupted")
	}
}

// --- internals ---

func TestRunHandleStateBlocksForResultVisibility(t *testing.T) {
	h := newRunHandle("run-1", "thread-1", NewEmitter(), func() {})
	// The executor stores the terminal state just before finish publishes
	// the result; State must not return in that window.
	h.setState(RunCompleted)

	stateReturned := make(chan RunState, 1)
	go func() { stateReturned <- h.State() }()

	select {
	case s := <-stateReturned:
		t.Fatalf("State returned %v before the result was published", s)
	case <-time.After(20 * time.Millisecond):
	}

	want := &RunResult{RunID: "run-1", State: RunCompleted}
	h.finish(want, nil)

	select {
	case s := <-stateReturned:
		if s != RunCompleted {
			t.Errorf("State = %v, want %v", s, RunCompleted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("State did not return after finish")
	}
	if got, err := h.Result(); err != nil || got != want {
		t.Errorf("Result = %v, %v, want the published result", got, err)
	}
}

func TestRunHandleEventsAfterCompletion(t *testing.T) {
	tr := newScriptTransport(textTurn("done"))
	r := NewRunner(NewInMemoryStore())
	agent := mustAgent(t, "helper", WithTransport(tr))
	h := startRun(t, r, agent, WithUserMessage("go"))
	awaitRun(t, h)

	ch, unsub := h.Events()
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("subscription after completion should return a closed channel")
	}
}

func TestRunStateTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunPaused, false},
		{RunCancelling, false},
		{RunCancelled, true},
		{RunDegraded, true},
		{RunFailed, true},
		{RunCompleted, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("RunState(%q).Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}
