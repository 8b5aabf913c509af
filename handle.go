package afk

import (
	"context"
	"sync"
	"sync/atomic"
)

// RunHandle tracks a background run: observe its state and events, pause,
// resume, cancel, interrupt, and await the terminal result.
// All methods are safe for concurrent use.
type RunHandle struct {
	runID    string
	threadID string

	state atomic.Value // RunState

	pauseFlag     atomic.Bool
	cancelFlag    atomic.Bool
	interruptFlag atomic.Bool

	mu       sync.Mutex
	resumeCh chan struct{} // non-nil while the executor is parked in paused state
	aborter  func()        // aborts the in-flight model stream, set by the executor

	emitter *Emitter
	result  *RunResult
	err     error
	done    chan struct{}
	cancel  context.CancelFunc
}

func newRunHandle(runID, threadID string, emitter *Emitter, cancel context.CancelFunc) *RunHandle {
	h := &RunHandle{
		runID:    runID,
		threadID: threadID,
		emitter:  emitter,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	h.state.Store(RunPending)
	return h
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string { return h.runID }

// ThreadID returns the conversation thread identifier.
func (h *RunHandle) ThreadID() string { return h.threadID }

// State returns the current run state. If the state is terminal, State
// blocks until Done() is closed so Result() is guaranteed valid afterwards.
func (h *RunHandle) State() RunState {
	s := h.state.Load().(RunState)
	if s.Terminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Events subscribes to the run's ordered lifecycle events. The returned
// cancel function releases the subscription.
func (h *RunHandle) Events() (<-chan Event, func()) {
	return h.emitter.Subscribe()
}

// Await blocks until the run finishes or ctx is cancelled.
func (h *RunHandle) Await(ctx context.Context) (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the terminal result. Only meaningful after Done() closes;
// before that it returns nil, nil.
func (h *RunHandle) Result() (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Pause asks the executor to suspend at the next safe boundary. The run
// persists a paused checkpoint and waits for Resume.
func (h *RunHandle) Pause() { h.pauseFlag.Store(true) }

// Resume releases a paused run. Reports whether an executor was actually
// parked; calling Resume before the pause takes effect just clears the
// request.
func (h *RunHandle) Resume() bool {
	h.pauseFlag.Store(false)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resumeCh == nil {
		return false
	}
	close(h.resumeCh)
	h.resumeCh = nil
	return true
}

// Cancel requests cancellation. In-flight work is cancelled through its own
// context; no new phases start. Non-blocking.
func (h *RunHandle) Cancel() {
	h.cancelFlag.Store(true)
	if s := h.state.Load().(RunState); !s.Terminal() {
		h.state.Store(RunCancelling)
	}
	// A paused executor must wake up to observe the cancel.
	h.mu.Lock()
	if h.resumeCh != nil {
		close(h.resumeCh)
		h.resumeCh = nil
	}
	h.mu.Unlock()
	h.cancel()
}

// Interrupt aborts the in-flight model stream when the transport supports
// it; otherwise the executor degrades the request to a cancel.
func (h *RunHandle) Interrupt() {
	h.interruptFlag.Store(true)
	h.mu.Lock()
	abort := h.aborter
	h.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// --- executor-facing internals ---

func (h *RunHandle) setState(s RunState) { h.state.Store(s) }

func (h *RunHandle) currentState() RunState { return h.state.Load().(RunState) }

// finish publishes the terminal result. The done close is the
// happens-before barrier for result visibility.
func (h *RunHandle) finish(res *RunResult, err error) {
	h.result = res
	h.err = err
	if res != nil {
		h.state.Store(res.State)
	}
	close(h.done)
}

func (h *RunHandle) pauseRequested() bool     { return h.pauseFlag.Load() }
func (h *RunHandle) cancelRequested() bool    { return h.cancelFlag.Load() }
func (h *RunHandle) interruptRequested() bool { return h.interruptFlag.Load() }

// park prepares the resume channel the executor blocks on while paused.
// Returns nil when a resume or cancel slipped in first.
func (h *RunHandle) park() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.pauseFlag.Load() || h.cancelFlag.Load() {
		return nil
	}
	h.resumeCh = make(chan struct{})
	return h.resumeCh
}

// setAborter installs the abort hook for the stream in flight. When an
// interrupt request is already pending the hook fires at once, so a stream
// armed between retry attempts cannot outlive the request.
func (h *RunHandle) setAborter(fn func()) {
	h.mu.Lock()
	h.aborter = fn
	fire := fn != nil && h.interruptFlag.Load()
	h.mu.Unlock()
	if fire {
		fn()
	}
}
