package afk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending    RunState = "pending"
	RunRunning    RunState = "running"
	RunPaused     RunState = "paused"
	RunCancelling RunState = "cancelling"
	RunCancelled  RunState = "cancelled"
	RunDegraded   RunState = "degraded"
	RunFailed     RunState = "failed"
	RunCompleted  RunState = "completed"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunCancelled, RunDegraded, RunFailed, RunCompleted:
		return true
	}
	return false
}

// Run identifies one agent execution and its position in the run tree.
// Mutated only by the owning executor goroutine.
type Run struct {
	RunID     string    `json:"run_id"`
	ThreadID  string    `json:"thread_id"`
	Step      int       `json:"step"`
	State     RunState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Lineage   []int     `json:"lineage,omitempty"` // parent-step indexes for nested runs
	Depth     int       `json:"depth,omitempty"`
}

// LLMCallRecord captures one model call for the run result.
type LLMCallRecord struct {
	Model     string `json:"model"`
	Content   string `json:"content,omitempty"`
	ToolCalls int    `json:"tool_calls"`
	Usage     Usage  `json:"usage"`
	LatencyMS int64  `json:"latency_ms"`
}

// RunResult is the terminal outcome of a run: aggregate usage plus the
// per-call model response list.
type RunResult struct {
	RunID         string                `json:"run_id"`
	ThreadID      string                `json:"thread_id"`
	State         RunState              `json:"state"`
	FinalText     string                `json:"final_text,omitempty"`
	Error         string                `json:"error,omitempty"`
	Steps         int                   `json:"steps"`
	Usage         Usage                 `json:"usage"`
	LLMCalls      []LLMCallRecord       `json:"llm_calls,omitempty"`
	ToolLog       []ToolExecutionRecord `json:"tool_log,omitempty"`
	StartedAtMS   int64                 `json:"started_at_ms"`
	CompletedAtMS int64                 `json:"completed_at_ms"`
}

// runtimeState is the serialized form of a run's resumable state, stored in
// runtime_state checkpoint frames.
type runtimeState struct {
	AgentName     string                `json:"agent_name"`
	Messages      []Message             `json:"messages"`
	Usage         Usage                 `json:"usage"`
	LLMCalls      []LLMCallRecord       `json:"llm_calls,omitempty"`
	ToolLog       []ToolExecutionRecord `json:"tool_log,omitempty"`
	LLMCallCount  int                   `json:"llm_call_count"`
	ToolCallCount int                   `json:"tool_call_count"`
	Depth         int                   `json:"depth,omitempty"`
	Lineage       []int                 `json:"lineage,omitempty"`
	Context       map[string]any        `json:"context,omitempty"`
}

// startConfig collects per-run options.
type startConfig struct {
	threadID    string
	userMessage string
	contextMap  map[string]any
	depth       int
	lineage     []int
}

// RunOption configures Start and Resume.
type RunOption func(*startConfig)

// WithUserMessage sets the initial (or continuation) user message.
func WithUserMessage(text string) RunOption {
	return func(c *startConfig) { c.userMessage = text }
}

// WithThreadID pins the run to a conversation thread. Defaults to a fresh id.
func WithThreadID(id string) RunOption {
	return func(c *startConfig) { c.threadID = id }
}

// WithContextMap merges values into the run context, visible to tools,
// policy roles, and (filtered by inherit_context_keys) sub-agent runs.
func WithContextMap(m map[string]any) RunOption {
	return func(c *startConfig) {
		if c.contextMap == nil {
			c.contextMap = make(map[string]any, len(m))
		}
		for k, v := range m {
			c.contextMap[k] = v
		}
	}
}

// WithContextValue sets one run-context key.
func WithContextValue(key string, value any) RunOption {
	return func(c *startConfig) {
		if c.contextMap == nil {
			c.contextMap = make(map[string]any)
		}
		c.contextMap[key] = value
	}
}

// Runner owns the shared machinery runs execute against: the memory store,
// checkpoint journal, interaction broker, A2A protocol, and delegation
// engine. Sub-agent dispatch routes back through the runner recursively.
type Runner struct {
	store      MemoryStore
	journal    *Journal
	broker     *Broker
	protocol   *A2AProtocol
	delegation *DelegationEngine
	logger     *slog.Logger
	tracer     Tracer

	mu     sync.RWMutex
	agents map[string]*Agent
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	logger         *slog.Logger
	tracer         Tracer
	broker         *Broker
	deliveryStore  DeliveryStore
	delegationOpts []DelegationOption
}

// WithRunnerLogger sets the structured logger shared by the runner's
// components.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) { c.logger = l }
}

// WithRunnerTracer sets the tracer for run and delegation spans.
func WithRunnerTracer(t Tracer) RunnerOption {
	return func(c *runnerConfig) { c.tracer = t }
}

// WithRunnerBroker replaces the interaction broker. The default broker uses
// a headless provider that denies approvals, so unattended runs fall through
// to the configured approval_denial_policy instead of hanging.
func WithRunnerBroker(b *Broker) RunnerOption {
	return func(c *runnerConfig) { c.broker = b }
}

// WithRunnerDeliveryStore replaces the A2A delivery store (dedupe cache and
// dead-letter log). Defaults to in-memory.
func WithRunnerDeliveryStore(ds DeliveryStore) RunnerOption {
	return func(c *runnerConfig) { c.deliveryStore = ds }
}

// WithRunnerDelegation forwards options to the delegation engine
// (parallelism limits, back-pressure).
func WithRunnerDelegation(opts ...DelegationOption) RunnerOption {
	return func(c *runnerConfig) { c.delegationOpts = append(c.delegationOpts, opts...) }
}

// NewRunner builds a runner over the given memory store.
func NewRunner(store MemoryStore, opts ...RunnerOption) *Runner {
	cfg := runnerConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.broker == nil {
		cfg.broker = NewBroker(
			WithBrokerProvider(&HeadlessProvider{}),
			WithBrokerLogger(cfg.logger),
		)
	}
	r := &Runner{
		store:  store,
		broker: cfg.broker,
		logger: cfg.logger,
		tracer: cfg.tracer,
		agents: make(map[string]*Agent),
	}
	r.journal = NewJournal(store, WithJournalLogger(cfg.logger))
	a2aOpts := []A2AOption{WithA2ALogger(cfg.logger)}
	if cfg.deliveryStore != nil {
		a2aOpts = append(a2aOpts, WithA2AStore(cfg.deliveryStore))
	}
	r.protocol = NewA2AProtocol(DispatcherFunc(r.dispatchSubagent), a2aOpts...)
	delegationOpts := append([]DelegationOption{WithDelegationLogger(cfg.logger)}, cfg.delegationOpts...)
	r.delegation = NewDelegationEngine(r.protocol, delegationOpts...)
	return r
}

// Store returns the runner's memory store.
func (r *Runner) Store() MemoryStore { return r.store }

// Journal returns the runner's checkpoint journal.
func (r *Runner) Journal() *Journal { return r.journal }

// Broker returns the runner's interaction broker, for resolving deferred
// approval tokens.
func (r *Runner) Broker() *Broker { return r.broker }

// Protocol returns the runner's A2A protocol, for task inspection and
// dead-letter review.
func (r *Runner) Protocol() *A2AProtocol { return r.protocol }

// RegisterAgent makes an agent resolvable as a delegation target. Start
// registers the root agent and its sub-agent closure automatically; this is
// for agents only reachable through dynamic router decisions.
func (r *Runner) RegisterAgent(a *Agent) error {
	if a == nil {
		return &ConfigError{Field: "agent", Reason: "nil agent"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(a)
}

func (r *Runner) registerLocked(a *Agent) error {
	if existing, ok := r.agents[a.name]; ok {
		if existing == a {
			return nil
		}
		return &ConfigError{Field: "agent", Reason: fmt.Sprintf("duplicate agent %q", a.name)}
	}
	r.agents[a.name] = a
	for _, name := range a.subOrder {
		if err := r.registerLocked(a.subAgents[name]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) lookupAgent(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Start opens a run handle for agent and drives it in a background
// goroutine. The returned handle observes and controls the run; cancelling
// ctx cancels the run.
func (r *Runner) Start(ctx context.Context, agent *Agent, opts ...RunOption) (*RunHandle, error) {
	if agent == nil {
		return nil, &ConfigError{Field: "agent", Reason: "nil agent"}
	}
	if err := r.RegisterAgent(agent); err != nil {
		return nil, err
	}
	cfg := startConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threadID == "" {
		cfg.threadID = NewID()
	}
	return r.launch(ctx, agent, cfg, nil), nil
}

// Resume reopens a run from its latest checkpoint. The agent named in the
// checkpoint must be registered. Options may add a continuation user
// message. Terminal runs return ErrRunTerminal.
func (r *Runner) Resume(ctx context.Context, runID, threadID string, opts ...RunOption) (*RunHandle, error) {
	latest, err := r.journal.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if latest.Phase == PhaseRunTerminal {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunTerminal)
	}
	frames, err := r.journal.Frames(ctx, runID)
	if err != nil {
		return nil, err
	}
	var stateFrame *CheckpointFrame
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Phase == PhaseRuntimeState {
			stateFrame = &frames[i]
			break
		}
	}
	if stateFrame == nil {
		return nil, &StoreError{Op: "resume", Key: runID, Err: errors.New("no runtime_state frame")}
	}
	var rs runtimeState
	if err := json.Unmarshal(stateFrame.Payload, &rs); err != nil {
		return nil, &StoreError{Op: "resume", Key: runID, Err: err}
	}
	agent, ok := r.lookupAgent(rs.AgentName)
	if !ok {
		return nil, &ConfigError{Field: "agent", Reason: fmt.Sprintf("agent %q not registered for resume", rs.AgentName)}
	}
	if threadID == "" {
		threadID = stateFrame.ThreadID
	}
	cfg := startConfig{threadID: threadID, contextMap: rs.Context, depth: rs.Depth, lineage: rs.Lineage}
	for _, opt := range opts {
		opt(&cfg)
	}
	resume := &resumePoint{runID: runID, step: stateFrame.Step + 1, state: rs}
	return r.launch(ctx, agent, cfg, resume), nil
}

// Compact applies the retention policy to one thread's events and
// checkpoint state.
func (r *Runner) Compact(ctx context.Context, threadID string, policy Retention) (CompactionStats, error) {
	return Compact(ctx, r.store, threadID, policy)
}

// resumePoint rehydrates an executor from a runtime_state frame.
type resumePoint struct {
	runID string
	step  int
	state runtimeState
}

// launch wires an executor and starts its goroutine.
func (r *Runner) launch(ctx context.Context, agent *Agent, cfg startConfig, resume *resumePoint) *RunHandle {
	ctx, cancel := context.WithCancel(ctx)
	runID := NewID()
	if resume != nil {
		runID = resume.runID
	}
	run := Run{
		RunID:     runID,
		ThreadID:  cfg.threadID,
		State:     RunPending,
		StartedAt: time.Now(),
		Lineage:   cfg.lineage,
		Depth:     cfg.depth,
	}
	emitter := NewEmitter(WithEmitterStore(r.store), WithEmitterLogger(r.logger))
	h := newRunHandle(run.RunID, run.ThreadID, emitter, cancel)
	ex := &executor{
		runner:  r,
		agent:   agent,
		run:     run,
		cfg:     cfg,
		handle:  h,
		emitter: emitter,
		logger:  r.logger.With("run_id", run.RunID, "agent", agent.name),
		tracer:  r.tracer,
		resume:  resume,
	}
	go ex.execute(ctx)
	return h
}

// dispatchSubagent is the A2A dispatcher: it resolves the target agent,
// runs it as a nested run, and wraps the terminal result in a response
// envelope. Plan validation has already bounded targets to the parent's
// sub-agent set.
func (r *Runner) dispatchSubagent(ctx context.Context, req Envelope) (Envelope, error) {
	target, ok := r.lookupAgent(req.TargetAgent)
	if !ok {
		return Envelope{}, &ConfigError{Field: "target_agent", Reason: fmt.Sprintf("unknown agent %q", req.TargetAgent)}
	}
	cfg := startConfig{
		threadID:    req.ThreadID,
		userMessage: subagentTask(req.Payload),
		contextMap:  metadataContext(req.Metadata),
		depth:       metadataInt(req.Metadata, "depth"),
		lineage:     metadataLineage(req.Metadata),
	}
	h := r.launch(ctx, target, cfg, nil)
	res, err := h.Await(ctx)
	if err != nil {
		return Envelope{}, err
	}
	out, _ := json.Marshal(map[string]any{"text": res.FinalText, "state": string(res.State)})
	success := res.State == RunCompleted || res.State == RunDegraded
	payload, _ := json.Marshal(A2AResult{Success: success, Output: out, Error: res.Error})
	return ResponseTo(req, payload, nil), nil
}

// subagentTask extracts the child's user message from a node payload: the
// "task" key when the binding carries one, otherwise the raw payload JSON.
func subagentTask(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Task != "" {
		return probe.Task
	}
	return string(payload)
}

func metadataContext(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	if rc, ok := md["context"].(map[string]any); ok {
		return rc
	}
	return nil
}

func metadataInt(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func metadataLineage(md map[string]any) []int {
	switch v := md["lineage"].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	}
	return nil
}
