package afk

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default fail-safe limits applied when the corresponding field is zero.
const (
	defaultMaxSteps         = 10
	defaultMaxParallelTools = 10
	defaultMaxSubagentDepth = 3
	defaultMaxFanoutPerStep = 8
)

// FailurePolicy selects how the executor reacts when an action kind fails.
type FailurePolicy string

const (
	// FailureRetryThenFail retries per the configured retry policy, then
	// fails the run.
	FailureRetryThenFail FailurePolicy = "retry_then_fail"
	// FailureRetryThenDegrade retries, then finishes the run as degraded
	// when partial output exists.
	FailureRetryThenDegrade FailurePolicy = "retry_then_degrade"
	// FailureFailFast fails the run on the first error, no retry.
	FailureFailFast FailurePolicy = "fail_fast"
	// FailureContinueWithError records the error in the transcript and
	// keeps going.
	FailureContinueWithError FailurePolicy = "continue_with_error"
	// FailureRetryThenContinue retries, then records the error and keeps
	// going.
	FailureRetryThenContinue FailurePolicy = "retry_then_continue"
	// FailureContinue keeps going without recording a transcript error
	// beyond the bridge message.
	FailureContinue FailurePolicy = "continue"
	// FailureFailRun fails the run immediately.
	FailureFailRun FailurePolicy = "fail_run"
	// FailureSkipAction drops the denied or failed action and keeps going.
	FailureSkipAction FailurePolicy = "skip_action"
)

// FailSafe bounds a single run. Zero fields take the package defaults;
// a negative count disables that limit.
type FailSafe struct {
	MaxSteps                 int           `json:"max_steps"`
	MaxWallTime              time.Duration `json:"max_wall_time"`
	MaxLLMCalls              int           `json:"max_llm_calls"`
	MaxToolCalls             int           `json:"max_tool_calls"`
	MaxParallelTools         int           `json:"max_parallel_tools"`
	MaxSubagentDepth         int           `json:"max_subagent_depth"`
	MaxSubagentFanoutPerStep int           `json:"max_subagent_fanout_per_step"`
	MaxTotalCostUSD          float64       `json:"max_total_cost_usd,omitempty"`

	FallbackModels          []string      `json:"fallback_models,omitempty"`
	BreakerFailureThreshold int           `json:"breaker_failure_threshold,omitempty"`
	BreakerCooldown         time.Duration `json:"breaker_cooldown,omitempty"`

	// Retry drives the retry_then_* policies.
	Retry RetryPolicy `json:"retry"`

	LLMFailurePolicy      FailurePolicy `json:"llm_failure_policy,omitempty"`
	ToolFailurePolicy     FailurePolicy `json:"tool_failure_policy,omitempty"`
	SubagentFailurePolicy FailurePolicy `json:"subagent_failure_policy,omitempty"`
	ApprovalDenialPolicy  FailurePolicy `json:"approval_denial_policy,omitempty"`
}

// withDefaults fills unset fields. Counts ≤ -1 mean "unlimited" and are
// preserved.
func (f FailSafe) withDefaults() FailSafe {
	if f.MaxSteps == 0 {
		f.MaxSteps = defaultMaxSteps
	}
	if f.MaxParallelTools == 0 {
		f.MaxParallelTools = defaultMaxParallelTools
	}
	if f.MaxSubagentDepth == 0 {
		f.MaxSubagentDepth = defaultMaxSubagentDepth
	}
	if f.MaxSubagentFanoutPerStep == 0 {
		f.MaxSubagentFanoutPerStep = defaultMaxFanoutPerStep
	}
	if f.Retry.MaxAttempts == 0 {
		f.Retry = RetryPolicy{MaxAttempts: 2, BackoffBase: 500 * time.Millisecond, BackoffMax: 5 * time.Second}
	}
	if f.LLMFailurePolicy == "" {
		f.LLMFailurePolicy = FailureRetryThenFail
	}
	if f.ToolFailurePolicy == "" {
		f.ToolFailurePolicy = FailureContinueWithError
	}
	if f.SubagentFailurePolicy == "" {
		f.SubagentFailurePolicy = FailureContinue
	}
	if f.ApprovalDenialPolicy == "" {
		f.ApprovalDenialPolicy = FailureSkipAction
	}
	return f
}

// Agent is an immutable definition of a callable model-driven entity: model
// reference, instructions, tools, optional sub-agents and router, policy,
// and fail-safe limits. Runtime state lives on runs, never on the agent.
type Agent struct {
	name        string
	description string
	modelRef    string
	transport   ModelTransport
	tools       *ToolRegistry
	subAgents   map[string]*Agent
	subOrder    []string
	router      RouterFunc
	policy      *PolicyEngine
	failSafe    FailSafe
	inheritKeys []string
	instr       instructionSource
	tracer      Tracer
	logger      *slog.Logger

	pendingTools []Tool
	cfgErr       error
}

// AgentOption configures an Agent during construction.
type AgentOption func(*Agent)

// WithDescription sets the human-readable description, shown to parent
// routers when this agent is a delegation target.
func WithDescription(s string) AgentOption {
	return func(a *Agent) { a.description = s }
}

// WithTransport sets the model transport adapter.
func WithTransport(t ModelTransport) AgentOption {
	return func(a *Agent) { a.transport = t }
}

// WithModelRef sets the model identifier passed on every request.
func WithModelRef(ref string) AgentOption {
	return func(a *Agent) { a.modelRef = ref }
}

// WithTools adds tools to the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) { a.pendingTools = append(a.pendingTools, tools...) }
}

// WithSubAgents adds delegation targets. Sub-agent names must be unique.
func WithSubAgents(agents ...*Agent) AgentOption {
	return func(a *Agent) {
		for _, sub := range agents {
			if sub == nil {
				continue
			}
			if _, dup := a.subAgents[sub.name]; dup {
				a.cfgErr = &ConfigError{Field: "sub_agents", Reason: fmt.Sprintf("duplicate sub-agent %q", sub.name)}
				return
			}
			a.subAgents[sub.name] = sub
			a.subOrder = append(a.subOrder, sub.name)
		}
	}
}

// WithRouter sets the sub-agent router hook, consulted after each model
// response.
func WithRouter(fn RouterFunc) AgentOption {
	return func(a *Agent) { a.router = fn }
}

// WithPolicy sets the policy engine consulted before model calls, tool
// executions, and sub-agent dispatches.
func WithPolicy(p *PolicyEngine) AgentOption {
	return func(a *Agent) { a.policy = p }
}

// WithInstructions sets inline instruction text. Takes precedence over a
// template and the convention file.
func WithInstructions(text string) AgentOption {
	return func(a *Agent) { a.instr.inline = text }
}

// WithInstructionTemplate points at a template file rendered with the given
// context. Unknown placeholders fail the render.
func WithInstructionTemplate(path string, renderContext map[string]any) AgentOption {
	return func(a *Agent) {
		a.instr.templatePath = path
		a.instr.renderContext = renderContext
	}
}

// WithInstructionDir sets the directory searched for the convention
// instruction file <AGENT_NAME>.md. Defaults to the working directory.
func WithInstructionDir(dir string) AgentOption {
	return func(a *Agent) { a.instr.dir = dir }
}

// WithFailSafe replaces the fail-safe configuration.
func WithFailSafe(fs FailSafe) AgentOption {
	return func(a *Agent) { a.failSafe = fs }
}

// WithInheritContextKeys names the run-context keys that propagate to
// sub-agent runs. Unlisted keys stay with the parent.
func WithInheritContextKeys(keys ...string) AgentOption {
	return func(a *Agent) { a.inheritKeys = append(a.inheritKeys, keys...) }
}

// WithTracer sets the tracer for run, tool, and delegation spans.
func WithTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent builds an immutable agent definition. Configuration problems
// (missing transport, duplicate names, bad instruction templates) surface
// here, never mid-run.
func NewAgent(name string, opts ...AgentOption) (*Agent, error) {
	if name == "" {
		return nil, &ConfigError{Field: "name", Reason: "empty agent name"}
	}
	a := &Agent{
		name:      name,
		tools:     NewToolRegistry(),
		subAgents: make(map[string]*Agent),
		instr:     instructionSource{dir: "."},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfgErr != nil {
		return nil, a.cfgErr
	}
	if a.transport == nil {
		return nil, &ConfigError{Field: "transport", Reason: "agent requires a model transport"}
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	for _, t := range a.pendingTools {
		if err := a.tools.Register(t); err != nil {
			return nil, err
		}
	}
	a.pendingTools = nil
	if err := a.instr.compile(); err != nil {
		return nil, err
	}
	a.failSafe = a.failSafe.withDefaults()
	if a.modelRef == "" {
		a.modelRef = a.transport.Name()
	}
	return a, nil
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }

// Description returns the agent's human-readable description.
func (a *Agent) Description() string { return a.description }

// ModelRef returns the model identifier used for requests.
func (a *Agent) ModelRef() string { return a.modelRef }

// FailSafe returns a copy of the effective fail-safe configuration.
func (a *Agent) FailSafe() FailSafe { return a.failSafe }

// SubAgentNames lists delegation targets in registration order.
func (a *Agent) SubAgentNames() []string {
	out := make([]string, len(a.subOrder))
	copy(out, a.subOrder)
	return out
}

// subAgent resolves a delegation target by name.
func (a *Agent) subAgent(name string) (*Agent, bool) {
	sub, ok := a.subAgents[name]
	return sub, ok
}

// knownAgents returns the resolvable target set for plan validation.
func (a *Agent) knownAgents() map[string]bool {
	known := make(map[string]bool, len(a.subAgents))
	for name := range a.subAgents {
		known[name] = true
	}
	return known
}

// inheritContext filters a parent run context down to the keys sub-agent
// runs are allowed to see. A nil key list inherits nothing.
func (a *Agent) inheritContext(parent map[string]any) map[string]any {
	if len(a.inheritKeys) == 0 || len(parent) == 0 {
		return nil
	}
	child := make(map[string]any, len(a.inheritKeys))
	for _, k := range a.inheritKeys {
		if v, ok := parent[k]; ok {
			child[k] = v
		}
	}
	if len(child) == 0 {
		return nil
	}
	return child
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// --- Run context propagation ---

// runContextKey is the context key for the run context map.
type runContextKey struct{}

// WithRunContext returns a child context carrying the run's context map.
// Tools and policy roles can retrieve it via RunContextFromContext without
// changing their interfaces.
func WithRunContext(ctx context.Context, rc map[string]any) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFromContext retrieves the run context map from ctx.
func RunContextFromContext(ctx context.Context) (map[string]any, bool) {
	rc, ok := ctx.Value(runContextKey{}).(map[string]any)
	return rc, ok
}
