package afk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Contract ids shipped with the worker.
const (
	ContractRunnerChat  = "runner.chat.v1"
	ContractJobDispatch = "job.dispatch.v1"
)

// ExecutionContract gives a queued task its execution semantics. The worker
// resolves the contract from the task's execution_contract metadata and
// hands the task over.
//
// Errors satisfying the terminal classification (configuration, schema,
// plan) fail the task without consuming retry budget; everything else is
// retried under the task's policy.
type ExecutionContract interface {
	// ID is the registration key carried in task metadata.
	ID() string
	// RequiresAgent reports whether tasks must name an agent.
	RequiresAgent() bool
	// Execute runs the task and returns the contract output.
	Execute(ctx context.Context, task *Task) (any, error)
}

// PayloadValidator is an optional contract capability. When implemented,
// the worker validates the task payload before Execute; violations fail the
// task without consuming retry budget.
type PayloadValidator interface {
	ValidatePayload(payload json.RawMessage) error
}

func compileContractSchema(id string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &SchemaError{Subject: "contract " + id, Causes: []string{err.Error()}}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, &SchemaError{Subject: "contract " + id, Causes: []string{err.Error()}}
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, &SchemaError{Subject: "contract " + id, Causes: []string{err.Error()}}
	}
	return schema, nil
}

func validateContractPayload(schema *jsonschema.Schema, id string, payload json.RawMessage) error {
	var doc any
	if len(payload) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(payload, &doc); err != nil {
		return &SchemaError{Subject: "contract " + id, Causes: []string{err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaError{Subject: "contract " + id, Causes: []string{err.Error()}}
	}
	return nil
}

// --- runner.chat.v1 ---

var runnerChatSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"user_message": {"type": "string"},
		"context": {"type": "object"}
	},
	"additionalProperties": false
}`)

type runnerChatPayload struct {
	UserMessage string         `json:"user_message,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// runnerChatContract drives a registered agent through one full run and
// returns its terminal text and state.
type runnerChatContract struct {
	runner *Runner
	schema *jsonschema.Schema
}

var (
	_ ExecutionContract = (*runnerChatContract)(nil)
	_ PayloadValidator  = (*runnerChatContract)(nil)
)

// NewRunnerChatContract builds the runner.chat.v1 contract bound to a
// runner. Tasks must name an agent registered on it.
func NewRunnerChatContract(r *Runner) (ExecutionContract, error) {
	if r == nil {
		return nil, &ConfigError{Field: "runner", Reason: "must not be nil"}
	}
	schema, err := compileContractSchema(ContractRunnerChat, runnerChatSchema)
	if err != nil {
		return nil, err
	}
	return &runnerChatContract{runner: r, schema: schema}, nil
}

func (c *runnerChatContract) ID() string          { return ContractRunnerChat }
func (c *runnerChatContract) RequiresAgent() bool { return true }

func (c *runnerChatContract) ValidatePayload(payload json.RawMessage) error {
	return validateContractPayload(c.schema, ContractRunnerChat, payload)
}

func (c *runnerChatContract) Execute(ctx context.Context, task *Task) (any, error) {
	var p runnerChatPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, &SchemaError{Subject: "contract " + ContractRunnerChat, Causes: []string{err.Error()}}
		}
	}
	agent, ok := c.runner.lookupAgent(task.AgentName)
	if !ok {
		return nil, &ConfigError{Field: "agent_name", Reason: fmt.Sprintf("agent %q not found", task.AgentName)}
	}
	var opts []RunOption
	if p.UserMessage != "" {
		opts = append(opts, WithUserMessage(p.UserMessage))
	}
	if len(p.Context) > 0 {
		opts = append(opts, WithContextMap(p.Context))
	}
	handle, err := c.runner.Start(ctx, agent, opts...)
	if err != nil {
		return nil, err
	}
	res, err := handle.Await(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"final_text": res.FinalText,
		"state":      string(res.State),
	}
	switch res.State {
	case RunCompleted, RunDegraded:
		return out, nil
	}
	return nil, fmt.Errorf("run %s ended %s: %s", res.RunID, res.State, res.Error)
}

// --- job.dispatch.v1 ---

var jobDispatchSchema = json.RawMessage(`{
	"type": "object",
	"required": ["job_type"],
	"properties": {
		"job_type": {"type": "string", "minLength": 1},
		"arguments": {"type": "object"}
	},
	"additionalProperties": false
}`)

// JobHandler executes one job type for the job.dispatch.v1 contract.
type JobHandler func(ctx context.Context, args map[string]any) (any, error)

type jobDispatchPayload struct {
	JobType   string         `json:"job_type"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// jobDispatchContract routes agentless jobs to named handlers.
type jobDispatchContract struct {
	handlers map[string]JobHandler
	schema   *jsonschema.Schema
}

var (
	_ ExecutionContract = (*jobDispatchContract)(nil)
	_ PayloadValidator  = (*jobDispatchContract)(nil)
)

// NewJobDispatchContract builds the job.dispatch.v1 contract over a handler
// table. Unknown job types fail the task without consuming retry budget.
func NewJobDispatchContract(handlers map[string]JobHandler) (ExecutionContract, error) {
	schema, err := compileContractSchema(ContractJobDispatch, jobDispatchSchema)
	if err != nil {
		return nil, err
	}
	c := &jobDispatchContract{
		handlers: make(map[string]JobHandler, len(handlers)),
		schema:   schema,
	}
	for name, h := range handlers {
		if name == "" || h == nil {
			return nil, &ConfigError{Field: "job_handler", Reason: "empty job type or nil handler"}
		}
		c.handlers[name] = h
	}
	return c, nil
}

func (c *jobDispatchContract) ID() string          { return ContractJobDispatch }
func (c *jobDispatchContract) RequiresAgent() bool { return false }

func (c *jobDispatchContract) ValidatePayload(payload json.RawMessage) error {
	return validateContractPayload(c.schema, ContractJobDispatch, payload)
}

func (c *jobDispatchContract) Execute(ctx context.Context, task *Task) (out any, err error) {
	var p jobDispatchPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return nil, &SchemaError{Subject: "contract " + ContractJobDispatch, Causes: []string{err.Error()}}
	}
	h, ok := c.handlers[p.JobType]
	if !ok {
		return nil, &ConfigError{Field: "job_type", Reason: fmt.Sprintf("unknown job handler %q", p.JobType)}
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("job %s panicked: %v", p.JobType, r)
		}
	}()
	return h(ctx, p.Arguments)
}
