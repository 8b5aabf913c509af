package afk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Process-wide delegation defaults.
const (
	defaultGlobalParallelism    = 16
	defaultPerTargetParallelism = 4
	defaultBackpressureLimit    = 128
)

// DelegationRequest binds a plan to its parent run.
type DelegationRequest struct {
	Plan        Plan
	RunID       string
	ThreadID    string
	SourceAgent string
	Step        int
	// KnownAgents bounds resolvable targets; nil skips the check.
	KnownAgents map[string]bool
	// Gate, when set, is consulted before each node dispatch. A non-allow
	// decision settles the node as skipped without dispatching.
	Gate func(ctx context.Context, node PlanNode) PolicyDecision
	// Metadata is copied into every request envelope (lineage, depth).
	Metadata map[string]any
}

// A2AResult is the conventional payload shape carried by agent execution
// responses.
type A2AResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DelegationEngine drains validated plans against the A2A protocol.
// Three semaphores bound concurrency: one global across every plan in the
// process, one per plan bounded by its max_parallelism, and one per target
// agent so a wide fan-out cannot stampede a single child.
type DelegationEngine struct {
	protocol *A2AProtocol
	logger   *slog.Logger

	global      *semaphore.Weighted
	globalLimit int64

	targetMu       sync.Mutex
	targets        map[string]*semaphore.Weighted
	perTargetLimit int64

	backpressureLimit int
}

// DelegationOption configures a DelegationEngine.
type DelegationOption func(*DelegationEngine)

// WithDelegationLogger sets the engine logger. Defaults to a no-op logger.
func WithDelegationLogger(logger *slog.Logger) DelegationOption {
	return func(d *DelegationEngine) { d.logger = logger }
}

// WithGlobalParallelism bounds concurrent node dispatches across all plans
// in the process. Defaults to 16.
func WithGlobalParallelism(n int) DelegationOption {
	return func(d *DelegationEngine) {
		if n > 0 {
			d.globalLimit = int64(n)
		}
	}
}

// WithPerTargetParallelism bounds concurrent dispatches per target agent.
// Defaults to 4.
func WithPerTargetParallelism(n int) DelegationOption {
	return func(d *DelegationEngine) {
		if n > 0 {
			d.perTargetLimit = int64(n)
		}
	}
}

// WithBackpressureLimit bounds ready-plus-running nodes per plan; exceeding
// it fails the plan with a BackpressureError. Defaults to 128.
func WithBackpressureLimit(n int) DelegationOption {
	return func(d *DelegationEngine) {
		if n > 0 {
			d.backpressureLimit = n
		}
	}
}

// NewDelegationEngine creates an engine dispatching through protocol.
func NewDelegationEngine(protocol *A2AProtocol, opts ...DelegationOption) *DelegationEngine {
	d := &DelegationEngine{
		protocol:          protocol,
		logger:            nopLogger,
		globalLimit:       defaultGlobalParallelism,
		targets:           make(map[string]*semaphore.Weighted),
		perTargetLimit:    defaultPerTargetParallelism,
		backpressureLimit: defaultBackpressureLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.global = semaphore.NewWeighted(d.globalLimit)
	return d
}

type nodeOutcome struct {
	id     string
	result NodeResult
	output any
}

// Run validates and executes one plan, returning the aggregated result.
// Nodes become ready when every incoming edge's source completed
// successfully; the ready set drains in node-id order. A failed source skips
// its transitive dependents; cancellation cancels running nodes and marks
// pending descendants cancelled.
func (d *DelegationEngine) Run(ctx context.Context, req DelegationRequest) (DelegationResult, error) {
	topo, err := ValidatePlan(req.Plan, req.KnownAgents)
	if err != nil {
		return DelegationResult{}, err
	}
	if len(req.Plan.Nodes) == 0 {
		return DelegationResult{Status: DelegationCompleted, OrderedOutputs: []NodeResult{}}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	nodes := make(map[string]PlanNode, len(req.Plan.Nodes))
	for _, node := range req.Plan.Nodes {
		nodes[node.ID] = node
	}
	adjacency := make(map[string][]string)
	incoming := make(map[string][]string)
	remaining := make(map[string]int, len(req.Plan.Nodes))
	for _, edge := range req.Plan.Edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		incoming[edge.To] = append(incoming[edge.To], edge.From)
		remaining[edge.To]++
	}

	parentSem := semaphore.NewWeighted(int64(req.Plan.MaxParallelism))

	// Coordinator state. All maps are touched only by this goroutine; node
	// goroutines report through the done channel.
	results := make(map[string]NodeResult, len(req.Plan.Nodes))
	outputs := make(map[string]any)
	started := make(map[string]bool, len(req.Plan.Nodes))
	done := make(chan nodeOutcome, len(req.Plan.Nodes))
	inflight := 0
	var planErr error

	var launch func(id string)

	unblock := func(id string) {
		var ready []string
		for _, dep := range adjacency[id] {
			if !started[dep] {
				remaining[dep]--
				if remaining[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
		sort.Strings(ready)
		for _, dep := range ready {
			launch(dep)
		}
	}

	// settle finishes a node without dispatching and recursively releases
	// its dependents, which will settle the same way.
	settle := func(id string, status NodeStatus, reason string) {
		results[id] = NodeResult{
			NodeID: id,
			Target: nodes[id].TargetAgent,
			Status: status,
			Reason: reason,
		}
		started[id] = true
		unblock(id)
	}

	launch = func(id string) {
		if started[id] || planErr != nil {
			return
		}
		if ctx.Err() != nil || anyUpstream(incoming[id], results, NodeCancelled) {
			settle(id, NodeCancelled, reasonCancelledByParent)
			return
		}
		if anyUpstream(incoming[id], results, NodeFailed) || anyUpstream(incoming[id], results, NodeSkipped) {
			settle(id, NodeSkipped, reasonDependencyFailed)
			return
		}
		if inflight+1 > d.backpressureLimit {
			planErr = &BackpressureError{Ready: 1, Running: inflight, Limit: d.backpressureLimit}
			cancel()
			return
		}
		node := nodes[id]
		payload := bindInput(node, req.Plan.Edges, outputs)
		started[id] = true
		inflight++
		go func() {
			result, output := d.executeNode(ctx, req, node, payload, parentSem)
			done <- nodeOutcome{id: id, result: result, output: output}
		}()
	}

	// Seed roots; topo order keeps the seed deterministic.
	for _, id := range topo {
		if remaining[id] == 0 {
			launch(id)
		}
	}

	for inflight > 0 {
		outcome := <-done
		inflight--
		results[outcome.id] = outcome.result
		if outcome.result.Status == NodeCompleted {
			outputs[outcome.id] = outcome.output
		}
		unblock(outcome.id)
	}

	if planErr != nil {
		return DelegationResult{}, planErr
	}

	// Anything still unreached was stranded by a cancel mid-drain.
	for _, node := range req.Plan.Nodes {
		if _, ok := results[node.ID]; !ok {
			results[node.ID] = NodeResult{
				NodeID: node.ID,
				Target: node.TargetAgent,
				Status: NodeCancelled,
				Reason: reasonCancelledByParent,
			}
		}
	}

	result := aggregate(req.Plan, topo, results)
	d.logger.Debug("delegation plan finished",
		"run_id", req.RunID,
		"nodes", len(req.Plan.Nodes),
		"status", result.Status,
		"success", result.SuccessCount,
		"failure", result.FailureCount)
	return result, nil
}

func anyUpstream(sources []string, results map[string]NodeResult, status NodeStatus) bool {
	for _, src := range sources {
		if r, ok := results[src]; ok && r.Status == status {
			return true
		}
	}
	return false
}

// executeNode runs one node's attempt loop: acquire permits, gate through
// policy, dispatch with per-attempt timeout and backoff, record a dead
// letter when every attempt fails.
func (d *DelegationEngine) executeNode(ctx context.Context, req DelegationRequest, node PlanNode, payload map[string]any, parentSem *semaphore.Weighted) (res NodeResult, output any) {
	res = NodeResult{NodeID: node.ID, Target: node.TargetAgent}
	start := time.Now()
	defer func() { res.LatencyMS = durationMS(time.Since(start)) }()

	// Permit order is fixed (plan, global, target) so concurrent nodes
	// cannot deadlock against each other.
	if err := parentSem.Acquire(ctx, 1); err != nil {
		res.Status = NodeCancelled
		res.Reason = reasonCancelledByParent
		return res, nil
	}
	defer parentSem.Release(1)
	if err := d.global.Acquire(ctx, 1); err != nil {
		res.Status = NodeCancelled
		res.Reason = reasonCancelledByParent
		return res, nil
	}
	defer d.global.Release(1)
	targetSem := d.targetSemaphore(node.TargetAgent)
	if err := targetSem.Acquire(ctx, 1); err != nil {
		res.Status = NodeCancelled
		res.Reason = reasonCancelledByParent
		return res, nil
	}
	defer targetSem.Release(1)

	if req.Gate != nil {
		decision := req.Gate(ctx, node)
		if decision.Action != "" && decision.Action != PolicyAllow {
			res.Status = NodeSkipped
			res.Reason = reasonPolicyDenied
			res.Error = decision.Reason
			return res, nil
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		res.Status = NodeFailed
		res.Error = fmt.Sprintf("marshal input binding: %v", err)
		return res, nil
	}
	key := "sub:" + req.RunID + ":" + strconv.Itoa(req.Step) + ":" + node.ID
	env := NewRequestEnvelope(req.SourceAgent, node.TargetAgent, req.RunID, req.ThreadID, raw, key)
	if len(req.Metadata) > 0 {
		env.Metadata = maps.Clone(req.Metadata)
	}

	maxAttempts := node.Retry.attempts()
	deadLetterReason := DeliveryExhausted
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if node.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, node.Timeout)
		}
		resp, err := d.protocol.Invoke(attemptCtx, env)
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if err == nil {
			var ar A2AResult
			if unmarshalErr := json.Unmarshal(resp.Payload, &ar); unmarshalErr != nil {
				lastErr = fmt.Errorf("invalid response payload from %s: %w", node.TargetAgent, unmarshalErr)
			} else if ar.Success {
				res.Status = NodeCompleted
				res.Output = ar.Output
				var decoded any
				if len(ar.Output) > 0 {
					_ = json.Unmarshal(ar.Output, &decoded)
				}
				return res, decoded
			} else {
				lastErr = fmt.Errorf("target %s: %s", node.TargetAgent, ar.Error)
				if hint, ok := RetryableHint(resp); ok && !hint {
					deadLetterReason = "non_retryable_error"
					break
				}
			}
		} else {
			var de *DeliveryError
			if errors.As(err, &de) && de.Kind == DeliveryCancelled {
				res.Status = NodeCancelled
				res.Reason = reasonCancelledByParent
				return res, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				lastErr = &DeliveryError{Kind: DeliveryTimeout, CorrelationID: env.CorrelationID, Attempts: attempt, Err: err}
			} else {
				lastErr = err
			}
			if ctx.Err() != nil {
				res.Status = NodeCancelled
				res.Reason = reasonCancelledByParent
				return res, nil
			}
		}
		if attempt < maxAttempts {
			if err := sleepCtx(ctx, node.Retry.Delay(attempt)); err != nil {
				res.Status = NodeCancelled
				res.Reason = reasonCancelledByParent
				return res, nil
			}
		}
	}

	res.Status = NodeFailed
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	dl := DeadLetter{
		CorrelationID:  env.CorrelationID,
		IdempotencyKey: env.IdempotencyKey,
		TargetAgent:    node.TargetAgent,
		Reason:         deadLetterReason,
		Attempts:       res.Attempts,
		Envelope:       env,
	}
	// Record even when the surrounding plan is being torn down.
	if err := d.protocol.RecordDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		d.logger.Warn("dead letter record failed",
			"node", node.ID,
			"target", node.TargetAgent,
			"error", err)
	}
	return res, nil
}

func (d *DelegationEngine) targetSemaphore(target string) *semaphore.Weighted {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	sem, ok := d.targets[target]
	if !ok {
		sem = semaphore.NewWeighted(d.perTargetLimit)
		d.targets[target] = sem
	}
	return sem
}
