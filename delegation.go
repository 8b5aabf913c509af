package afk

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"
)

// JoinPolicy decides how node outcomes merge into a plan outcome.
type JoinPolicy string

const (
	// JoinAllRequired fails the plan when any required node fails.
	JoinAllRequired JoinPolicy = "all_required"
	// JoinAllowOptionalFailures fails only on required-node failures;
	// optional failures degrade the result instead.
	JoinAllowOptionalFailures JoinPolicy = "allow_optional_failures"
	// JoinFirstSuccess completes when at least one node succeeds.
	JoinFirstSuccess JoinPolicy = "first_success"
	// JoinQuorum completes when the success count reaches Plan.Quorum.
	JoinQuorum JoinPolicy = "quorum"
)

// PlanNode is one delegation target in a plan.
type PlanNode struct {
	ID          string `json:"id" yaml:"id"`
	TargetAgent string `json:"target_agent" yaml:"target_agent"`
	// InputBinding is the node's base payload before edge overlays.
	InputBinding map[string]any `json:"input_binding,omitempty" yaml:"input_binding,omitempty"`
	// Timeout bounds each dispatch attempt. Zero means no per-attempt limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"-"`
	// Retry governs dispatch attempts for this node.
	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Optional marks a node whose failure does not fail an
	// allow_optional_failures plan. The zero value means required.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// PlanEdge is a directed dependency: To runs after From succeeds.
type PlanEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	// KeyMap renames fields when overlaying the source's output onto the
	// target's input: source output key → target input key.
	KeyMap map[string]string `json:"key_map,omitempty" yaml:"key_map,omitempty"`
}

// Plan is a delegation DAG.
type Plan struct {
	Nodes          []PlanNode `json:"nodes" yaml:"nodes"`
	Edges          []PlanEdge `json:"edges,omitempty" yaml:"edges,omitempty"`
	JoinPolicy     JoinPolicy `json:"join_policy" yaml:"join_policy"`
	MaxParallelism int        `json:"max_parallelism" yaml:"max_parallelism"`
	// Quorum is the required success count for JoinQuorum plans.
	Quorum int `json:"quorum,omitempty" yaml:"quorum,omitempty"`
}

// PlanFanOut builds the trivial plan for a target list: one node per target,
// no edges, all_required join. Duplicate targets get #N suffixes so node ids
// stay unique. parallel=false forces sequential execution.
func PlanFanOut(targets []string, parallel bool) Plan {
	seen := make(map[string]int, len(targets))
	nodes := make([]PlanNode, 0, len(targets))
	for _, target := range targets {
		seen[target]++
		id := target
		if n := seen[target]; n > 1 {
			id = target + "#" + strconv.Itoa(n)
		}
		nodes = append(nodes, PlanNode{ID: id, TargetAgent: target})
	}
	parallelism := 1
	if parallel && len(targets) > 1 {
		parallelism = len(targets)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return Plan{
		Nodes:          nodes,
		JoinPolicy:     JoinAllRequired,
		MaxParallelism: parallelism,
	}
}

// ValidatePlan checks plan structure and returns the deterministic
// topological order: Kahn's algorithm with the ready set drained in
// lexicographic node-id order. knownAgents, when non-nil, bounds resolvable
// targets.
func ValidatePlan(plan Plan, knownAgents map[string]bool) ([]string, error) {
	if plan.MaxParallelism < 1 {
		return nil, &PlanError{Reason: fmt.Sprintf("max_parallelism %d, want >= 1", plan.MaxParallelism)}
	}
	switch plan.JoinPolicy {
	case JoinAllRequired, JoinAllowOptionalFailures, JoinFirstSuccess:
	case JoinQuorum:
		if plan.Quorum < 1 || plan.Quorum > len(plan.Nodes) {
			return nil, &PlanError{Reason: fmt.Sprintf("quorum %d outside 1..%d", plan.Quorum, len(plan.Nodes))}
		}
	default:
		return nil, &PlanError{Reason: fmt.Sprintf("unknown join policy %q", plan.JoinPolicy)}
	}

	ids := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if node.ID == "" {
			return nil, &PlanError{Reason: "node with empty id"}
		}
		if ids[node.ID] {
			return nil, &PlanError{Node: node.ID, Reason: "duplicate node id"}
		}
		ids[node.ID] = true
		if node.TargetAgent == "" {
			return nil, &PlanError{Node: node.ID, Reason: "empty target agent"}
		}
		if knownAgents != nil && !knownAgents[node.TargetAgent] {
			return nil, &PlanError{Node: node.ID, Reason: fmt.Sprintf("unknown target agent %q", node.TargetAgent)}
		}
	}

	indegree := make(map[string]int, len(plan.Nodes))
	adjacency := make(map[string][]string, len(plan.Nodes))
	for _, edge := range plan.Edges {
		if !ids[edge.From] {
			return nil, &PlanError{Node: edge.From, Reason: "edge source not in node set"}
		}
		if !ids[edge.To] {
			return nil, &PlanError{Node: edge.To, Reason: "edge target not in node set"}
		}
		if edge.From == edge.To {
			return nil, &PlanError{Node: edge.From, Reason: "self-cycle"}
		}
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		indegree[edge.To]++
	}

	var ready []string
	for _, node := range plan.Nodes {
		if indegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(plan.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var unblocked []string
		for _, dep := range adjacency[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Strings(ready)
		}
	}
	if len(order) != len(plan.Nodes) {
		return nil, &PlanError{Reason: "plan contains a cycle"}
	}
	return order, nil
}

// bindInput computes a node's dispatch payload: the declared input binding,
// overlaid per incoming edge in declaration order with the source node's
// output. A key map overlays the named fields; without one, dict outputs
// merge their non-conflicting keys and scalar outputs bind under the source
// node's id.
func bindInput(node PlanNode, edges []PlanEdge, outputs map[string]any) map[string]any {
	payload := maps.Clone(node.InputBinding)
	if payload == nil {
		payload = make(map[string]any)
	}
	for _, edge := range edges {
		if edge.To != node.ID {
			continue
		}
		out, ok := outputs[edge.From]
		if !ok {
			continue
		}
		if len(edge.KeyMap) > 0 {
			dict, isDict := out.(map[string]any)
			if !isDict {
				continue
			}
			srcKeys := make([]string, 0, len(edge.KeyMap))
			for k := range edge.KeyMap {
				srcKeys = append(srcKeys, k)
			}
			sort.Strings(srcKeys)
			for _, src := range srcKeys {
				if v, present := dict[src]; present {
					payload[edge.KeyMap[src]] = v
				}
			}
			continue
		}
		if dict, isDict := out.(map[string]any); isDict {
			for k, v := range dict {
				if _, exists := payload[k]; !exists {
					payload[k] = v
				}
			}
			continue
		}
		payload[edge.From] = out
	}
	return payload
}

// NodeStatus is the terminal status of one plan node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeSkipped   NodeStatus = "skipped"
)

// Reasons attached to nodes settled without dispatching.
const (
	reasonCancelledByParent = "cancelled by parent control flow"
	reasonDependencyFailed  = "dependency did not complete successfully"
	reasonPolicyDenied      = "denied by policy"
)

// NodeResult is one node's outcome.
type NodeResult struct {
	NodeID    string          `json:"node_id"`
	Target    string          `json:"target"`
	Status    NodeStatus      `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	LatencyMS int64           `json:"latency_ms,omitempty"`
}

// DelegationStatus is the aggregated plan outcome.
type DelegationStatus string

const (
	DelegationCompleted DelegationStatus = "completed"
	DelegationDegraded  DelegationStatus = "degraded"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// DelegationResult is the merged outcome of one plan execution.
// OrderedOutputs follows the validator's topological order.
type DelegationResult struct {
	Status         DelegationStatus `json:"status"`
	OrderedOutputs []NodeResult     `json:"ordered_outputs"`
	SuccessCount   int              `json:"success_count"`
	FailureCount   int              `json:"failure_count"`
}

// aggregate merges node results in topological order and applies the join
// policy. Full cancellation overrides the join policy; partial cancellation
// counts cancelled required nodes as required failures.
func aggregate(plan Plan, topo []string, results map[string]NodeResult) DelegationResult {
	res := DelegationResult{OrderedOutputs: make([]NodeResult, 0, len(topo))}
	required := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		required[node.ID] = !node.Optional
	}

	anyCancelled := false
	allCancelledOrSkipped := true
	requiredNotCompleted := false
	for _, id := range topo {
		r := results[id]
		res.OrderedOutputs = append(res.OrderedOutputs, r)
		switch r.Status {
		case NodeCompleted:
			res.SuccessCount++
		case NodeFailed:
			res.FailureCount++
		case NodeCancelled:
			anyCancelled = true
		}
		if r.Status != NodeCancelled && r.Status != NodeSkipped {
			allCancelledOrSkipped = false
		}
		if required[id] && r.Status != NodeCompleted {
			requiredNotCompleted = true
		}
	}

	if len(topo) == 0 {
		res.Status = DelegationCompleted
		return res
	}
	if anyCancelled && allCancelledOrSkipped {
		res.Status = DelegationCancelled
		return res
	}

	switch plan.JoinPolicy {
	case JoinAllRequired:
		if requiredNotCompleted {
			res.Status = DelegationFailed
		} else {
			res.Status = DelegationCompleted
		}
	case JoinAllowOptionalFailures:
		switch {
		case requiredNotCompleted:
			res.Status = DelegationFailed
		case res.FailureCount > 0:
			res.Status = DelegationDegraded
		default:
			res.Status = DelegationCompleted
		}
	case JoinFirstSuccess:
		if res.SuccessCount >= 1 {
			res.Status = DelegationCompleted
		} else {
			res.Status = DelegationFailed
		}
	case JoinQuorum:
		if res.SuccessCount >= plan.Quorum {
			res.Status = DelegationCompleted
		} else {
			res.Status = DelegationFailed
		}
	}
	return res
}
