package afk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// RouteSnapshot is the read-only view of a run that a router hook sees when
// deciding whether to fan work out to sub-agents.
type RouteSnapshot struct {
	RunID     string
	ThreadID  string
	AgentName string
	Step      int
	LastText  string // most recent assistant output
	Messages  []Message
	Context   map[string]any
}

// RouteTarget names one sub-agent invocation requested by a router.
type RouteTarget struct {
	Agent string
	Input map[string]any
}

// RouteDecision is what a router hook returns. A non-nil Plan is used as-is;
// otherwise Targets become a trivial fan-out plan (Parallel controls its
// parallelism). An empty decision means no delegation this step.
type RouteDecision struct {
	Targets  []RouteTarget
	Plan     *Plan
	Parallel bool
}

// RouterFunc decides, after each model response, which sub-agents to invoke.
type RouterFunc func(ctx context.Context, snap RouteSnapshot) (RouteDecision, error)

func (d RouteDecision) empty() bool {
	return d.Plan == nil && len(d.Targets) == 0
}

// plan materializes the decision into a runnable delegation plan.
func (d RouteDecision) plan() Plan {
	if d.Plan != nil {
		return *d.Plan
	}
	seen := make(map[string]int, len(d.Targets))
	nodes := make([]PlanNode, 0, len(d.Targets))
	for _, t := range d.Targets {
		seen[t.Agent]++
		id := t.Agent
		if n := seen[t.Agent]; n > 1 {
			id = t.Agent + "#" + strconv.Itoa(n)
		}
		nodes = append(nodes, PlanNode{ID: id, TargetAgent: t.Agent, InputBinding: t.Input})
	}
	parallelism := 1
	if d.Parallel && len(nodes) > 1 {
		parallelism = len(nodes)
	}
	return Plan{
		Nodes:          nodes,
		JoinPolicy:     JoinAllRequired,
		MaxParallelism: parallelism,
	}
}

// FanOutRouter always routes to the given targets, passing the last assistant
// text under the "task" input key. Useful for fixed pipelines and tests.
func FanOutRouter(parallel bool, targets ...string) RouterFunc {
	return func(_ context.Context, snap RouteSnapshot) (RouteDecision, error) {
		dec := RouteDecision{Parallel: parallel}
		for _, t := range targets {
			dec.Targets = append(dec.Targets, RouteTarget{
				Agent: t,
				Input: map[string]any{"task": snap.LastText},
			})
		}
		return dec, nil
	}
}

// safeRoute invokes a router hook with panic containment. A panicking router
// is reported as an error, never as a crashed run.
func safeRoute(ctx context.Context, router RouterFunc, snap RouteSnapshot) (dec RouteDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec = RouteDecision{}
			err = fmt.Errorf("router panicked: %v", r)
		}
	}()
	return router(ctx, snap)
}

// buildBridgeMessage renders delegation results as a single tool-style
// transcript entry so the model can read sub-agent outputs on the next step.
func buildBridgeMessage(res DelegationResult) string {
	var b strings.Builder
	b.WriteString("Sub-agent results (")
	b.WriteString(string(res.Status))
	b.WriteString("):\n")
	for _, nr := range res.OrderedOutputs {
		b.WriteString("- ")
		b.WriteString(nr.NodeID)
		b.WriteString(" [")
		b.WriteString(string(nr.Status))
		b.WriteString("]")
		switch {
		case nr.Status == NodeCompleted && len(nr.Output) > 0:
			b.WriteString(": ")
			b.Write(nr.Output)
		case nr.Error != "":
			b.WriteString(": ")
			b.WriteString(nr.Error)
		case nr.Reason != "":
			b.WriteString(": ")
			b.WriteString(nr.Reason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
