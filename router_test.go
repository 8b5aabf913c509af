package afk

import (
	"context"
	"strings"
	"testing"
)

func TestRouteDecisionEmpty(t *testing.T) {
	if !(RouteDecision{}).empty() {
		t.Error("zero decision should be empty")
	}
	if (RouteDecision{Targets: []RouteTarget{{Agent: "a"}}}).empty() {
		t.Error("decision with targets should not be empty")
	}
	if (RouteDecision{Plan: &Plan{}}).empty() {
		t.Error("decision with a plan should not be empty")
	}
}

func TestRouteDecisionPlanFromTargets(t *testing.T) {
	dec := RouteDecision{
		Targets: []RouteTarget{
			{Agent: "research", Input: map[string]any{"task": "a"}},
			{Agent: "research", Input: map[string]any{"task": "b"}},
			{Agent: "summarize"},
		},
		Parallel: true,
	}
	plan := dec.plan()

	if len(plan.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(plan.Nodes))
	}
	// Repeated targets get suffixed ids so the node set stays unique.
	wantIDs := []string{"research", "research#2", "summarize"}
	for i, want := range wantIDs {
		if plan.Nodes[i].ID != want {
			t.Errorf("Nodes[%d].ID = %q, want %q", i, plan.Nodes[i].ID, want)
		}
	}
	if plan.Nodes[1].TargetAgent != "research" {
		t.Errorf("Nodes[1].TargetAgent = %q, want %q", plan.Nodes[1].TargetAgent, "research")
	}
	if plan.MaxParallelism != 3 {
		t.Errorf("MaxParallelism = %d, want 3", plan.MaxParallelism)
	}
	if plan.JoinPolicy != JoinAllRequired {
		t.Errorf("JoinPolicy = %q, want %q", plan.JoinPolicy, JoinAllRequired)
	}
}

func TestRouteDecisionSequentialByDefault(t *testing.T) {
	dec := RouteDecision{Targets: []RouteTarget{{Agent: "a"}, {Agent: "b"}}}
	if got := dec.plan().MaxParallelism; got != 1 {
		t.Errorf("MaxParallelism = %d, want 1", got)
	}
}

func TestRouteDecisionExplicitPlanWins(t *testing.T) {
	custom := &Plan{
		Nodes:          []PlanNode{{ID: "only", TargetAgent: "worker"}},
		JoinPolicy:     JoinFirstSuccess,
		MaxParallelism: 7,
	}
	dec := RouteDecision{Plan: custom, Targets: []RouteTarget{{Agent: "ignored"}}}
	plan := dec.plan()
	if len(plan.Nodes) != 1 || plan.Nodes[0].ID != "only" {
		t.Errorf("plan nodes = %+v, want the explicit plan", plan.Nodes)
	}
	if plan.MaxParallelism != 7 {
		t.Errorf("MaxParallelism = %d, want 7", plan.MaxParallelism)
	}
}

func TestFanOutRouter(t *testing.T) {
	router := FanOutRouter(true, "alpha", "beta")
	dec, err := router(context.Background(), RouteSnapshot{LastText: "summarize the report"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dec.Targets) != 2 {
		t.Fatalf("len(Targets) = %d, want 2", len(dec.Targets))
	}
	if !dec.Parallel {
		t.Error("Parallel = false, want true")
	}
	for i, target := range dec.Targets {
		if got := target.Input["task"]; got != "summarize the report" {
			t.Errorf("Targets[%d].Input[task] = %v, want the last text", i, got)
		}
	}
}

func TestSafeRouteContainsPanic(t *testing.T) {
	router := func(context.Context, RouteSnapshot) (RouteDecision, error) {
		panic("router bug")
	}
	dec, err := safeRoute(context.Background(), router, RouteSnapshot{})
	if err == nil {
		t.Fatal("expected error from panicking router")
	}
	if !strings.Contains(err.Error(), "router panicked: router bug") {
		t.Errorf("err = %v, want panic message", err)
	}
	if !dec.empty() {
		t.Errorf("decision = %+v, want empty", dec)
	}
}

func TestBuildBridgeMessage(t *testing.T) {
	res := DelegationResult{
		Status: DelegationDegraded,
		OrderedOutputs: []NodeResult{
			{NodeID: "fetch", Status: NodeCompleted, Output: []byte(`{"rows":3}`)},
			{NodeID: "enrich", Status: NodeFailed, Error: "target enricher: boom"},
			{NodeID: "report", Status: NodeSkipped, Reason: "dependency did not complete successfully"},
		},
	}
	got := buildBridgeMessage(res)
	want := "Sub-agent results (degraded):\n" +
		"- fetch [completed]: {\"rows\":3}\n" +
		"- enrich [failed]: target enricher: boom\n" +
		"- report [skipped]: dependency did not complete successfully"
	if got != want {
		t.Errorf("buildBridgeMessage() =\n%q\nwant\n%q", got, want)
	}
}

func TestBuildBridgeMessageEmptyOutputs(t *testing.T) {
	res := DelegationResult{Status: DelegationCompleted}
	if got, want := buildBridgeMessage(res), "Sub-agent results (completed):"; got != want {
		t.Errorf("buildBridgeMessage() = %q, want %q", got, want)
	}
}
