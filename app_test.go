package afk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewAppDefaults(t *testing.T) {
	a := NewApp()
	if a.Runner() == nil {
		t.Fatal("Runner() = nil")
	}
	if a.Store() == nil {
		t.Fatal("Store() = nil")
	}
	if _, ok := a.Queue().(*MemoryQueue); !ok {
		t.Errorf("default queue = %T, want *MemoryQueue", a.Queue())
	}
}

func TestNewAppWiresSharedComponents(t *testing.T) {
	store := NewInMemoryStore()
	queue := NewMemoryQueue()
	a := NewApp(WithAppStore(store), WithAppQueue(queue))

	if a.Store() != MemoryStore(store) {
		t.Error("store option not honored")
	}
	if a.Queue() != TaskQueue(queue) {
		t.Error("queue option not honored")
	}
	if a.Runner().Store() != MemoryStore(store) {
		t.Error("runner should share the app store")
	}
}

func TestAppNewAgentUsesDefaultTransport(t *testing.T) {
	transport := newScriptTransport(textTurn("hi"))
	a := NewApp(WithAppTransport(transport))

	agent, err := a.NewAgent("writer")
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}

	// The agent is usable and registered with the app's runner.
	h, err := a.Runner().Start(context.Background(), agent, WithUserMessage("go"))
	if err != nil {
		t.Fatal(err)
	}
	res := awaitRun(t, h)
	if res.State != RunCompleted || res.FinalText != "hi" {
		t.Errorf("run = %s/%q, want completed/hi", res.State, res.FinalText)
	}

	// Explicit transports still win over the app default.
	own := newScriptTransport(textTurn("mine"))
	custom, err := a.NewAgent("editor", WithTransport(own))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := a.Runner().Start(context.Background(), custom, WithUserMessage("go"))
	if err != nil {
		t.Fatal(err)
	}
	if res2 := awaitRun(t, h2); res2.FinalText != "mine" {
		t.Errorf("final text = %q, want mine", res2.FinalText)
	}
}

func TestAppNewAgentWithoutTransportFails(t *testing.T) {
	a := NewApp()
	_, err := a.NewAgent("writer")
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("NewAgent without transport = %v, want ConfigError", err)
	}
}

func TestAppContractRegistry(t *testing.T) {
	a := NewApp()
	c := mustJobContract(t, map[string]JobHandler{
		"resize": func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	})

	if err := a.RegisterContract(c); err != nil {
		t.Fatalf("RegisterContract: %v", err)
	}
	err := a.RegisterContract(c)
	if err == nil || !strings.Contains(err.Error(), "duplicate contract") {
		t.Fatalf("second RegisterContract = %v, want duplicate error", err)
	}
	if err := a.RegisterContract(nil); err == nil {
		t.Fatal("RegisterContract(nil) should fail")
	}
}

func TestAppJobHandlerRegistry(t *testing.T) {
	a := NewApp()
	h := func(context.Context, map[string]any) (any, error) { return nil, nil }

	if err := a.RegisterJobHandler("send_email", h); err != nil {
		t.Fatalf("RegisterJobHandler: %v", err)
	}
	if err := a.RegisterJobHandler("send_email", h); err == nil {
		t.Fatal("duplicate job handler should fail")
	}
	if err := a.RegisterJobHandler("", h); err == nil {
		t.Fatal("empty job type should fail")
	}
	if err := a.RegisterJobHandler("x", nil); err == nil {
		t.Fatal("nil handler should fail")
	}
}

func TestAppWorkerRunsRegisteredJobs(t *testing.T) {
	ctx := context.Background()
	a := NewApp()
	if err := a.RegisterJobHandler("double", func(_ context.Context, args map[string]any) (any, error) {
		n, _ := args["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	}); err != nil {
		t.Fatal(err)
	}

	w, err := a.Worker(WithWorkerDequeueWindow(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("Worker: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	id, err := a.Queue().EnqueueContract(ctx, ContractJobDispatch, map[string]any{
		"job_type":  "double",
		"arguments": map[string]any{"n": 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	final := waitTaskStatus(t, a.Queue(), id, TaskCompleted)
	var envelope struct {
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal(final.Result, &envelope); err != nil {
		t.Fatal(err)
	}
	out, _ := envelope.Output["n"].(float64)
	if out != 8 {
		t.Errorf("output n = %v, want 8", out)
	}
}

func TestDefaultApp(t *testing.T) {
	SetDefault(nil)
	t.Cleanup(func() { SetDefault(nil) })

	first := Default()
	if first == nil {
		t.Fatal("Default() = nil")
	}
	if Default() != first {
		t.Error("Default() should return the same app")
	}

	replacement := NewApp()
	SetDefault(replacement)
	if Default() != replacement {
		t.Error("SetDefault not honored")
	}
}
