package afk

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewAgentValidation(t *testing.T) {
	tr := newScriptTransport()

	t.Run("empty name", func(t *testing.T) {
		_, err := NewAgent("", WithTransport(tr))
		var cfg *ConfigError
		if !errors.As(err, &cfg) || cfg.Field != "name" {
			t.Fatalf("err = %v, want ConfigError on name", err)
		}
	})

	t.Run("missing transport", func(t *testing.T) {
		_, err := NewAgent("helper")
		var cfg *ConfigError
		if !errors.As(err, &cfg) || cfg.Field != "transport" {
			t.Fatalf("err = %v, want ConfigError on transport", err)
		}
	})

	t.Run("duplicate sub-agents", func(t *testing.T) {
		sub := mustAgent(t, "dup", WithTransport(tr))
		_, err := NewAgent("parent", WithTransport(tr), WithSubAgents(sub, sub))
		if err == nil || !strings.Contains(err.Error(), `duplicate sub-agent "dup"`) {
			t.Fatalf("err = %v, want duplicate sub-agent error", err)
		}
	})

	t.Run("duplicate tools", func(t *testing.T) {
		_, err := NewAgent("helper", WithTransport(tr),
			WithTools(staticTool("lookup", "a"), staticTool("lookup", "b")))
		var cfg *ConfigError
		if !errors.As(err, &cfg) {
			t.Fatalf("err = %v, want ConfigError for duplicate tool", err)
		}
	})

	t.Run("missing instruction template", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing.tmpl")
		_, err := NewAgent("helper", WithTransport(tr), WithInstructionTemplate(path, nil))
		var cfg *ConfigError
		if !errors.As(err, &cfg) || cfg.Field != "instructions" {
			t.Fatalf("err = %v, want ConfigError on instructions", err)
		}
	})
}

func TestNewAgentDefaults(t *testing.T) {
	agent := mustAgent(t, "helper", WithTransport(newScriptTransport()))

	if got := agent.ModelRef(); got != "script" {
		t.Errorf("ModelRef() = %q, want the transport name %q", got, "script")
	}

	fs := agent.FailSafe()
	if fs.MaxSteps != 10 {
		t.Errorf("MaxSteps = %d, want 10", fs.MaxSteps)
	}
	if fs.MaxParallelTools != 10 {
		t.Errorf("MaxParallelTools = %d, want 10", fs.MaxParallelTools)
	}
	if fs.MaxSubagentDepth != 3 {
		t.Errorf("MaxSubagentDepth = %d, want 3", fs.MaxSubagentDepth)
	}
	if fs.MaxSubagentFanoutPerStep != 8 {
		t.Errorf("MaxSubagentFanoutPerStep = %d, want 8", fs.MaxSubagentFanoutPerStep)
	}
	if fs.Retry.MaxAttempts != 2 || fs.Retry.BackoffBase != 500*time.Millisecond || fs.Retry.BackoffMax != 5*time.Second {
		t.Errorf("Retry = %+v, want 2 attempts with 500ms base and 5s cap", fs.Retry)
	}
	if fs.LLMFailurePolicy != FailureRetryThenFail {
		t.Errorf("LLMFailurePolicy = %q, want %q", fs.LLMFailurePolicy, FailureRetryThenFail)
	}
	if fs.ToolFailurePolicy != FailureContinueWithError {
		t.Errorf("ToolFailurePolicy = %q, want %q", fs.ToolFailurePolicy, FailureContinueWithError)
	}
	if fs.SubagentFailurePolicy != FailureContinue {
		t.Errorf("SubagentFailurePolicy = %q, want %q", fs.SubagentFailurePolicy, FailureContinue)
	}
	if fs.ApprovalDenialPolicy != FailureSkipAction {
		t.Errorf("ApprovalDenialPolicy = %q, want %q", fs.ApprovalDenialPolicy, FailureSkipAction)
	}
}

func TestNewAgentFailSafeOverrides(t *testing.T) {
	agent := mustAgent(t, "helper", WithTransport(newScriptTransport()),
		WithModelRef("gpt-test"),
		WithFailSafe(FailSafe{MaxSteps: -1, LLMFailurePolicy: FailureFailFast}))

	if got := agent.ModelRef(); got != "gpt-test" {
		t.Errorf("ModelRef() = %q, want %q", got, "gpt-test")
	}

	fs := agent.FailSafe()
	if fs.MaxSteps != -1 {
		t.Errorf("MaxSteps = %d, want -1 (unlimited preserved)", fs.MaxSteps)
	}
	if fs.LLMFailurePolicy != FailureFailFast {
		t.Errorf("LLMFailurePolicy = %q, want %q", fs.LLMFailurePolicy, FailureFailFast)
	}
	// Unset fields still take defaults.
	if fs.ToolFailurePolicy != FailureContinueWithError {
		t.Errorf("ToolFailurePolicy = %q, want %q", fs.ToolFailurePolicy, FailureContinueWithError)
	}
	if fs.MaxParallelTools != 10 {
		t.Errorf("MaxParallelTools = %d, want 10", fs.MaxParallelTools)
	}
}

func TestAgentAccessors(t *testing.T) {
	tr := newScriptTransport()
	research := mustAgent(t, "researcher", WithTransport(tr))
	write := mustAgent(t, "writer", WithTransport(tr))

	agent := mustAgent(t, "coordinator",
		WithTransport(tr),
		WithDescription("Routes work to specialists."),
		WithSubAgents(research, write))

	if agent.Name() != "coordinator" {
		t.Errorf("Name() = %q, want %q", agent.Name(), "coordinator")
	}
	if agent.Description() != "Routes work to specialists." {
		t.Errorf("Description() = %q", agent.Description())
	}

	names := agent.SubAgentNames()
	if len(names) != 2 || names[0] != "researcher" || names[1] != "writer" {
		t.Errorf("SubAgentNames() = %v, want registration order", names)
	}
	names[0] = "mutated"
	if again := agent.SubAgentNames(); again[0] != "researcher" {
		t.Error("SubAgentNames should return a copy")
	}
}

func TestWithSubAgentsSkipsNil(t *testing.T) {
	tr := newScriptTransport()
	sub := mustAgent(t, "sub", WithTransport(tr))

	agent := mustAgent(t, "parent", WithTransport(tr), WithSubAgents(nil, sub))

	if names := agent.SubAgentNames(); len(names) != 1 || names[0] != "sub" {
		t.Errorf("SubAgentNames() = %v, want [sub]", names)
	}
}

func TestAgentInheritContext(t *testing.T) {
	tr := newScriptTransport()
	parent := map[string]any{"tenant": "acme", "secret": "s3cr3t"}

	t.Run("no keys inherits nothing", func(t *testing.T) {
		agent := mustAgent(t, "closed", WithTransport(tr))
		if got := agent.inheritContext(parent); got != nil {
			t.Errorf("inheritContext = %v, want nil", got)
		}
	})

	t.Run("listed keys pass through", func(t *testing.T) {
		agent := mustAgent(t, "open", WithTransport(tr), WithInheritContextKeys("tenant", "absent"))
		got := agent.inheritContext(parent)
		if len(got) != 1 || got["tenant"] != "acme" {
			t.Errorf("inheritContext = %v, want only tenant", got)
		}
	})

	t.Run("no overlap yields nil", func(t *testing.T) {
		agent := mustAgent(t, "open", WithTransport(tr), WithInheritContextKeys("region"))
		if got := agent.inheritContext(parent); got != nil {
			t.Errorf("inheritContext = %v, want nil", got)
		}
	})
}

func TestRunContextRoundTrip(t *testing.T) {
	rc := map[string]any{"tenant": "acme"}
	ctx := WithRunContext(context.Background(), rc)

	got, ok := RunContextFromContext(ctx)
	if !ok || got["tenant"] != "acme" {
		t.Errorf("RunContextFromContext = %v, %v, want the stored map", got, ok)
	}

	if _, ok := RunContextFromContext(context.Background()); ok {
		t.Error("RunContextFromContext on a bare context should report false")
	}
}
