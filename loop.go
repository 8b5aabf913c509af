package afk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// stepOutcome tells the step loop to stop with a terminal state.
type stepOutcome struct {
	state  RunState
	errMsg string
}

// executor drives one run through the step loop: model call, tool batch,
// sub-agent batch, checkpoints. It owns the run's transcript and
// accumulators; nothing else mutates them.
type executor struct {
	runner  *Runner
	agent   *Agent
	run     Run
	cfg     startConfig
	handle  *RunHandle
	emitter *Emitter
	logger  *slog.Logger
	tracer  Tracer
	resume  *resumePoint

	messages      []Message
	usage         Usage
	llmCalls      []LLMCallRecord
	toolLog       []ToolExecutionRecord
	llmCallCount  int
	toolCallCount int
	stepsStarted  int
	finalText     string

	breakers      map[string]*breaker
	interruptSeen bool
}

// execute is the run goroutine. It always finishes the handle, even on
// panic, so Await never blocks forever.
func (ex *executor) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("executor panic", "panic", fmt.Sprintf("%v", r))
			ex.finishRun(ctx, RunFailed, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	if len(ex.cfg.contextMap) > 0 {
		ctx = WithRunContext(ctx, ex.cfg.contextMap)
	}
	ex.breakers = make(map[string]*breaker)

	startStep := 0
	if ex.resume != nil {
		rs := ex.resume.state
		ex.messages = rs.Messages
		ex.usage = rs.Usage
		ex.llmCalls = rs.LLMCalls
		ex.toolLog = rs.ToolLog
		ex.llmCallCount = rs.LLMCallCount
		ex.toolCallCount = rs.ToolCallCount
		startStep = ex.resume.step
		ex.run.Step = startStep
		ex.setState(RunRunning)
		if ex.cfg.userMessage != "" {
			ex.messages = append(ex.messages, UserMessage(ex.cfg.userMessage))
		}
		ex.writeFrame(ctx, startStep, PhaseResumed, nil)
		ex.emit(ctx, EventRunResumed, startStep, "resumed from checkpoint", nil)
		ex.logger.Info("run resumed from checkpoint", "step", startStep)
	} else {
		ex.setState(RunRunning)
		if ex.cfg.userMessage != "" {
			ex.messages = append(ex.messages, UserMessage(ex.cfg.userMessage))
		}
		ex.writeFrame(ctx, 0, PhaseRunStarted, map[string]any{"agent": ex.agent.name})
		ex.emit(ctx, EventRunStarted, 0, "", map[string]any{"agent": ex.agent.name, "depth": ex.run.Depth})
		ex.logger.Info("run started", "thread_id", ex.run.ThreadID, "depth", ex.run.Depth)
	}

	for step := startStep; ; step++ {
		ex.run.Step = step

		if ex.gate(ctx, step) {
			ex.finishRun(ctx, RunCancelled, ex.cancelReason())
			return
		}
		if b := ex.overBudget(step); b != nil {
			ex.emit(ctx, EventWarning, step, b.Error(), nil)
			out := ex.budgetOutcome(b)
			ex.finishRun(ctx, out.state, out.errMsg)
			return
		}
		ex.stepsStarted++
		ex.emit(ctx, EventStepStarted, step, "", nil)

		stepCtx := ctx
		var span Span
		if ex.tracer != nil {
			stepCtx, span = ex.tracer.Start(ctx, "run.step",
				StringAttr("run_id", ex.run.RunID),
				IntAttr("step", step))
		}
		endStep := func() {
			if span != nil {
				span.End()
			}
		}

		instructions, err := ex.agent.instr.resolve(ex.agent.name, ex.cfg.contextMap)
		if err != nil {
			endStep()
			ex.finishRun(ctx, RunFailed, err.Error())
			return
		}

		resp, out := ex.modelPhase(stepCtx, step, instructions)
		if out != nil {
			endStep()
			ex.finishRun(ctx, out.state, out.errMsg)
			return
		}
		if resp == nil {
			// continue-class failure policy recorded the error; next step.
			ex.writeRuntimeState(stepCtx, step)
			endStep()
			continue
		}

		if ex.gate(stepCtx, step) {
			endStep()
			ex.finishRun(ctx, RunCancelled, ex.cancelReason())
			return
		}

		if len(resp.ToolCalls) > 0 {
			if out := ex.toolPhase(stepCtx, step, resp.ToolCalls); out != nil {
				endStep()
				ex.finishRun(ctx, out.state, out.errMsg)
				return
			}
			if ex.gate(stepCtx, step) {
				endStep()
				ex.finishRun(ctx, RunCancelled, ex.cancelReason())
				return
			}
		}

		delegated := false
		if ex.agent.router != nil {
			var dout *stepOutcome
			delegated, dout = ex.routerPhase(stepCtx, step, resp.Content)
			if dout != nil {
				endStep()
				ex.finishRun(ctx, dout.state, dout.errMsg)
				return
			}
			if ex.gate(stepCtx, step) {
				endStep()
				ex.finishRun(ctx, RunCancelled, ex.cancelReason())
				return
			}
		}

		ex.writeRuntimeState(stepCtx, step)
		endStep()

		if len(resp.ToolCalls) == 0 && !delegated {
			ex.finishRun(ctx, RunCompleted, "")
			return
		}
	}
}

// gate evaluates the pause/cancel/interrupt flags at a safe boundary.
// Returns true when the run must move to cancelled.
func (ex *executor) gate(ctx context.Context, step int) bool {
	if ex.handle.cancelRequested() || ctx.Err() != nil {
		return true
	}
	if ex.handle.interruptRequested() {
		// Nothing is in flight at a boundary, so interrupt degrades to cancel.
		if !ex.interruptSeen {
			ex.interruptSeen = true
			ex.emit(ctx, EventRunInterrupted, step, "interrupt degraded to cancel", nil)
		}
		return true
	}
	if !ex.handle.pauseRequested() {
		return false
	}
	ch := ex.handle.park()
	if ch == nil {
		return ex.handle.cancelRequested()
	}
	ex.setState(RunPaused)
	ex.writeFrame(ctx, step, PhasePaused, nil)
	ex.writeRuntimeState(ctx, step)
	ex.emit(ctx, EventRunPaused, step, "", nil)
	ex.logger.Info("run paused", "step", step)
	select {
	case <-ch:
	case <-ctx.Done():
	}
	if ex.handle.cancelRequested() || ctx.Err() != nil {
		return true
	}
	ex.setState(RunRunning)
	ex.writeFrame(ctx, step, PhaseResumed, nil)
	ex.emit(ctx, EventRunResumed, step, "", nil)
	ex.logger.Info("run resumed", "step", step)
	return false
}

// overBudget checks the fail-safe limits before a step begins.
func (ex *executor) overBudget(step int) *BudgetError {
	fs := ex.agent.failSafe
	if fs.MaxSteps > 0 && step >= fs.MaxSteps {
		return &BudgetError{Resource: "steps", Limit: strconv.Itoa(fs.MaxSteps)}
	}
	if fs.MaxWallTime > 0 && time.Since(ex.run.StartedAt) >= fs.MaxWallTime {
		return &BudgetError{Resource: "wall_time", Limit: fs.MaxWallTime.String()}
	}
	if fs.MaxLLMCalls > 0 && ex.llmCallCount >= fs.MaxLLMCalls {
		return &BudgetError{Resource: "llm_calls", Limit: strconv.Itoa(fs.MaxLLMCalls)}
	}
	if fs.MaxToolCalls > 0 && ex.toolCallCount >= fs.MaxToolCalls {
		return &BudgetError{Resource: "tool_calls", Limit: strconv.Itoa(fs.MaxToolCalls)}
	}
	if fs.MaxTotalCostUSD > 0 && ex.usage.CostUSD >= fs.MaxTotalCostUSD {
		return &BudgetError{Resource: "total_cost", Limit: strconv.FormatFloat(fs.MaxTotalCostUSD, 'f', -1, 64)}
	}
	return nil
}

// budgetOutcome maps an exhausted budget to degraded when partial output
// exists, failed otherwise.
func (ex *executor) budgetOutcome(b *BudgetError) *stepOutcome {
	if ex.finalText != "" {
		return &stepOutcome{state: RunDegraded, errMsg: b.Error()}
	}
	return &stepOutcome{state: RunFailed, errMsg: b.Error()}
}

func (ex *executor) cancelReason() string {
	if ex.interruptSeen {
		return "interrupted"
	}
	return "cancelled"
}

// --- model phase ---

func (ex *executor) modelPhase(ctx context.Context, step int, instructions string) (*ModelResponse, *stepOutcome) {
	dec := ex.evaluatePolicy(ctx, step, PolicyEvent{
		Type: PolicyLLMBeforeCall,
		Text: lastMessageText(ex.messages),
	})
	switch dec.Action {
	case PolicyAllow:
	case PolicyDeny:
		return nil, ex.denyModelCall(dec)
	default:
		outcome, err := ex.awaitInteraction(ctx, step, dec, interactionKindFor(dec.Action), "model call")
		if err != nil {
			if ctx.Err() != nil || ex.handle.cancelRequested() {
				return nil, &stepOutcome{state: RunCancelled, errMsg: ex.cancelReason()}
			}
			return nil, ex.denyModelCall(dec)
		}
		if !outcome.Approved {
			return nil, ex.denyModelCall(dec)
		}
		if outcome.Input != "" {
			ex.messages = append(ex.messages, UserMessage(outcome.Input))
		}
	}

	req := ModelRequest{
		Model:          ex.agent.modelRef,
		Messages:       buildModelMessages(instructions, ex.messages),
		Tools:          ex.agent.tools.AllDefinitions(),
		IdempotencyKey: "llm:" + ex.run.RunID + ":" + strconv.Itoa(step),
	}

	ex.writeFrame(ctx, step, PhasePreLLM, map[string]any{"model": req.Model})
	ex.emit(ctx, EventLLMCalled, step, "", map[string]any{"model": req.Model})

	start := time.Now()
	resp, err := ex.callModel(ctx, req)
	latency := time.Since(start)
	if err != nil {
		if ex.handle.interruptRequested() {
			ex.interruptSeen = true
			ex.emit(ctx, EventRunInterrupted, step, "model stream interrupted", nil)
			return nil, &stepOutcome{state: RunCancelled, errMsg: "interrupted"}
		}
		if ctx.Err() != nil || ex.handle.cancelRequested() {
			return nil, &stepOutcome{state: RunCancelled, errMsg: ex.cancelReason()}
		}
		ex.emit(ctx, EventWarning, step, "model call failed: "+err.Error(), nil)
		return nil, ex.applyLLMFailure(err)
	}

	ex.llmCallCount++
	ex.usage.Add(resp.Usage)
	ex.llmCalls = append(ex.llmCalls, LLMCallRecord{
		Model:     req.Model,
		Content:   truncateStr(resp.Content, 500),
		ToolCalls: len(resp.ToolCalls),
		Usage:     resp.Usage,
		LatencyMS: durationMS(latency),
	})
	if resp.Content != "" {
		ex.finalText = resp.Content
	}
	ex.emit(ctx, EventLLMCompleted, step, "", map[string]any{
		"latency_ms": durationMS(latency),
		"tool_calls": len(resp.ToolCalls),
	})
	ex.writeFrame(ctx, step, PhasePostLLM, map[string]any{
		"latency_ms": durationMS(latency),
		"tool_calls": len(resp.ToolCalls),
	})

	ex.messages = append(ex.messages, Message{
		Role:      RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})
	return &resp, nil
}

func (ex *executor) denyModelCall(dec PolicyDecision) *stepOutcome {
	reason := dec.Reason
	if reason == "" {
		reason = reasonPolicyDenied
	}
	switch ex.agent.failSafe.ApprovalDenialPolicy {
	case FailureFailRun, FailureFailFast:
		return &stepOutcome{state: RunFailed, errMsg: reason}
	}
	// With the model call skipped, nothing can drive the run further.
	if ex.finalText != "" {
		return &stepOutcome{state: RunCompleted}
	}
	return &stepOutcome{state: RunFailed, errMsg: reason}
}

// applyLLMFailure maps a model-call error (after retries and fallbacks)
// onto the configured llm_failure_policy.
func (ex *executor) applyLLMFailure(err error) *stepOutcome {
	if terminalTaskError(err) {
		return &stepOutcome{state: RunFailed, errMsg: err.Error()}
	}
	switch ex.agent.failSafe.LLMFailurePolicy {
	case FailureContinueWithError, FailureRetryThenContinue, FailureContinue, FailureSkipAction:
		ex.messages = append(ex.messages, SystemMessage("model call failed: "+err.Error()))
		return nil
	case FailureRetryThenDegrade:
		if ex.finalText != "" {
			return &stepOutcome{state: RunDegraded, errMsg: err.Error()}
		}
		return &stepOutcome{state: RunFailed, errMsg: err.Error()}
	default:
		return &stepOutcome{state: RunFailed, errMsg: err.Error()}
	}
}

// callModel walks the fallback model chain. Each model carries its own
// circuit breaker; retries stay on one model, failover moves to the next.
func (ex *executor) callModel(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	fs := ex.agent.failSafe
	models := append([]string{req.Model}, fs.FallbackModels...)
	retry := RetryPolicy{MaxAttempts: 1}
	switch fs.LLMFailurePolicy {
	case FailureRetryThenFail, FailureRetryThenDegrade, FailureRetryThenContinue:
		retry = fs.Retry
	}

	var lastErr error
	for i, ref := range models {
		br := ex.breakerFor(ref)
		attemptReq := req
		attemptReq.Model = ref
		resp, _, err := retryCall(ctx, retry, ex.logger, "model "+ref, retryableTransport,
			func(ctx context.Context) (ModelResponse, error) {
				if !br.Allow() {
					return ModelResponse{}, fmt.Errorf("model %s: %w", ref, ErrBreakerOpen)
				}
				r, err := ex.invokeTransport(ctx, attemptReq)
				if err != nil {
					br.RecordFailure()
					return ModelResponse{}, err
				}
				br.RecordSuccess()
				return r, nil
			})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || ex.handle.interruptRequested() || ex.handle.cancelRequested() {
			return ModelResponse{}, err
		}
		if i < len(models)-1 {
			ex.logger.Warn("model call failed, trying fallback",
				"model", ref, "next", models[i+1], "error", err)
		}
	}
	return ModelResponse{}, lastErr
}

// invokeTransport prefers an interruptible stream handle when the transport
// advertises the capability, so RunHandle.Interrupt can abort mid-response.
func (ex *executor) invokeTransport(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	t := ex.agent.transport
	caps := t.Capabilities()
	if caps.Streaming && caps.Interrupt {
		if st, ok := t.(StreamingTransport); ok {
			sh, err := st.ChatStreamHandle(ctx, req)
			if err != nil {
				return ModelResponse{}, err
			}
			ex.handle.setAborter(sh.Interrupt)
			defer ex.handle.setAborter(nil)
			return sh.Await(ctx)
		}
	}
	return t.Chat(ctx, req)
}

func (ex *executor) breakerFor(ref string) *breaker {
	if br, ok := ex.breakers[ref]; ok {
		return br
	}
	fs := ex.agent.failSafe
	br := newBreaker(fs.BreakerFailureThreshold, fs.BreakerCooldown)
	ex.breakers[ref] = br
	return br
}

// --- tool phase ---

// plannedCall is one tool call after policy screening.
type plannedCall struct {
	call      ToolCall
	args      json.RawMessage
	rewritten bool
	skip      bool
	record    ToolExecutionRecord
}

func (ex *executor) toolPhase(ctx context.Context, step int, calls []ToolCall) *stepOutcome {
	fs := ex.agent.failSafe
	if fs.MaxToolCalls > 0 && ex.toolCallCount+len(calls) > fs.MaxToolCalls {
		b := &BudgetError{Resource: "tool_calls", Limit: strconv.Itoa(fs.MaxToolCalls)}
		ex.emit(ctx, EventWarning, step, b.Error(), nil)
		return ex.budgetOutcome(b)
	}

	ex.emit(ctx, EventToolBatchStarted, step, "", map[string]any{"calls": len(calls)})
	ex.writeFrame(ctx, step, PhasePreToolBatch, map[string]any{"calls": len(calls)})

	// Screen every call through policy first, in emission order, so the
	// decision sequence is deterministic regardless of execution order.
	planned := make([]plannedCall, len(calls))
	var userInputs []string
	for i, tc := range calls {
		pc := plannedCall{call: tc, args: tc.Args}
		dec := ex.evaluatePolicy(ctx, step, PolicyEvent{
			Type: PolicyToolBeforeExecute,
			Tool: tc.Name,
			Args: tc.Args,
		})
		switch dec.Action {
		case PolicyAllow:
			if len(dec.RewrittenArgs) > 0 {
				pc.args = dec.RewrittenArgs
				pc.rewritten = true
			}
		case PolicyDeny:
			if out := ex.denyTool(&pc, dec); out != nil {
				return out
			}
		default:
			outcome, err := ex.awaitInteraction(ctx, step, dec, interactionKindFor(dec.Action), "tool "+tc.Name)
			if err != nil && (ctx.Err() != nil || ex.handle.cancelRequested()) {
				return &stepOutcome{state: RunCancelled, errMsg: ex.cancelReason()}
			}
			if err != nil || !outcome.Approved {
				if out := ex.denyTool(&pc, dec); out != nil {
					return out
				}
			} else {
				if len(dec.RewrittenArgs) > 0 {
					pc.args = dec.RewrittenArgs
					pc.rewritten = true
				}
				if outcome.Input != "" {
					userInputs = append(userInputs, outcome.Input)
				}
			}
		}
		planned[i] = pc
	}

	records := ex.dispatchTools(ctx, planned)

	// Records append in the model's emission order, whatever the execution
	// interleaving was.
	anyFailed := false
	for i := range planned {
		rec := records[i]
		ex.toolLog = append(ex.toolLog, rec)
		if !planned[i].skip {
			ex.toolCallCount++
		}
		if !rec.Success {
			anyFailed = true
		}
		content := rec.Output
		if rec.Error != "" {
			content = "error: " + rec.Error
		}
		ex.messages = append(ex.messages, ToolResultMessage(rec.CallID, content))
		ex.emit(ctx, EventToolCompleted, step, "", map[string]any{
			"tool":       rec.Tool,
			"call_id":    rec.CallID,
			"success":    rec.Success,
			"latency_ms": rec.LatencyMS,
		})
	}
	for _, input := range userInputs {
		ex.messages = append(ex.messages, UserMessage(input))
	}
	ex.writeFrame(ctx, step, PhasePostToolBatch, map[string]any{"completed": len(planned)})

	if anyFailed {
		switch fs.ToolFailurePolicy {
		case FailureFailFast, FailureFailRun, FailureRetryThenFail:
			return &stepOutcome{state: RunFailed, errMsg: "tool execution failed"}
		case FailureRetryThenDegrade:
			return ex.budgetlessDegrade("tool execution failed")
		}
	}
	return nil
}

// denyTool marks a call skipped per the approval_denial_policy, or stops
// the run when the policy demands it.
func (ex *executor) denyTool(pc *plannedCall, dec PolicyDecision) *stepOutcome {
	reason := dec.Reason
	if reason == "" {
		reason = reasonPolicyDenied
	}
	switch ex.agent.failSafe.ApprovalDenialPolicy {
	case FailureFailRun, FailureFailFast:
		return &stepOutcome{state: RunFailed, errMsg: reason}
	}
	pc.skip = true
	pc.record = ToolExecutionRecord{CallID: pc.call.ID, Tool: pc.call.Name, Error: reason}
	return nil
}

func (ex *executor) budgetlessDegrade(msg string) *stepOutcome {
	if ex.finalText != "" {
		return &stepOutcome{state: RunDegraded, errMsg: msg}
	}
	return &stepOutcome{state: RunFailed, errMsg: msg}
}

type indexedRecord struct {
	idx int
	rec ToolExecutionRecord
}

// dispatchTools runs the approved calls concurrently through a fixed worker
// pool bounded by max_parallel_tools. Results land at their call's index.
func (ex *executor) dispatchTools(ctx context.Context, planned []plannedCall) []ToolExecutionRecord {
	records := make([]ToolExecutionRecord, len(planned))
	var work []int
	for i := range planned {
		if planned[i].skip {
			records[i] = planned[i].record
		} else {
			work = append(work, i)
		}
	}
	if len(work) == 0 {
		return records
	}
	if len(work) == 1 {
		i := work[0]
		records[i] = ex.executeTool(ctx, planned[i])
		return records
	}

	workCh := make(chan int, len(work))
	for _, i := range work {
		workCh <- i
	}
	close(workCh)

	resultCh := make(chan indexedRecord, len(work))
	workers := min(len(work), max(1, ex.agent.failSafe.MaxParallelTools))
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedRecord{i, ToolExecutionRecord{
						CallID: planned[i].call.ID,
						Tool:   planned[i].call.Name,
						Error:  ctx.Err().Error(),
					}}
					continue
				}
				resultCh <- indexedRecord{i, ex.executeTool(ctx, planned[i])}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()
	for r := range resultCh {
		records[r.idx] = r.rec
	}
	return records
}

// executeTool runs one call with panic containment. A panicking tool
// becomes a failed record, never a crashed run.
func (ex *executor) executeTool(ctx context.Context, pc plannedCall) (rec ToolExecutionRecord) {
	start := time.Now()
	rec = ToolExecutionRecord{CallID: pc.call.ID, Tool: pc.call.Name}
	if pc.rewritten {
		rec.Rewritten = pc.args
	}
	defer func() {
		rec.LatencyMS = durationMS(time.Since(start))
		if r := recover(); r != nil {
			rec.Success = false
			rec.Output = ""
			rec.Error = fmt.Sprintf("tool panicked: %v", r)
		}
	}()

	fs := ex.agent.failSafe
	attempts := 1
	switch fs.ToolFailurePolicy {
	case FailureRetryThenFail, FailureRetryThenDegrade, FailureRetryThenContinue:
		attempts = fs.Retry.attempts()
	}

	var res ToolResult
	var err error
	for a := 1; a <= attempts; a++ {
		res, err = ex.agent.tools.Execute(ctx, pc.call.Name, pc.args)
		if err == nil {
			break
		}
		if a < attempts {
			ex.logger.Warn("tool call failed, retrying",
				"tool", pc.call.Name, "attempt", a, "error", err)
			if sleepCtx(ctx, fs.Retry.Delay(a)) != nil {
				break
			}
		}
	}
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	if res.Error != "" {
		rec.Error = res.Error
		return rec
	}
	rec.Success = true
	rec.Output = res.Content
	return rec
}

// --- router / delegation phase ---

func (ex *executor) routerPhase(ctx context.Context, step int, lastText string) (bool, *stepOutcome) {
	if lastText == "" {
		lastText = ex.finalText
	}
	snap := RouteSnapshot{
		RunID:     ex.run.RunID,
		ThreadID:  ex.run.ThreadID,
		AgentName: ex.agent.name,
		Step:      step,
		LastText:  lastText,
		Messages:  ex.messages,
		Context:   ex.cfg.contextMap,
	}
	dec, err := safeRoute(ctx, ex.agent.router, snap)
	if err != nil {
		ex.emit(ctx, EventWarning, step, "router failed: "+err.Error(), nil)
		switch ex.agent.failSafe.SubagentFailurePolicy {
		case FailureFailRun, FailureFailFast:
			return false, &stepOutcome{state: RunFailed, errMsg: err.Error()}
		}
		return false, nil
	}
	if dec.empty() {
		return false, nil
	}

	plan := dec.plan()
	fs := ex.agent.failSafe
	if fs.MaxSubagentFanoutPerStep > 0 && len(plan.Nodes) > fs.MaxSubagentFanoutPerStep {
		b := &BudgetError{Resource: "subagent_fanout", Limit: strconv.Itoa(fs.MaxSubagentFanoutPerStep)}
		ex.emit(ctx, EventWarning, step, b.Error(), nil)
		return false, ex.budgetOutcome(b)
	}
	if fs.MaxSubagentDepth > 0 && ex.run.Depth+1 > fs.MaxSubagentDepth {
		b := &BudgetError{Resource: "subagent_depth", Limit: strconv.Itoa(fs.MaxSubagentDepth)}
		ex.emit(ctx, EventWarning, step, b.Error(), nil)
		return false, ex.budgetOutcome(b)
	}

	ex.emit(ctx, EventSubagentStarted, step, "", map[string]any{"nodes": len(plan.Nodes)})

	metadata := map[string]any{
		"depth":         ex.run.Depth + 1,
		"lineage":       append(append([]int{}, ex.run.Lineage...), step),
		"parent_run_id": ex.run.RunID,
	}
	if rc := ex.agent.inheritContext(ex.cfg.contextMap); rc != nil {
		metadata["context"] = rc
	}

	dres, err := ex.runner.delegation.Run(ctx, DelegationRequest{
		Plan:        plan,
		RunID:       ex.run.RunID,
		ThreadID:    ex.run.ThreadID,
		SourceAgent: ex.agent.name,
		Step:        step,
		KnownAgents: ex.agent.knownAgents(),
		Gate:        ex.subagentGate(step),
		Metadata:    metadata,
	})
	if err != nil {
		ex.emit(ctx, EventSubagentCompleted, step, err.Error(), map[string]any{"status": "failed"})
		return false, &stepOutcome{state: RunFailed, errMsg: err.Error()}
	}

	ex.emit(ctx, EventSubagentCompleted, step, "", map[string]any{
		"status":  string(dres.Status),
		"success": dres.SuccessCount,
		"failure": dres.FailureCount,
	})
	ex.messages = append(ex.messages, UserMessage(buildBridgeMessage(dres)))

	switch dres.Status {
	case DelegationCancelled:
		if ex.handle.cancelRequested() || ctx.Err() != nil {
			return true, &stepOutcome{state: RunCancelled, errMsg: ex.cancelReason()}
		}
	case DelegationFailed:
		switch fs.SubagentFailurePolicy {
		case FailureFailRun, FailureFailFast, FailureRetryThenFail:
			return true, &stepOutcome{state: RunFailed, errMsg: "delegation failed"}
		case FailureRetryThenDegrade:
			return true, ex.budgetlessDegrade("delegation failed")
		}
	}
	return true, nil
}

// subagentGate screens each plan node through policy. Approval requests
// resolve synchronously through the broker; the run stays running while a
// node waits, since sibling nodes keep executing.
func (ex *executor) subagentGate(step int) func(ctx context.Context, node PlanNode) PolicyDecision {
	return func(ctx context.Context, node PlanNode) PolicyDecision {
		dec := ex.evaluatePolicy(ctx, step, PolicyEvent{
			Type:        PolicySubagentBeforeExecute,
			TargetAgent: node.TargetAgent,
			Text:        node.ID,
		})
		switch dec.Action {
		case PolicyAllow, PolicyDeny:
			return dec
		}
		req := InteractionRequest{
			RunID:     ex.run.RunID,
			ThreadID:  ex.run.ThreadID,
			AgentName: ex.agent.name,
			Step:      step,
			Kind:      interactionKindFor(dec.Action),
			Prompt:    "approve sub-agent " + node.TargetAgent + "?",
			Payload:   dec.Request,
		}
		outcome, pending, err := ex.runner.broker.Begin(ctx, req)
		if err == nil && pending != nil {
			outcome, err = pending.Await(ctx)
		}
		if err != nil || !outcome.Approved {
			reason := dec.Reason
			if reason == "" {
				reason = reasonPolicyDenied
			}
			return PolicyDecision{Action: PolicyDeny, Reason: reason, MatchedRules: dec.MatchedRules}
		}
		return PolicyDecision{Action: PolicyAllow, MatchedRules: dec.MatchedRules}
	}
}

// --- interactions ---

func interactionKindFor(action PolicyAction) InteractionKind {
	if action == PolicyRequestUserInput {
		return InteractionUserInput
	}
	return InteractionApproval
}

// awaitInteraction routes an approval or user-input request through the
// broker. Deferred requests park the run behind paused/resumed checkpoints
// so an external resolver (or a process restart) can pick it up.
func (ex *executor) awaitInteraction(ctx context.Context, step int, dec PolicyDecision, kind InteractionKind, subject string) (InteractionOutcome, error) {
	prompt := dec.Reason
	if prompt == "" {
		prompt = "approve " + subject + "?"
	}
	req := InteractionRequest{
		RunID:     ex.run.RunID,
		ThreadID:  ex.run.ThreadID,
		AgentName: ex.agent.name,
		Step:      step,
		Kind:      kind,
		Prompt:    prompt,
		Payload:   dec.Request,
	}
	outcome, pending, err := ex.runner.broker.Begin(ctx, req)
	if err != nil {
		return InteractionOutcome{}, err
	}
	if pending == nil {
		return outcome, nil
	}

	ex.setState(RunPaused)
	ex.writeFrame(ctx, step, PhasePaused, map[string]any{"interaction_token": pending.Token()})
	ex.writeRuntimeState(ctx, step)
	ex.emit(ctx, EventRunPaused, step, "awaiting "+string(kind), map[string]any{"token": pending.Token()})
	ex.logger.Info("run awaiting interaction", "kind", string(kind), "token", pending.Token())

	outcome, err = pending.Await(ctx)

	ex.setState(RunRunning)
	ex.writeFrame(ctx, step, PhaseResumed, nil)
	ex.emit(ctx, EventRunResumed, step, "", nil)
	return outcome, err
}

// --- policy ---

func (ex *executor) evaluatePolicy(ctx context.Context, step int, ev PolicyEvent) PolicyDecision {
	if ex.agent.policy == nil {
		return PolicyDecision{Action: PolicyAllow}
	}
	ev.RunID = ex.run.RunID
	ev.ThreadID = ex.run.ThreadID
	ev.AgentName = ex.agent.name
	ev.Step = step
	if ev.Context == nil {
		ev.Context = ex.cfg.contextMap
	}
	dec := ex.agent.policy.Evaluate(ctx, ev)
	if dec.Action != PolicyAllow || len(dec.RewrittenArgs) > 0 {
		ex.emit(ctx, EventPolicyDecision, step, dec.Reason, map[string]any{
			"action": string(dec.Action),
			"event":  string(ev.Type),
			"rules":  dec.MatchedRules,
		})
	}
	return dec
}

// --- checkpoints, events, terminal ---

func (ex *executor) setState(s RunState) {
	ex.run.State = s
	ex.handle.setState(s)
}

func (ex *executor) emit(ctx context.Context, typ EventType, step int, msg string, data any) {
	var payload json.RawMessage
	if data != nil {
		payload = eventData(data)
	}
	ex.emitter.Emit(ctx, Event{
		Type:     typ,
		RunID:    ex.run.RunID,
		ThreadID: ex.run.ThreadID,
		State:    ex.run.State,
		Step:     step,
		Message:  msg,
		Data:     payload,
	})
}

func (ex *executor) writeFrame(ctx context.Context, step int, phase CheckpointPhase, payload any) {
	var data json.RawMessage
	if payload != nil {
		data = eventData(payload)
	}
	err := ex.runner.journal.Write(ctx, CheckpointFrame{
		RunID:    ex.run.RunID,
		ThreadID: ex.run.ThreadID,
		Step:     step,
		Phase:    phase,
		State:    ex.run.State,
		Payload:  data,
	})
	if err != nil {
		ex.logger.Error("checkpoint write failed", "phase", string(phase), "step", step, "error", err)
	}
}

func (ex *executor) writeRuntimeState(ctx context.Context, step int) {
	ex.writeFrame(ctx, step, PhaseRuntimeState, runtimeState{
		AgentName:     ex.agent.name,
		Messages:      ex.messages,
		Usage:         ex.usage,
		LLMCalls:      ex.llmCalls,
		ToolLog:       ex.toolLog,
		LLMCallCount:  ex.llmCallCount,
		ToolCallCount: ex.toolCallCount,
		Depth:         ex.run.Depth,
		Lineage:       ex.run.Lineage,
		Context:       ex.cfg.contextMap,
	})
}

// finishRun publishes the terminal state: final runtime_state and
// run_terminal frames, the terminal event, then the handle result.
// Persistence uses a detached context so a cancelled run still checkpoints.
func (ex *executor) finishRun(ctx context.Context, state RunState, errSummary string) {
	persist := context.WithoutCancel(ctx)
	ex.setState(state)
	now := time.Now()
	res := &RunResult{
		RunID:         ex.run.RunID,
		ThreadID:      ex.run.ThreadID,
		State:         state,
		FinalText:     ex.finalText,
		Error:         errSummary,
		Steps:         ex.stepsStarted,
		Usage:         ex.usage,
		LLMCalls:      ex.llmCalls,
		ToolLog:       ex.toolLog,
		StartedAtMS:   ex.run.StartedAt.UnixMilli(),
		CompletedAtMS: now.UnixMilli(),
	}
	ex.writeRuntimeState(persist, ex.run.Step)
	ex.writeFrame(persist, ex.run.Step, PhaseRunTerminal, res)

	switch state {
	case RunCompleted:
		ex.emit(persist, EventRunCompleted, ex.run.Step, "", map[string]any{"steps": res.Steps})
	case RunDegraded:
		ex.emit(persist, EventRunCompleted, ex.run.Step, "degraded: "+errSummary, map[string]any{"steps": res.Steps})
	case RunCancelled:
		ex.emit(persist, EventRunCancelled, ex.run.Step, errSummary, nil)
	default:
		ex.emit(persist, EventRunFailed, ex.run.Step, errSummary, nil)
	}
	ex.logger.Info("run finished",
		"state", string(state),
		"steps", res.Steps,
		"llm_calls", ex.llmCallCount,
		"tool_calls", ex.toolCallCount,
		"duration_ms", res.CompletedAtMS-res.StartedAtMS)
	ex.emitter.Close()
	ex.handle.finish(res, nil)
}

// buildModelMessages prepends the resolved instructions as a system message.
func buildModelMessages(instructions string, transcript []Message) []Message {
	if instructions == "" {
		out := make([]Message, len(transcript))
		copy(out, transcript)
		return out
	}
	out := make([]Message, 0, len(transcript)+1)
	out = append(out, SystemMessage(instructions))
	out = append(out, transcript...)
	return out
}

// lastMessageText returns the content of the newest transcript entry, the
// match surface for llm_before_call policy rules.
func lastMessageText(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}
