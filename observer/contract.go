package observer

import (
	"context"
	"encoding/json"
	"time"

	afk "github.com/nevindra/afk"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	afklog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedContract wraps an ExecutionContract to emit OTEL lifecycle spans,
// metrics, and logs. The wrapper creates a parent span for each Execute call
// that contains all inner operations (LLM calls, tool executions, etc.) as
// child spans via context propagation.
type ObservedContract struct {
	inner afk.ExecutionContract
	inst  *Instruments
}

// WrapContract returns an instrumented contract that emits lifecycle telemetry.
func WrapContract(inner afk.ExecutionContract, inst *Instruments) *ObservedContract {
	return &ObservedContract{inner: inner, inst: inst}
}

func (o *ObservedContract) ID() string          { return o.inner.ID() }
func (o *ObservedContract) RequiresAgent() bool { return o.inner.RequiresAgent() }

// ValidatePayload delegates to the inner contract when it validates payloads.
// Contracts without validation accept every payload, so the wrapper does too.
func (o *ObservedContract) ValidatePayload(payload json.RawMessage) error {
	if v, ok := o.inner.(afk.PayloadValidator); ok {
		return v.ValidatePayload(payload)
	}
	return nil
}

// Execute wraps the inner contract's Execute, emitting a contract.execute
// span that serves as the parent for all inner operations.
func (o *ObservedContract) Execute(ctx context.Context, task *afk.Task) (any, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "contract.execute", trace.WithAttributes(
		AttrContractID.String(o.inner.ID()),
		AttrTaskID.String(task.ID),
		AttrTaskRetries.Int(task.RetryCount),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("contract.started")

	result, err := o.inner.Execute(ctx, task)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("contract.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("contract.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("contract.completed")
	}

	span.SetAttributes(AttrContractStatus.String(status))

	// Metrics
	attrs := metric.WithAttributes(
		AttrContractID.String(o.inner.ID()),
		attribute.String("status", status),
	)
	o.inst.ContractExecutions.Add(ctx, 1, attrs)
	o.inst.ContractDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrContractID.String(o.inner.ID()),
	))

	// Structured log
	var rec afklog.Record
	rec.SetSeverity(afklog.SeverityInfo)
	rec.SetBody(afklog.StringValue("contract execution completed"))
	rec.AddAttributes(
		afklog.String("contract.id", o.inner.ID()),
		afklog.String("task.id", task.ID),
		afklog.String("contract.status", status),
		afklog.Int("task.retry_count", task.RetryCount),
		afklog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time checks
var (
	_ afk.ExecutionContract = (*ObservedContract)(nil)
	_ afk.PayloadValidator  = (*ObservedContract)(nil)
)
