package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	afk "github.com/nevindra/afk"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	afklog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTransport wraps an afk.ModelTransport with OTEL instrumentation.
// It implements every optional transport capability and delegates each call
// to the inner transport; Capabilities() passes through unchanged, so the
// runtime never routes a call the inner transport cannot serve.
type ObservedTransport struct {
	inner afk.ModelTransport
	inst  *Instruments
	model string
}

// WrapTransport returns an instrumented transport that emits traces, metrics,
// and logs. The model name labels metrics and prices usage when a request
// does not name its own model.
func WrapTransport(inner afk.ModelTransport, model string, inst *Instruments) *ObservedTransport {
	return &ObservedTransport{inner: inner, inst: inst, model: model}
}

func (o *ObservedTransport) Name() string { return o.inner.Name() }

func (o *ObservedTransport) Capabilities() afk.Capabilities { return o.inner.Capabilities() }

// modelFor resolves the model label: the request's model when set, the
// wrapper default otherwise.
func (o *ObservedTransport) modelFor(req afk.ModelRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return o.model
}

func (o *ObservedTransport) Chat(ctx context.Context, req afk.ModelRequest) (afk.ModelResponse, error) {
	model := o.modelFor(req)
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(model),
			AttrLLMTransport.String(o.inner.Name()),
		),
	}
	spanName := "llm.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.record(ctx, span, model, method, status, durationMs, resp.Usage)
	// Transports may leave Usage.CostUSD zero; fill it from the pricing
	// table so run cost budgets see a value.
	if resp.Usage.CostUSD == 0 {
		resp.Usage.CostUSD = cost
	}
	return resp, err
}

func (o *ObservedTransport) ChatStream(ctx context.Context, req afk.ModelRequest, ch chan<- afk.StreamEvent) (afk.ModelResponse, error) {
	st, ok := o.inner.(afk.StreamingTransport)
	if !ok {
		close(ch)
		return afk.ModelResponse{}, &afk.TransportError{
			Transport: o.inner.Name(),
			Op:        "chat_stream",
			Err:       errors.New("transport does not stream"),
		}
	}

	model := o.modelFor(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap channel to count chunks.
	// The goroutine forwards events from wrappedCh to the caller's ch.
	// We use select with ctx.Done to avoid hanging if the context is cancelled.
	// Buffer wrappedCh generously so the inner transport never blocks on send,
	// preventing a deadlock where the goroutine can't drain wrappedCh because
	// ch is full and nobody reads ch until ChatStream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan afk.StreamEvent, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for ev := range wrappedCh {
			chunks++
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := st.ChatStream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	cost := o.record(ctx, span, model, "chat_stream", status, durationMs, resp.Usage)
	if resp.Usage.CostUSD == 0 {
		resp.Usage.CostUSD = cost
	}
	return resp, err
}

// ChatStreamHandle starts an instrumented stream. The span stays open until
// Await returns; Cancel and Interrupt land as span events.
func (o *ObservedTransport) ChatStreamHandle(ctx context.Context, req afk.ModelRequest) (afk.StreamHandle, error) {
	st, ok := o.inner.(afk.StreamingTransport)
	if !ok {
		return nil, &afk.TransportError{
			Transport: o.inner.Name(),
			Op:        "chat_stream",
			Err:       errors.New("transport does not stream"),
		}
	}

	model := o.modelFor(req)
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
	))

	inner, err := st.ChatStreamHandle(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	h := &observedStreamHandle{
		o:      o,
		inner:  inner,
		events: make(chan afk.StreamEvent, 64),
		span:   span,
		model:  model,
		start:  time.Now(),
	}
	go func() {
		defer close(h.events)
		for ev := range inner.Events() {
			h.chunks.Add(1)
			select {
			case h.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return h, nil
}

// observedStreamHandle forwards stream events while counting chunks, then
// records usage when the caller awaits the final response.
type observedStreamHandle struct {
	o      *ObservedTransport
	inner  afk.StreamHandle
	events chan afk.StreamEvent
	span   trace.Span
	model  string
	start  time.Time
	chunks atomic.Int64
	once   sync.Once
}

func (h *observedStreamHandle) Events() <-chan afk.StreamEvent { return h.events }

func (h *observedStreamHandle) Cancel() {
	h.span.AddEvent("stream.cancelled")
	h.inner.Cancel()
}

func (h *observedStreamHandle) Interrupt() {
	h.span.AddEvent("stream.interrupted")
	h.inner.Interrupt()
}

func (h *observedStreamHandle) Await(ctx context.Context) (afk.ModelResponse, error) {
	resp, err := h.inner.Await(ctx)

	var cost float64
	h.once.Do(func() {
		durationMs := float64(time.Since(h.start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, err.Error())
		}
		h.span.SetAttributes(AttrStreamChunks.Int(int(h.chunks.Load())))
		cost = h.o.record(ctx, h.span, h.model, "chat_stream", status, durationMs, resp.Usage)
		h.span.End()
	})
	if resp.Usage.CostUSD == 0 {
		resp.Usage.CostUSD = cost
	}
	return resp, err
}

func (o *ObservedTransport) Embed(ctx context.Context, req afk.EmbedRequest) (afk.EmbedResponse, error) {
	et, ok := o.inner.(afk.EmbeddingTransport)
	if !ok {
		return afk.EmbedResponse{}, &afk.TransportError{
			Transport: o.inner.Name(),
			Op:        "embed",
			Err:       errors.New("transport does not embed"),
		}
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMTransport.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(req.Texts)),
	))
	defer span.End()
	start := time.Now()

	resp, err := et.Embed(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if len(resp.Vectors) > 0 {
		span.SetAttributes(AttrEmbedDimensions.Int(len(resp.Vectors[0])))
	}

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMTransport.String(o.inner.Name()),
	)

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMTransport.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, attrs)

	var rec afklog.Record
	rec.SetSeverity(afklog.SeverityInfo)
	rec.SetBody(afklog.StringValue("embedding completed"))
	rec.AddAttributes(
		afklog.String("llm.model", o.model),
		afklog.String("llm.transport", o.inner.Name()),
		afklog.Int("llm.embed.text_count", len(req.Texts)),
		afklog.Float64("llm.duration_ms", durationMs),
		afklog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	if resp.Usage.CostUSD == 0 {
		resp.Usage.CostUSD = o.inst.Cost.Calculate(o.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return resp, err
}

func (o *ObservedTransport) StartSession(ctx context.Context, sessionToken, checkpointToken string) (string, error) {
	st, ok := o.inner.(afk.SessionTransport)
	if !ok {
		return "", &afk.TransportError{
			Transport: o.inner.Name(),
			Op:        "start_session",
			Err:       errors.New("transport does not keep sessions"),
		}
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.start_session", trace.WithAttributes(
		AttrLLMTransport.String(o.inner.Name()),
	))
	defer span.End()

	token, err := st.StartSession(ctx, sessionToken, checkpointToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return token, err
}

func (o *ObservedTransport) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage afk.Usage) float64 {
	cost := usage.CostUSD
	if cost == 0 {
		cost = o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)
	}

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMTransport.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec afklog.Record
	rec.SetSeverity(afklog.SeverityInfo)
	rec.SetBody(afklog.StringValue("llm call completed"))
	rec.AddAttributes(
		afklog.String("llm.model", model),
		afklog.String("llm.transport", o.inner.Name()),
		afklog.String("llm.method", method),
		afklog.Int("llm.tokens.input", usage.InputTokens),
		afklog.Int("llm.tokens.output", usage.OutputTokens),
		afklog.Float64("llm.cost_usd", cost),
		afklog.Float64("llm.duration_ms", durationMs),
		afklog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return cost
}

// compile-time checks
var (
	_ afk.ModelTransport     = (*ObservedTransport)(nil)
	_ afk.StreamingTransport = (*ObservedTransport)(nil)
	_ afk.EmbeddingTransport = (*ObservedTransport)(nil)
	_ afk.SessionTransport   = (*ObservedTransport)(nil)
	_ afk.StreamHandle       = (*observedStreamHandle)(nil)
)
