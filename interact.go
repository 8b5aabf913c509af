package afk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultInteractionTimeout bounds how long a run waits for a deferred
// interaction before the executor's fallback applies.
const defaultInteractionTimeout = 5 * time.Minute

// defaultInteractionTTL releases pending tokens that were never awaited or
// resolved, so abandoned interactions do not accumulate.
const defaultInteractionTTL = 30 * time.Minute

// InteractionKind distinguishes approval gates from free-form input.
type InteractionKind string

const (
	// InteractionApproval asks a human to approve or deny an action.
	InteractionApproval InteractionKind = "approval"
	// InteractionUserInput asks a human for free-form input.
	InteractionUserInput InteractionKind = "user_input"
)

// InteractionRequest describes one human-in-the-loop exchange.
type InteractionRequest struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	Step      int             `json:"step,omitempty"`
	Kind      InteractionKind `json:"kind"`
	// Prompt is the human-readable question.
	Prompt string `json:"prompt"`
	// Payload carries structured context from the policy decision.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timeout overrides the broker's await timeout when > 0.
	Timeout time.Duration `json:"-"`
}

// InteractionOutcome is the human's answer.
type InteractionOutcome struct {
	// Approved reports the decision for approval requests.
	Approved bool `json:"approved"`
	// Input carries the answer for user_input requests.
	Input string `json:"input,omitempty"`
	// Metadata is optional provider-specific data.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// InteractionReply is a provider's response to a request: either an
// immediate outcome or a promise to resolve the token later.
type InteractionReply struct {
	// Deferred signals the provider will answer through Broker.Resolve.
	Deferred bool
	Outcome  InteractionOutcome
}

// InteractionProvider routes interaction requests to a human. token
// identifies the exchange for deferred resolution.
type InteractionProvider interface {
	Name() string
	Handle(ctx context.Context, token string, req InteractionRequest) (InteractionReply, error)
}

// HeadlessProvider answers every request immediately with a fixed outcome.
// Useful for unattended deployments and tests.
type HeadlessProvider struct {
	// ApproveAll is the answer for approval requests.
	ApproveAll bool
	// Input is the answer for user_input requests.
	Input string
}

var _ InteractionProvider = (*HeadlessProvider)(nil)

func (p *HeadlessProvider) Name() string { return "headless" }

func (p *HeadlessProvider) Handle(_ context.Context, _ string, req InteractionRequest) (InteractionReply, error) {
	out := InteractionOutcome{Approved: p.ApproveAll}
	if req.Kind == InteractionUserInput {
		out.Input = p.Input
		out.Approved = true
	}
	return InteractionReply{Outcome: out}, nil
}

// SyncProvider adapts a synchronous handler function: a CLI prompt, an
// in-process UI bridge, or a test stub. The run blocks while the handler
// runs.
type SyncProvider struct {
	Handler func(ctx context.Context, req InteractionRequest) (InteractionOutcome, error)
}

var _ InteractionProvider = (*SyncProvider)(nil)

func (p *SyncProvider) Name() string { return "sync" }

func (p *SyncProvider) Handle(ctx context.Context, _ string, req InteractionRequest) (InteractionReply, error) {
	if p.Handler == nil {
		return InteractionReply{}, fmt.Errorf("afk: sync interaction provider has no handler")
	}
	out, err := p.Handler(ctx, req)
	if err != nil {
		return InteractionReply{}, err
	}
	return InteractionReply{Outcome: out}, nil
}

// ExternalProvider defers every request to an out-of-process resolver:
// a webhook consumer, a ticketing system, a chat surface. Notify publishes
// the token; some external system later calls Broker.Resolve with it.
type ExternalProvider struct {
	Notify func(ctx context.Context, token string, req InteractionRequest) error
}

var _ InteractionProvider = (*ExternalProvider)(nil)

func (p *ExternalProvider) Name() string { return "external" }

func (p *ExternalProvider) Handle(ctx context.Context, token string, req InteractionRequest) (InteractionReply, error) {
	if p.Notify != nil {
		if err := p.Notify(ctx, token, req); err != nil {
			return InteractionReply{}, err
		}
	}
	return InteractionReply{Deferred: true}, nil
}

type pendingInteraction struct {
	token string
	req   InteractionRequest
	ch    chan InteractionOutcome
	timer *time.Timer
}

// PendingInteraction is an in-flight deferred exchange. The executor
// persists a paused checkpoint before Await and a resumed checkpoint after.
type PendingInteraction struct {
	broker *Broker
	entry  *pendingInteraction
}

// Token identifies this exchange for Broker.Resolve.
func (p *PendingInteraction) Token() string { return p.entry.token }

// Request returns the deferred request.
func (p *PendingInteraction) Request() InteractionRequest { return p.entry.req }

// Await blocks until the token is resolved, the request's timeout elapses,
// or ctx is cancelled. Timeouts surface as an InteractionError whose kind
// depends on the request kind.
func (p *PendingInteraction) Await(ctx context.Context) (InteractionOutcome, error) {
	timeout := p.entry.req.Timeout
	if timeout <= 0 {
		timeout = p.broker.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-p.entry.ch:
		return out, nil
	case <-timer.C:
		p.broker.release(p.entry.token)
		kind := InteractionTimeout
		if p.entry.req.Kind == InteractionUserInput {
			kind = InteractionInputTimeout
		}
		return InteractionOutcome{}, &InteractionError{Kind: kind, RequestID: p.entry.req.ID}
	case <-ctx.Done():
		p.broker.release(p.entry.token)
		return InteractionOutcome{}, ctx.Err()
	}
}

// Broker mediates between the run executor and the configured interaction
// provider, tracking deferred tokens. Tokens are single-use: the first
// Resolve wins, later calls get ErrTokenResolved. Unresolved tokens are
// released after a TTL so abandoned exchanges do not leak.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingInteraction

	provider InteractionProvider
	timeout  time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerProvider sets the interaction provider. Without one, every
// request defers and must be resolved externally.
func WithBrokerProvider(p InteractionProvider) BrokerOption {
	return func(b *Broker) { b.provider = p }
}

// WithBrokerTimeout sets the default await timeout for deferred requests.
func WithBrokerTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBrokerTTL sets how long unresolved tokens are kept before automatic
// release.
func WithBrokerTTL(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// WithBrokerLogger sets the broker logger. Defaults to a no-op logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// NewBroker creates an interaction broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		pending: make(map[string]*pendingInteraction),
		timeout: defaultInteractionTimeout,
		ttl:     defaultInteractionTTL,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Begin routes req to the provider. It returns either an immediate outcome
// (pending == nil) or a PendingInteraction to await. A provider placed on
// ctx with WithInteractionProviderContext overrides the configured one.
// With no provider at all the request defers rather than blocks: the token
// sits in the broker until something resolves it.
func (b *Broker) Begin(ctx context.Context, req InteractionRequest) (InteractionOutcome, *PendingInteraction, error) {
	if req.ID == "" {
		req.ID = NewID()
	}
	provider := b.provider
	if override, ok := InteractionProviderFromContext(ctx); ok {
		provider = override
	}
	token := NewID()
	if provider != nil {
		reply, err := provider.Handle(ctx, token, req)
		if err != nil {
			return InteractionOutcome{}, nil, fmt.Errorf("interaction provider %s: %w", provider.Name(), err)
		}
		if !reply.Deferred {
			return reply.Outcome, nil, nil
		}
	} else {
		b.logger.Warn("no interaction provider configured, deferring",
			"run_id", req.RunID,
			"kind", req.Kind)
	}
	entry := &pendingInteraction{
		token: token,
		req:   req,
		ch:    make(chan InteractionOutcome, 1),
	}
	b.mu.Lock()
	b.pending[token] = entry
	entry.timer = time.AfterFunc(b.ttl, func() { b.release(token) })
	b.mu.Unlock()
	return InteractionOutcome{}, &PendingInteraction{broker: b, entry: entry}, nil
}

// Resolve answers a deferred token. Single-use: resolving an unknown,
// expired, or already-resolved token returns ErrTokenResolved.
func (b *Broker) Resolve(token string, outcome InteractionOutcome) error {
	b.mu.Lock()
	entry, ok := b.pending[token]
	if ok {
		delete(b.pending, token)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	b.mu.Unlock()
	if !ok {
		return ErrTokenResolved
	}
	entry.ch <- outcome
	return nil
}

// Pending lists the currently deferred requests with their tokens, for
// external resolvers that poll instead of receiving notifications.
func (b *Broker) Pending() map[string]InteractionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]InteractionRequest, len(b.pending))
	for token, entry := range b.pending {
		out[token] = entry.req
	}
	return out
}

func (b *Broker) release(token string) {
	b.mu.Lock()
	entry, ok := b.pending[token]
	if ok {
		delete(b.pending, token)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	b.mu.Unlock()
	if ok {
		b.logger.Debug("interaction token released", "request_id", entry.req.ID)
	}
}

type interactionProviderKey struct{}

// WithInteractionProviderContext returns a context carrying an interaction
// provider override. A run started with this context uses the override
// instead of the broker's configured provider.
func WithInteractionProviderContext(ctx context.Context, p InteractionProvider) context.Context {
	return context.WithValue(ctx, interactionProviderKey{}, p)
}

// InteractionProviderFromContext extracts a provider override, if any.
func InteractionProviderFromContext(ctx context.Context) (InteractionProvider, bool) {
	p, ok := ctx.Value(interactionProviderKey{}).(InteractionProvider)
	return p, ok
}
