package afk

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	// ErrBreakerOpen is returned for model calls attempted while the
	// circuit breaker is open.
	ErrBreakerOpen = errors.New("afk: circuit breaker open")
	// ErrRunTerminal is returned by handle operations on a run that
	// already reached a terminal state.
	ErrRunTerminal = errors.New("afk: run already terminal")
	// ErrTokenResolved is returned when a deferred interaction token is
	// resolved more than once or after expiry.
	ErrTokenResolved = errors.New("afk: interaction token already resolved")
)

// ConfigError reports invalid agent, worker, or run configuration, including
// unknown contract ids and missing required settings. Never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// PolicyDeniedError carries the decision that blocked an action.
// Policy evaluation itself never fails; this error appears only when a
// denial must travel an error path (e.g. a failure policy of fail_run).
type PolicyDeniedError struct {
	Decision PolicyDecision
}

func (e *PolicyDeniedError) Error() string {
	if e.Decision.Reason != "" {
		return "policy denied: " + e.Decision.Reason
	}
	return "policy denied"
}

// Interaction error kinds.
const (
	InteractionDenied       = "approval_denied"
	InteractionTimeout      = "approval_timeout"
	InteractionInputTimeout = "user_input_timeout"
)

// InteractionError reports a failed human-in-the-loop exchange.
type InteractionError struct {
	Kind      string // one of the Interaction* constants
	RequestID string
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("interaction %s: request %s", e.Kind, e.RequestID)
}

// BudgetError reports an exhausted fail-safe budget (steps, wall time,
// model calls, tool calls, or cost).
type BudgetError struct {
	Resource string
	Limit    string
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exhausted: %s (limit %s)", e.Resource, e.Limit)
}

// BackpressureError reports a delegation plan rejected because its ready
// queue would exceed the configured limit.
type BackpressureError struct {
	Ready   int
	Running int
	Limit   int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: %d ready + %d running exceeds limit %d", e.Ready, e.Running, e.Limit)
}

// TransportError wraps a model transport failure. Retryable hints whether
// the failure class is worth retrying (timeouts, provider 5xx) or not
// (invalid response shape, missing capability).
type TransportError struct {
	Transport string
	Op        string // "chat", "chat_stream", "embed", ...
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Delivery error kinds.
const (
	DeliveryTimeout     = "delivery_timeout"
	DeliveryExhausted   = "retry_budget_exhausted"
	DeliveryCancelled   = "cancelled"
	DeliveryInterrupted = "interrupted"
)

// DeliveryError reports an A2A invocation that did not produce a usable
// response.
type DeliveryError struct {
	Kind          string // one of the Delivery* constants
	CorrelationID string
	Attempts      int
	Err           error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery %s: correlation %s after %d attempt(s): %v", e.Kind, e.CorrelationID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("delivery %s: correlation %s after %d attempt(s)", e.Kind, e.CorrelationID, e.Attempts)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PlanError reports an invalid delegation graph: duplicate node ids, unknown
// targets, dangling edges, self-loops, or cycles. Never retried.
type PlanError struct {
	Node   string // offending node id, "" for plan-level problems
	Reason string
}

func (e *PlanError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("invalid plan: node %q: %s", e.Node, e.Reason)
	}
	return "invalid plan: " + e.Reason
}

// SchemaError reports a JSON document rejected by schema validation
// (tool arguments or task payloads). Never retried.
type SchemaError struct {
	Subject string // "tool web_search arguments", "contract job.dispatch.v1 payload", ...
	Causes  []string
}

func (e *SchemaError) Error() string {
	if len(e.Causes) == 0 {
		return "schema: " + e.Subject + ": invalid"
	}
	return fmt.Sprintf("schema: %s: %s", e.Subject, strings.Join(e.Causes, "; "))
}

// StoreError reports a persistence failure, including checkpoint corruption
// (a latest pointer without a matching frame).
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s: key %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// terminalTaskError reports whether err belongs to the classes that fail a
// task without consuming retry budget: configuration and validation errors.
func terminalTaskError(err error) bool {
	var cfg *ConfigError
	var schema *SchemaError
	var plan *PlanError
	return errors.As(err, &cfg) || errors.As(err, &schema) || errors.As(err, &plan)
}

// retryableTransport reports whether err carries a retryable transport or
// delivery hint. Used by failure policies before consulting retry budgets.
func retryableTransport(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	return true
}
