package afk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PolicyEventType identifies the action a policy evaluation guards.
type PolicyEventType string

const (
	// PolicyToolBeforeExecute fires before each tool call.
	PolicyToolBeforeExecute PolicyEventType = "tool_before_execute"
	// PolicySubagentBeforeExecute fires before each sub-agent node dispatch.
	PolicySubagentBeforeExecute PolicyEventType = "subagent_before_execute"
	// PolicyLLMBeforeCall fires before each model transport call.
	PolicyLLMBeforeCall PolicyEventType = "llm_before_call"
)

// PolicyEvent is the evaluation input: the guarded action plus a snapshot of
// the run around it.
type PolicyEvent struct {
	Type      PolicyEventType
	RunID     string
	ThreadID  string
	AgentName string
	Step      int
	// Text is the newest user-facing input relevant to the action, e.g. the
	// latest user message before a model call.
	Text string
	// Tool and Args are set for tool_before_execute.
	Tool string
	Args json.RawMessage
	// TargetAgent is set for subagent_before_execute.
	TargetAgent string
	// Context carries run context values visible to dynamic roles.
	Context map[string]any
}

// PolicyAction is the decision kind.
type PolicyAction string

const (
	PolicyAllow            PolicyAction = "allow"
	PolicyDeny             PolicyAction = "deny"
	PolicyDefer            PolicyAction = "defer"
	PolicyRequestApproval  PolicyAction = "request_approval"
	PolicyRequestUserInput PolicyAction = "request_user_input"
)

// PolicyDecision is the evaluation output. Decisions never surface as
// errors; callers branch on Action.
type PolicyDecision struct {
	Action PolicyAction `json:"action"`
	Reason string       `json:"reason,omitempty"`
	// RewrittenArgs optionally replaces the tool call arguments.
	RewrittenArgs json.RawMessage `json:"rewritten_args,omitempty"`
	// Request is the payload handed to the interaction broker for
	// request_approval / request_user_input decisions.
	Request json.RawMessage `json:"request,omitempty"`
	// MatchedRules lists the rule ids that fired, in evaluation order.
	MatchedRules []string `json:"matched_rules,omitempty"`
}

// PolicyRule is one deterministic rule. Empty selector fields match
// everything; Contains and Patterns match against the event's normalized
// text and tool arguments. A rule with selectors but no matchers fires on
// every selected event.
type PolicyRule struct {
	ID string `json:"id" yaml:"id"`
	// Events restricts the rule to specific event types.
	Events []PolicyEventType `json:"events,omitempty" yaml:"events,omitempty"`
	// Tools restricts tool_before_execute matches to named tools.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Agents restricts subagent_before_execute matches to named targets.
	Agents []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	// Contains are case-insensitive substrings checked after Unicode
	// normalization and zero-width stripping.
	Contains []string `json:"contains,omitempty" yaml:"contains,omitempty"`
	// Patterns are regular expressions checked against the normalized text.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Action   PolicyAction `json:"action" yaml:"action"`
	Reason   string       `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// PolicyRole is a dynamic policy hook consulted after the rule engine, in
// declaration order. Roles may block on external systems; the evaluator
// awaits each one.
type PolicyRole interface {
	Name() string
	Review(ctx context.Context, ev PolicyEvent) (PolicyDecision, error)
}

// zeroWidthReplacer strips Unicode zero-width and invisible characters used
// to smuggle text past substring matchers.
var zeroWidthReplacer = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // zero-width no-break space (BOM)
	"⁠", " ", // word joiner
	"᠎", " ", // Mongolian vowel separator
	"­", "",  // soft hyphen (removed, not replaced)
)

// normalizeText prepares content for rule matching: strip zero-width
// characters, fold compatibility forms with NFKC, lowercase.
func normalizeText(content string) string {
	cleaned := zeroWidthReplacer.Replace(content)
	cleaned = norm.NFKC.String(cleaned)
	return strings.ToLower(cleaned)
}

type compiledRule struct {
	id       string
	events   map[PolicyEventType]bool
	tools    map[string]bool
	agents   map[string]bool
	contains []string
	patterns []*regexp.Regexp
	action   PolicyAction
	reason   string
}

func (r *compiledRule) applies(ev PolicyEvent) bool {
	if len(r.events) > 0 && !r.events[ev.Type] {
		return false
	}
	if len(r.tools) > 0 && !r.tools[ev.Tool] {
		return false
	}
	if len(r.agents) > 0 && !r.agents[ev.TargetAgent] {
		return false
	}
	return true
}

func (r *compiledRule) matches(text string) bool {
	if len(r.contains) == 0 && len(r.patterns) == 0 {
		return true
	}
	for _, phrase := range r.contains {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, re := range r.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// PolicyEngine evaluates guarded actions against deterministic rules, then
// dynamic roles. The first non-allow decision wins and short-circuits;
// matched allow rules are still reported in MatchedRules. Safe for
// concurrent use after construction.
type PolicyEngine struct {
	rules  []compiledRule
	roles  []PolicyRole
	logger *slog.Logger
}

// PolicyOption configures a PolicyEngine.
type PolicyOption func(*PolicyEngine) error

// WithPolicyRules appends deterministic rules, evaluated in the given order.
func WithPolicyRules(rules ...PolicyRule) PolicyOption {
	return func(p *PolicyEngine) error {
		for _, rule := range rules {
			compiled, err := compileRule(rule)
			if err != nil {
				return err
			}
			p.rules = append(p.rules, compiled)
		}
		return nil
	}
}

// WithPolicyRoles appends dynamic roles, consulted in the given order after
// the rule engine.
func WithPolicyRoles(roles ...PolicyRole) PolicyOption {
	return func(p *PolicyEngine) error {
		p.roles = append(p.roles, roles...)
		return nil
	}
}

// WithPolicyLogger sets the engine logger. Defaults to a no-op logger.
func WithPolicyLogger(logger *slog.Logger) PolicyOption {
	return func(p *PolicyEngine) error {
		p.logger = logger
		return nil
	}
}

// NewPolicyEngine compiles the configured rules. Duplicate rule ids, unknown
// actions, and invalid regular expressions are rejected here so Evaluate
// never fails.
func NewPolicyEngine(opts ...PolicyOption) (*PolicyEngine, error) {
	p := &PolicyEngine{logger: nopLogger}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]bool, len(p.rules))
	for _, rule := range p.rules {
		if seen[rule.id] {
			return nil, &ConfigError{Field: "policy.rules", Reason: fmt.Sprintf("duplicate rule id %q", rule.id)}
		}
		seen[rule.id] = true
	}
	return p, nil
}

func compileRule(rule PolicyRule) (compiledRule, error) {
	if rule.ID == "" {
		return compiledRule{}, &ConfigError{Field: "policy.rules", Reason: "rule id is empty"}
	}
	switch rule.Action {
	case PolicyAllow, PolicyDeny, PolicyDefer, PolicyRequestApproval, PolicyRequestUserInput:
	default:
		return compiledRule{}, &ConfigError{
			Field:  "policy.rules",
			Reason: fmt.Sprintf("rule %q has unknown action %q", rule.ID, rule.Action),
		}
	}
	compiled := compiledRule{
		id:     rule.ID,
		action: rule.Action,
		reason: rule.Reason,
	}
	if len(rule.Events) > 0 {
		compiled.events = make(map[PolicyEventType]bool, len(rule.Events))
		for _, t := range rule.Events {
			compiled.events[t] = true
		}
	}
	if len(rule.Tools) > 0 {
		compiled.tools = make(map[string]bool, len(rule.Tools))
		for _, t := range rule.Tools {
			compiled.tools[t] = true
		}
	}
	if len(rule.Agents) > 0 {
		compiled.agents = make(map[string]bool, len(rule.Agents))
		for _, a := range rule.Agents {
			compiled.agents[a] = true
		}
	}
	for _, phrase := range rule.Contains {
		compiled.contains = append(compiled.contains, normalizeText(phrase))
	}
	for _, pattern := range rule.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return compiledRule{}, &ConfigError{
				Field:  "policy.rules",
				Reason: fmt.Sprintf("rule %q pattern %q: %v", rule.ID, pattern, err),
			}
		}
		compiled.patterns = append(compiled.patterns, re)
	}
	return compiled, nil
}

// Evaluate runs rules then roles against ev and returns the winning
// decision. It never returns an error: a role failure is logged and treated
// as a deny, so a broken role fails closed rather than waving actions
// through.
func (p *PolicyEngine) Evaluate(ctx context.Context, ev PolicyEvent) PolicyDecision {
	text := normalizeText(ev.Text)
	if len(ev.Args) > 0 {
		text += "\n" + normalizeText(string(ev.Args))
	}
	var matched []string
	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.applies(ev) || !rule.matches(text) {
			continue
		}
		matched = append(matched, rule.id)
		if rule.action == PolicyAllow {
			continue
		}
		p.logger.Debug("policy rule fired",
			"rule", rule.id,
			"action", rule.action,
			"event", ev.Type,
			"run_id", ev.RunID)
		return PolicyDecision{
			Action:       rule.action,
			Reason:       rule.reason,
			MatchedRules: matched,
		}
	}
	for _, role := range p.roles {
		decision, err := role.Review(ctx, ev)
		if err != nil {
			p.logger.Warn("policy role failed, denying",
				"role", role.Name(),
				"event", ev.Type,
				"run_id", ev.RunID,
				"error", err)
			return PolicyDecision{
				Action:       PolicyDeny,
				Reason:       fmt.Sprintf("policy role %s failed: %v", role.Name(), err),
				MatchedRules: matched,
			}
		}
		if decision.Action == "" || decision.Action == PolicyAllow {
			matched = append(matched, decision.MatchedRules...)
			continue
		}
		decision.MatchedRules = append(matched, decision.MatchedRules...)
		return decision
	}
	return PolicyDecision{Action: PolicyAllow, MatchedRules: matched}
}

// RuleCount reports how many rules are loaded. Used by config validation
// and logging at startup.
func (p *PolicyEngine) RuleCount() int { return len(p.rules) }
