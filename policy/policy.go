// Package policy evaluates ordered allow/deny rules for control-plane calls.
//
// Evaluation is a pure function of (principal, action, resource, context):
// rules are checked top to bottom, the first match wins, and a request that
// matches no rule is denied. The engine holds its rule list behind an atomic
// pointer so evaluation is safe for arbitrary concurrency and a reload never
// exposes a half-updated rule set.
package policy

import (
	"fmt"
	"path"
	"sync/atomic"
)

// Effect is the outcome a rule assigns to matching requests.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision is the result of evaluating a request against the rule list.
type Decision struct {
	Allowed bool
	// MatchedRule is the index of the rule that decided the request, or -1
	// when the implicit default deny applied.
	MatchedRule int
}

// Input carries the attributes a rule can match on.
type Input struct {
	Principal string
	Action    string
	Resource  string
	Context   map[string]string
}

// Rule is one ordered policy entry. Pattern fields use path.Match syntax
// ("*" matches any run of characters); an empty pattern matches everything.
// When is an optional equality constraint on request context; Condition is an
// optional predicate for rules constructed in code. A rule matches only when
// every present constraint matches.
type Rule struct {
	Principal string            `json:"principal,omitempty"`
	Action    string            `json:"action,omitempty"`
	Resource  string            `json:"resource,omitempty"`
	When      map[string]string `json:"when,omitempty"`
	Condition func(Input) bool  `json:"-"`
	Effect    Effect            `json:"effect"`
}

func (r *Rule) matches(in Input) bool {
	if !patternMatch(r.Principal, in.Principal) {
		return false
	}
	if !patternMatch(r.Action, in.Action) {
		return false
	}
	if !patternMatch(r.Resource, in.Resource) {
		return false
	}
	for k, want := range r.When {
		if in.Context[k] != want {
			return false
		}
	}
	if r.Condition != nil && !r.Condition(in) {
		return false
	}
	return true
}

func patternMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// Engine evaluates requests against an atomically swappable rule list.
type Engine struct {
	rules atomic.Pointer[[]Rule]
}

// NewEngine validates and installs the initial rule list.
func NewEngine(rules []Rule) (*Engine, error) {
	if err := Validate(rules); err != nil {
		return nil, err
	}
	e := &Engine{}
	e.store(rules)
	return e, nil
}

// Validate checks that every rule carries a recognized effect and a
// well-formed pattern set.
func Validate(rules []Rule) error {
	for i, r := range rules {
		if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return fmt.Errorf("rule %d: invalid effect %q", i, r.Effect)
		}
		for _, p := range []string{r.Principal, r.Action, r.Resource} {
			if _, err := path.Match(p, ""); p != "" && err != nil {
				return fmt.Errorf("rule %d: invalid pattern %q: %w", i, p, err)
			}
		}
	}
	return nil
}

func (e *Engine) store(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	e.rules.Store(&cp)
}

// Evaluate returns the decision for the given input. It has no side effects
// and is safe to call concurrently with Reload.
func (e *Engine) Evaluate(in Input) Decision {
	rules := *e.rules.Load()
	for i := range rules {
		if rules[i].matches(in) {
			return Decision{Allowed: rules[i].Effect == EffectAllow, MatchedRule: i}
		}
	}
	return Decision{Allowed: false, MatchedRule: -1}
}

// Reload atomically replaces the rule list. In-flight evaluations observe
// either the old or the new list, never a mix.
func (e *Engine) Reload(rules []Rule) error {
	if err := Validate(rules); err != nil {
		return err
	}
	e.store(rules)
	return nil
}

// Rules returns a copy of the current rule list.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), *e.rules.Load()...)
}
