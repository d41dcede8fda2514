// Package rules holds the per-application rule model and the engine that
// turns a packet into a verdict.
package rules

import (
	"fmt"
	"sync"

	"github.com/micrictor/appwall/internal/conntrack"
	"github.com/micrictor/appwall/internal/iface"
	"github.com/micrictor/appwall/internal/packet"
)

// Result is the outcome of one classification. Rule is nil when the default
// policy applied.
type Result struct {
	Rule     *Rule
	Policy   Policy
	Redirect *packet.Endpoint
}

func (r Result) Interactive() bool {
	return r.Policy == Interactive
}

// Verdict maps the result onto an accept/block verdict. It reports false for
// interactive results, which have no verdict until someone answers.
func (r Result) Verdict() (packet.Verdict, bool) {
	switch r.Policy {
	case Allow:
		return packet.Verdict{Action: packet.Accept, Redirect: r.Redirect}, true
	case Block:
		return packet.Verdict{Action: packet.Block}, true
	}
	return packet.Verdict{}, false
}

func (r Result) String() string {
	src := "default"
	if r.Rule != nil {
		src = "rule " + r.Rule.String()
	}
	if r.Redirect != nil {
		return fmt.Sprintf("%s redirect=%s (%s)", r.Policy, r.Redirect, src)
	}
	return fmt.Sprintf("%s (%s)", r.Policy, src)
}

// Engine evaluates packets against a RuleSet with first-match-wins semantics
// and falls back to the default policy.
type Engine struct {
	rules *RuleSet

	mu            sync.RWMutex
	defaultPolicy Policy
}

func NewEngine(rules *RuleSet, defaultPolicy Policy) *Engine {
	if rules == nil {
		rules = NewRuleSet()
	}
	if defaultPolicy == 0 {
		defaultPolicy = Allow
	}
	return &Engine{rules: rules, defaultPolicy: defaultPolicy}
}

func (e *Engine) Rules() *RuleSet {
	return e.rules
}

func (e *Engine) DefaultPolicy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultPolicy
}

func (e *Engine) SetDefaultPolicy(p Policy) error {
	if p < Allow || p > Interactive {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidRule, p)
	}
	e.mu.Lock()
	e.defaultPolicy = p
	e.mu.Unlock()
	return nil
}

// Decide classifies p. conn may be nil, in which case the packet's hook decides
// the device side and direction filters do not constrain the match.
func (e *Engine) Decide(p *packet.Packet, conn *conntrack.Connection, class iface.Class) Result {
	v := conntrack.ViewOf(p)
	if conn != nil {
		v = conn.View(p)
	}

	r, ok := e.rules.Match(p, v, class)
	if !ok {
		return Result{Policy: e.DefaultPolicy()}
	}
	if r.Kind == KindRedirect {
		target := r.Redirect
		return Result{Rule: &r, Policy: Allow, Redirect: &target}
	}
	return Result{Rule: &r, Policy: r.Policy}
}
