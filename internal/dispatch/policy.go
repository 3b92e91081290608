package dispatch

import (
	"fmt"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/outbox"
	"github.com/crisiscenter/crisis-relay/internal/pkg/glob"
)

// Policies resolves the backpressure policy for a topic from ordered glob
// rules. The first matching rule wins; otherwise the default applies.
type Policies struct {
	def   string
	rules []config.PolicyRule
}

// NewPolicies validates and builds a policy table.
func NewPolicies(def string, rules []config.PolicyRule) (*Policies, error) {
	if def == "" {
		def = config.PolicyDropOldest
	}
	if !isPolicy(def) {
		return nil, fmt.Errorf("invalid default policy %q", def)
	}
	for i, r := range rules {
		if err := glob.Validate(r.Pattern); err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i, err)
		}
		if !isPolicy(r.Policy) {
			return nil, fmt.Errorf("policy rule %d: invalid policy %q", i, r.Policy)
		}
	}
	return &Policies{def: def, rules: append([]config.PolicyRule(nil), rules...)}, nil
}

// PoliciesFromConfig builds the policy table from realtime configuration.
func PoliciesFromConfig(rc config.RealtimeConfig) (*Policies, error) {
	return NewPolicies(rc.DefaultPolicy, rc.TopicPolicies)
}

func isPolicy(p string) bool {
	return p == config.PolicyDropOldest || p == config.PolicyForceClose
}

// For returns the policy name for topic.
func (p *Policies) For(topic string) string {
	if p == nil {
		return config.PolicyDropOldest
	}
	for _, r := range p.rules {
		if glob.Match(r.Pattern, topic) {
			return r.Policy
		}
	}
	return p.def
}

// Mode maps the topic's policy onto the outbox push mode.
func (p *Policies) Mode(topic string) outbox.Mode {
	if p.For(topic) == config.PolicyForceClose {
		return outbox.RejectWhenFull
	}
	return outbox.DropOldest
}
