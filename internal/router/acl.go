package router

import (
	"fmt"
	"strings"

	"github.com/crisiscenter/crisis-relay/internal/config"
	"github.com/crisiscenter/crisis-relay/internal/pkg/glob"
)

// Rule restricts subscriptions to topics matching Pattern.
//
// Roles lists the roles allowed on matching topics; empty means any role.
// With Self set, a subscriber may also use a matching topic whose id segment
// (the part after the first ':') is its identity. SelfRole does the same for
// an id equal to the subscriber's role. With either flag set, an empty Roles
// admits nobody else.
type Rule struct {
	Pattern  string
	Roles    []string
	Self     bool
	SelfRole bool
}

// ACL is an ordered role-to-topic map. The first matching rule decides;
// topics no rule matches are open.
type ACL struct {
	rules []Rule
}

// Known roles.
const (
	RoleCitizen      = "citizen"
	RoleVolunteer    = "volunteer"
	RoleNGO          = "ngo"
	RoleGovHead      = "gov_head"
	RoleGovAuthority = "gov_authority"
	RoleGovOfficer   = "gov_officer"
	RoleDispatcher   = "dispatcher"
	RoleResponder    = "responder"
)

// BroadcastIncidents is the all-incidents broadcast topic.
const BroadcastIncidents = "broadcast:incidents"

// DefaultRules returns the built-in role-to-topic map.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "broadcast:*", Roles: []string{RoleDispatcher}},
		{Pattern: "gov:*", Roles: []string{RoleGovHead, RoleGovAuthority, RoleGovOfficer, RoleDispatcher}},
		{Pattern: "user:*", Roles: []string{RoleDispatcher}, Self: true},
		{Pattern: "role:*", Roles: []string{RoleDispatcher}, SelfRole: true},
	}
}

// NewACL validates rules and builds an ACL.
func NewACL(rules []Rule) (*ACL, error) {
	for i, r := range rules {
		if err := glob.Validate(r.Pattern); err != nil {
			return nil, fmt.Errorf("acl rule %d: %w", i, err)
		}
	}
	return &ACL{rules: append([]Rule(nil), rules...)}, nil
}

// ACLFromConfig builds an ACL from configuration, falling back to the
// default rules when none are configured.
func ACLFromConfig(rules []config.ACLRule) (*ACL, error) {
	if len(rules) == 0 {
		return NewACL(DefaultRules())
	}
	converted := make([]Rule, len(rules))
	for i, r := range rules {
		converted[i] = Rule{Pattern: r.Pattern, Roles: r.Roles, Self: r.Self, SelfRole: r.SelfRole}
	}
	return NewACL(converted)
}

// Allow reports whether a subscriber with role and identity may subscribe to topic.
func (a *ACL) Allow(role, identity, topic string) bool {
	if a == nil {
		return true
	}
	for _, r := range a.rules {
		if !glob.Match(r.Pattern, topic) {
			continue
		}
		if r.Self || r.SelfRole {
			id := topicID(topic)
			if id != "" && ((r.Self && id == identity) || (r.SelfRole && id == role)) {
				return true
			}
			return hasRole(r.Roles, role)
		}
		return len(r.Roles) == 0 || hasRole(r.Roles, role)
	}
	return true
}

// Rules returns a copy of the rules.
func (a *ACL) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

func topicID(topic string) string {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
