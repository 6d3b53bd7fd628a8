package dispatch

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/lighthouse-sub002/identity"
)

// Rule is one declarative policy entry (spec.md §4.9 tier 2). Rules are
// evaluated in file order; the first matching rule wins.
type Rule struct {
	// CommandKinds, if non-empty, restricts the rule to these kinds.
	// Empty matches any kind.
	CommandKinds []string `yaml:"command_kinds"`
	// Roles, if non-empty, restricts the rule to these actor roles. Empty
	// matches any role.
	Roles []string `yaml:"roles"`
	Verdict Verdict `yaml:"verdict"`
	Reason  string  `yaml:"reason"`
}

func (r Rule) matchesKind(kind string) bool {
	if len(r.CommandKinds) == 0 {
		return true
	}
	for _, k := range r.CommandKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (r Rule) matchesRole(role identity.Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, rr := range r.Roles {
		if identity.Role(rr) == role {
			return true
		}
	}
	return false
}

// RuleEngine evaluates a loaded, ordered list of Rule. It is immutable after
// NewRuleEngine returns, so Evaluate is free of I/O and safe for
// concurrent use (spec.md §4.9: "the evaluator must be free of I/O").
type RuleEngine struct {
	rules []Rule
}

// ParseRules decodes a YAML document of the form:
//
//	rules:
//	  - command_kinds: [system_admin]
//	    verdict: deny
//	    reason: system_admin_requires_expert_review
func ParseRules(doc []byte) ([]Rule, error) {
	var parsed struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch: parsing policy rules: %w", err)
	}
	return parsed.Rules, nil
}

// NewRuleEngine builds a RuleEngine from an already-parsed rule set,
// loaded once at startup from the operator's configured policy file.
func NewRuleEngine(rules []Rule) *RuleEngine {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &RuleEngine{rules: cp}
}

// Evaluate implements PolicyEngine. The first rule whose command-kind and
// role predicates both match decides the command; an unmatched command
// abstains so later tiers run.
func (e *RuleEngine) Evaluate(cmd CommandDescriptor, id identity.Identity) (Decision, bool) {
	for _, r := range e.rules {
		if r.matchesKind(cmd.Kind) && r.matchesRole(id.Role) {
			return Decision{
				Verdict:    r.Verdict,
				Reason:     r.Reason,
				SourceTier: TierPolicy,
			}, true
		}
	}
	return Decision{}, false
}
