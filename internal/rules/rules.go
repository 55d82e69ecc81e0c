// Package rules evaluates whether accumulated attestations satisfy a
// confirmation rule.
//
// The rule set is closed: explicit, dual, escrow and evidence_backed. A new
// rule is added by implementing Rule and registering it in builtin.
package rules

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

// Context is what a rule may consult besides the attestations.
type Context struct {
	CurrentCustodian     string
	ProposedNewCustodian string
	EscrowAttester       string
	EvidenceThreshold    float64
	// ArtifactScores holds the current score of each artifact linked to
	// the item.
	ArtifactScores map[string]float64
}

// Verdict is the result of evaluating one rule.
type Verdict struct {
	Rule      model.RuleName `json:"rule"`
	Satisfied bool           `json:"satisfied"`
	Reason    string         `json:"reason,omitempty"`
	// Confidence is the best linked score, set by evidence_backed.
	Confidence *float64 `json:"confidence,omitempty"`
}

// Rule is one confirmation strategy.
type Rule interface {
	Name() model.RuleName
	Evaluate(atts []model.Attestation, c Context) Verdict
}

var builtin = map[model.RuleName]Rule{
	model.RuleExplicit:       Explicit{},
	model.RuleDual:           Dual{},
	model.RuleEscrow:         Escrow{},
	model.RuleEvidenceBacked: EvidenceBacked{},
}

// Lookup returns the implementation of a named rule.
func Lookup(name model.RuleName) (Rule, bool) {
	r, ok := builtin[name]
	return r, ok
}

// attesters returns who attested toward rule. Attestations without a rule
// component count toward every rule.
func attesters(rule model.RuleName, atts []model.Attestation) sets.Set[string] {
	out := sets.New[string]()
	for _, a := range atts {
		if a.RuleComponent == "" || a.RuleComponent == rule {
			out.Insert(a.Attester)
		}
	}
	return out
}

// Explicit is satisfied once the current custodian has attested.
type Explicit struct{}

func (Explicit) Name() model.RuleName { return model.RuleExplicit }

func (Explicit) Evaluate(atts []model.Attestation, c Context) Verdict {
	v := Verdict{Rule: model.RuleExplicit}
	if attesters(model.RuleExplicit, atts).Has(c.CurrentCustodian) {
		v.Satisfied = true
		return v
	}
	v.Reason = fmt.Sprintf("current custodian %s has not attested", c.CurrentCustodian)
	return v
}

// Dual is satisfied once both the current and the proposed custodian have
// attested.
type Dual struct{}

func (Dual) Name() model.RuleName { return model.RuleDual }

func (Dual) Evaluate(atts []model.Attestation, c Context) Verdict {
	v := Verdict{Rule: model.RuleDual}
	got := attesters(model.RuleDual, atts)
	missing := sets.New(c.CurrentCustodian, c.ProposedNewCustodian).Difference(got)
	if missing.Len() == 0 {
		v.Satisfied = true
		return v
	}
	v.Reason = "missing attestation from " + strings.Join(sets.List(missing), ", ")
	return v
}

// Escrow is satisfied once the designated escrow attester has attested.
type Escrow struct{}

func (Escrow) Name() model.RuleName { return model.RuleEscrow }

func (Escrow) Evaluate(atts []model.Attestation, c Context) Verdict {
	v := Verdict{Rule: model.RuleEscrow}
	if c.EscrowAttester == "" {
		v.Reason = "no escrow attester configured"
		return v
	}
	if attesters(model.RuleEscrow, atts).Has(c.EscrowAttester) {
		v.Satisfied = true
		return v
	}
	v.Reason = fmt.Sprintf("escrow attester %s has not attested", c.EscrowAttester)
	return v
}

// EvidenceBacked is satisfied when at least one linked artifact's current
// score meets the configured threshold. Attestations are not consulted.
type EvidenceBacked struct{}

func (EvidenceBacked) Name() model.RuleName { return model.RuleEvidenceBacked }

func (EvidenceBacked) Evaluate(_ []model.Attestation, c Context) Verdict {
	v := Verdict{Rule: model.RuleEvidenceBacked}
	if c.EvidenceThreshold <= 0 {
		v.Reason = "no evidence threshold configured"
		return v
	}
	best, found := 0.0, false
	for _, s := range c.ArtifactScores {
		if !found || s > best {
			best, found = s, true
		}
	}
	if !found {
		v.Reason = "no scored artifacts linked to the item"
		return v
	}
	v.Confidence = &best
	if best >= c.EvidenceThreshold {
		v.Satisfied = true
		return v
	}
	v.Reason = fmt.Sprintf("best linked score %.4f below threshold %.2f", best, c.EvidenceThreshold)
	return v
}

// Policy is the rule set in force for one item.
type Policy struct {
	set config.RuleSet
}

// NewPolicy builds the policy for an item's effective rule set.
func NewPolicy(set config.RuleSet) Policy {
	return Policy{set: set}
}

// Enabled lists the enabled rules in evaluation order.
func (p Policy) Enabled() []model.RuleName {
	var out []model.RuleName
	for _, r := range model.AllRules {
		if p.set.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Has reports whether rule is enabled.
func (p Policy) Has(rule model.RuleName) bool { return p.set.Has(rule) }

// EscrowAttester returns the configured escrow attester.
func (p Policy) EscrowAttester() string { return p.set.EscrowAttester }

// Context fills the rule parameters of c from the policy.
func (p Policy) Context(c Context) Context {
	c.EscrowAttester = p.set.EscrowAttester
	c.EvidenceThreshold = p.set.EvidenceThreshold
	return c
}

// Evaluate decides a confirmation. A named rule must be enabled and
// satisfied. With no rule named, enabled rules are tried in order and the
// first satisfied one wins. Escrow and evidence_backed enabled together is
// a conflict and nothing is evaluated.
func (p Policy) Evaluate(requested model.RuleName, atts []model.Attestation, c Context) (Verdict, error) {
	if p.set.Has(model.RuleEscrow) && p.set.Has(model.RuleEvidenceBacked) {
		return Verdict{}, errclass.ErrRuleConflict.WithMessage("escrow and evidence_backed are both enabled for this item")
	}
	c = p.Context(c)

	if requested != "" {
		rule, ok := Lookup(requested)
		if !ok {
			return Verdict{}, errclass.ErrInvalidTransition.WithMessagef("unknown rule %q", requested)
		}
		if !p.set.Has(requested) {
			return Verdict{Rule: requested, Reason: fmt.Sprintf("rule %s is not enabled for this item", requested)}, nil
		}
		return rule.Evaluate(atts, c), nil
	}

	var reasons []string
	for _, name := range p.Enabled() {
		v := builtin[name].Evaluate(atts, c)
		if v.Satisfied {
			return v, nil
		}
		reasons = append(reasons, fmt.Sprintf("%s: %s", name, v.Reason))
	}
	sort.Strings(reasons)
	return Verdict{Reason: "no enabled rule satisfied (" + strings.Join(reasons, "; ") + ")"}, nil
}
