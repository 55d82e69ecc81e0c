package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// LockState is the lock state of a custody item.
type LockState string

const (
	LockStateUnlocked LockState = "unlocked"
	LockStateLocked   LockState = "locked"
)

// Outcome records whether an attempted event changed state.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// RuleName identifies a confirmation rule.
type RuleName string

const (
	RuleExplicit       RuleName = "explicit"
	RuleDual           RuleName = "dual"
	RuleEscrow         RuleName = "escrow"
	RuleEvidenceBacked RuleName = "evidence_backed"
)

// AllRules lists the confirmation rules in evaluation order.
var AllRules = []RuleName{RuleExplicit, RuleDual, RuleEscrow, RuleEvidenceBacked}

// Valid reports whether r is one of the fixed confirmation rules.
func (r RuleName) Valid() bool {
	for _, known := range AllRules {
		if r == known {
			return true
		}
	}
	return false
}
