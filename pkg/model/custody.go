package model

import "time"

// EventType identifies the type of a custody event.
type EventType string

const (
	EventItemRegistered         EventType = "item_registered"
	EventItemLocked             EventType = "item_locked"
	EventItemUnlocked           EventType = "item_unlocked"
	EventTransitionProposed     EventType = "transition_proposed"
	EventTransitionReproposed   EventType = "transition_reproposed"
	EventTransitionAcknowledged EventType = "transition_acknowledged"
	EventTransitionContested    EventType = "transition_contested"
	EventAttestationRecorded    EventType = "attestation_recorded"
	EventTransitionConfirmed    EventType = "transition_confirmed"
	EventTransitionRevoked      EventType = "transition_revoked"
	EventTransitionExpired      EventType = "transition_expired"
)

// TransitionState is the state of a custody transition.
type TransitionState string

const (
	StateProposed     TransitionState = "proposed"
	StateAcknowledged TransitionState = "acknowledged"
	StateContested    TransitionState = "contested"
	StateConfirmed    TransitionState = "confirmed"
	StateExpired      TransitionState = "expired"
	StateRevoked      TransitionState = "revoked"
)

// Terminal returns true for confirmed, expired and revoked.
func (s TransitionState) Terminal() bool {
	switch s {
	case StateConfirmed, StateExpired, StateRevoked:
		return true
	}
	return false
}

// CustodyItem is the folded projection of an item's event stream.
type CustodyItem struct {
	ItemID           string    `json:"item_id"`
	CurrentCustodian string    `json:"current_custodian"`
	LockState        LockState `json:"lock_state"`
	LockHolder       string    `json:"lock_holder,omitempty"`
	// Version equals the sequence number of the last event in the stream.
	Version      int64     `json:"version"`
	Nickname     string    `json:"nickname,omitempty"`
	Model        string    `json:"model,omitempty"`
	Location     string    `json:"location,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// LockedByCustodian returns true if the current custodian holds the item lock.
func (i *CustodyItem) LockedByCustodian() bool {
	return i.LockState == LockStateLocked && i.LockHolder == i.CurrentCustodian
}

// EventPayload carries the type-specific fields of a custody event.
// Unused fields are omitted from the serialized form.
type EventPayload struct {
	TransitionID         string        `json:"transition_id,omitempty"`
	ItemID               string        `json:"item_id"`
	InitiatedBy          string        `json:"initiated_by,omitempty"`
	ProposedNewCustodian string        `json:"proposed_new_custodian,omitempty"`
	Timestamp            time.Time     `json:"timestamp"`
	Location             string        `json:"location,omitempty"`
	Confidence           *float64      `json:"confidence,omitempty"`
	Custodian            string        `json:"custodian,omitempty"`
	Nickname             string        `json:"nickname,omitempty"`
	Model                string        `json:"model,omitempty"`
	Rule                 RuleName      `json:"rule,omitempty"`
	Attestations         []Attestation `json:"attestations,omitempty"`
	Reason               string        `json:"reason,omitempty"`
	Flagged              bool          `json:"flagged,omitempty"`
}

// CustodyEvent is a single immutable record in an item's stream.
type CustodyEvent struct {
	SequenceNo int64        `json:"sequence_no"`
	EventID    string       `json:"event_id"`
	ItemID     string       `json:"item_id"`
	EventType  EventType    `json:"event_type"`
	Actor      string       `json:"actor"`
	Payload    EventPayload `json:"payload"`
	Timestamp  time.Time    `json:"timestamp"`
	Outcome    Outcome      `json:"outcome"`
	ReasonCode string       `json:"reason_code,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	PrevHash   HashValue    `json:"prev_hash,omitempty"`
	RecordHash HashValue    `json:"record_hash,omitempty"`
}

// Applied returns true if the event changed state.
func (e *CustodyEvent) Applied() bool {
	return e.Outcome == OutcomeApplied
}

// Attestation is one party's confirmation toward a rule.
type Attestation struct {
	TransitionID string `json:"transition_id"`
	Attester     string `json:"attester"`
	// RuleComponent names the rule this attestation contributes to.
	// Empty contributes to every rule.
	RuleComponent RuleName  `json:"rule_component,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// CustodyTransition is derived from the events of one item.
type CustodyTransition struct {
	TransitionID         string          `json:"transition_id"`
	ItemID               string          `json:"item_id"`
	State                TransitionState `json:"state"`
	InitiatedBy          string          `json:"initiated_by"`
	FromCustodian        string          `json:"from_custodian"`
	ProposedNewCustodian string          `json:"proposed_new_custodian"`
	Location             string          `json:"location,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	// ProposedAt is reset by a re-proposal and drives expiry.
	ProposedAt    time.Time     `json:"proposed_at"`
	LastEventSeq  int64         `json:"last_event_seq"`
	Attestations  []Attestation `json:"attestations,omitempty"`
	ConfirmedRule RuleName      `json:"confirmed_rule,omitempty"`
	ContestReason string        `json:"contest_reason,omitempty"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
}
