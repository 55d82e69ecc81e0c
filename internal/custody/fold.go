package custody

import (
	"github.com/diamondops/custody/pkg/model"
)

// Projection is the state derived from one item's event stream.
type Projection struct {
	Item       model.CustodyItem `json:"item"`
	Registered bool              `json:"-"`
	// Transitions in proposal order.
	Transitions []*model.CustodyTransition `json:"transitions"`
	// Active is the single non-terminal transition, if any.
	Active *model.CustodyTransition `json:"active_transition,omitempty"`
}

// Transition returns the transition with the given id.
func (p *Projection) Transition(id string) *model.CustodyTransition {
	for _, t := range p.Transitions {
		if t.TransitionID == id {
			return t
		}
	}
	return nil
}

// legalFrom lists, per state-changing event, the states it may leave.
var legalFrom = map[model.EventType][]model.TransitionState{
	model.EventTransitionReproposed:   {model.StateContested},
	model.EventTransitionAcknowledged: {model.StateProposed},
	model.EventTransitionContested:    {model.StateProposed, model.StateAcknowledged},
	model.EventAttestationRecorded:    {model.StateProposed, model.StateAcknowledged, model.StateContested},
	model.EventTransitionConfirmed:    {model.StateProposed, model.StateAcknowledged, model.StateContested},
	model.EventTransitionRevoked:      {model.StateProposed, model.StateAcknowledged},
	model.EventTransitionExpired:      {model.StateProposed, model.StateAcknowledged},
}

// CanApply reports whether an event of type et may be applied to a
// transition in state s.
func CanApply(s model.TransitionState, et model.EventType) bool {
	for _, from := range legalFrom[et] {
		if from == s {
			return true
		}
	}
	return false
}

// Fold replays events in sequence order. Rejected events only advance the
// version. The result depends on nothing but the events.
func Fold(events []model.CustodyEvent) Projection {
	var p Projection
	p.Item.LockState = model.LockStateUnlocked
	for i := range events {
		p.apply(events[i])
	}
	return p
}

func (p *Projection) apply(ev model.CustodyEvent) {
	p.Item.Version = ev.SequenceNo
	if !ev.Applied() {
		return
	}
	pl := ev.Payload

	switch ev.EventType {
	case model.EventItemRegistered:
		p.Registered = true
		p.Item.ItemID = ev.ItemID
		p.Item.CurrentCustodian = pl.Custodian
		p.Item.Nickname = pl.Nickname
		p.Item.Model = pl.Model
		p.Item.Location = pl.Location
		p.Item.RegisteredAt = pl.Timestamp
		return
	case model.EventItemLocked:
		p.Item.LockState = model.LockStateLocked
		p.Item.LockHolder = ev.Actor
		return
	case model.EventItemUnlocked:
		p.Item.LockState = model.LockStateUnlocked
		p.Item.LockHolder = ""
		return
	case model.EventTransitionProposed:
		if p.Active != nil {
			return
		}
		t := &model.CustodyTransition{
			TransitionID:         pl.TransitionID,
			ItemID:               ev.ItemID,
			State:                model.StateProposed,
			InitiatedBy:          pl.InitiatedBy,
			FromCustodian:        p.Item.CurrentCustodian,
			ProposedNewCustodian: pl.ProposedNewCustodian,
			Location:             pl.Location,
			CreatedAt:            pl.Timestamp,
			ProposedAt:           pl.Timestamp,
			LastEventSeq:         ev.SequenceNo,
		}
		p.Transitions = append(p.Transitions, t)
		p.Active = t
		return
	}

	t := p.Active
	if t == nil || t.TransitionID != pl.TransitionID || !CanApply(t.State, ev.EventType) {
		return
	}
	t.LastEventSeq = ev.SequenceNo

	switch ev.EventType {
	case model.EventTransitionReproposed:
		t.State = model.StateProposed
		t.ContestReason = ""
		t.ProposedAt = pl.Timestamp
		if pl.Location != "" {
			t.Location = pl.Location
		}
	case model.EventTransitionAcknowledged:
		t.State = model.StateAcknowledged
	case model.EventTransitionContested:
		t.State = model.StateContested
		t.ContestReason = pl.Reason
	case model.EventAttestationRecorded:
		t.Attestations = append(t.Attestations, pl.Attestations...)
	case model.EventTransitionConfirmed:
		t.Attestations = append(t.Attestations, pl.Attestations...)
		t.ConfirmedRule = pl.Rule
		p.close(t, model.StateConfirmed, pl)
		p.Item.CurrentCustodian = t.ProposedNewCustodian
	case model.EventTransitionRevoked:
		p.close(t, model.StateRevoked, pl)
	case model.EventTransitionExpired:
		p.close(t, model.StateExpired, pl)
	}
}

func (p *Projection) close(t *model.CustodyTransition, s model.TransitionState, pl model.EventPayload) {
	t.State = s
	closed := pl.Timestamp
	t.ClosedAt = &closed
	p.Active = nil
}
