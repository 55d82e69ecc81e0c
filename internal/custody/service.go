// Package custody runs the custody transition state machine on top of the
// event store.
//
// Every operation reads the item's stream, folds it, decides, and appends
// one event with the version it read. A stale version means another writer
// won the race; the operation refreshes and decides again, so a request
// that is no longer valid is recorded as rejected rather than lost.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/notify"
	"github.com/diamondops/custody/internal/rules"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/naming"
	"github.com/diamondops/custody/pkg/uuidutil"
)

// SweepActor is the actor recorded on expiry events.
const SweepActor = "system:sweep"

// Gate is the abuse guard as seen by Propose.
type Gate interface {
	CheckLock(item model.CustodyItem) error
	Allow(ctx context.Context, initiator string) error
	RecordRejection(initiator string) bool
}

// Notifier receives accepted events after they are committed. It must not
// block.
type Notifier interface {
	Notify(t notify.Trigger)
}

// Options configures a Service.
type Options struct {
	Rules              config.RulesConfig
	TTL                time.Duration
	MaxConflictRetries int
	Gate               Gate
	Notifier           Notifier
	Metrics            *metrics.Registry
	Logger             *logging.Logger
	Clock              func() time.Time
}

// Service is the custody state machine.
type Service struct {
	store      eventstore.Store
	rules      config.RulesConfig
	gate       Gate
	notifier   Notifier
	metrics    *metrics.Registry
	log        *logging.Logger
	clock      func() time.Time
	ttl        time.Duration
	maxRetries int
}

// NewService creates a Service on store.
func NewService(store eventstore.Store, opts Options) *Service {
	s := &Service{
		store:      store,
		rules:      opts.Rules,
		gate:       opts.Gate,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		clock:      opts.Clock,
		ttl:        opts.TTL,
		maxRetries: opts.MaxConflictRetries,
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.With("component", "custody")
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

// TTL returns how long a transition may stay proposed or acknowledged.
func (s *Service) TTL() time.Duration { return s.ttl }

// now is truncated to microseconds so every backend stores it exactly.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// Result is the outcome of an operation: the recorded event and the state
// after it.
type Result struct {
	Event      model.CustodyEvent       `json:"event"`
	Item       model.CustodyItem        `json:"item"`
	Transition *model.CustodyTransition `json:"transition,omitempty"`
}

// decision is what an operation decided against the current projection.
type decision struct {
	event model.CustodyEvent
	// err, when set, is recorded with the event as a rejection.
	err error
	// skip returns err without recording anything. Used when there is no
	// stream to record into.
	skip bool
}

func reject(ev model.CustodyEvent, err error) decision {
	return decision{event: ev, err: err}
}

func skip(err error) decision {
	return decision{err: err, skip: true}
}

type decideFunc func(ctx context.Context, p *Projection, now time.Time) decision

// run is the read-fold-decide-append loop shared by every operation.
func (s *Service) run(ctx context.Context, itemID string, decide decideFunc) (Result, error) {
	eventID := uuidutil.New(uuidutil.PrefixEvent)

	for attempt := 1; ; attempt++ {
		events, err := s.store.ReadEvents(ctx, itemID, 0)
		if err != nil {
			return Result{}, err
		}
		p := Fold(events)

		// An append that reported failure may still have landed.
		if attempt > 1 {
			if ev, ok := findEvent(events, eventID); ok {
				return s.result(p, ev), rejection(ev)
			}
		}

		now := s.now()
		d := decide(ctx, &p, now)
		if d.skip {
			return Result{Item: p.Item}, d.err
		}

		ev := d.event
		ev.EventID = eventID
		ev.ItemID = itemID
		ev.Timestamp = now
		ev.Outcome = model.OutcomeApplied
		if d.err != nil {
			ev.Outcome = model.OutcomeRejected
			ev.ReasonCode, ev.Reason = reasonOf(d.err)
		}

		before := p.Item
		seq, err := s.store.Append(ctx, itemID, p.Item.Version, ev)
		if errors.Is(err, errclass.ErrStaleVersion) {
			if attempt >= s.maxRetries {
				return Result{}, errclass.ErrStaleVersion.WithMessagef("item %s: gave up after %d conflicting attempts", itemID, attempt)
			}
			s.log.Debug("version conflict, retrying", map[string]any{
				"item_id": itemID,
				"attempt": attempt,
			})
			continue
		}
		if err != nil {
			return Result{}, err
		}

		ev.SequenceNo = seq
		p.apply(ev)
		s.record(ev)
		res := s.result(p, ev)
		if ev.Applied() {
			s.dispatch(ev, before, res.Transition)
		}
		return res, d.err
	}
}

func findEvent(events []model.CustodyEvent, eventID string) (model.CustodyEvent, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventID == eventID {
			return events[i], true
		}
	}
	return model.CustodyEvent{}, false
}

// rejection rebuilds the error of a recorded rejected event.
func rejection(ev model.CustodyEvent) error {
	if ev.Applied() {
		return nil
	}
	return &errclass.CustodyError{Code: ev.ReasonCode, Message: ev.Reason}
}

func reasonOf(err error) (string, string) {
	var ce *errclass.CustodyError
	if errors.As(err, &ce) {
		return ce.Code, ce.Message
	}
	return errclass.ErrInvalidTransition.Code, err.Error()
}

func (s *Service) result(p Projection, ev model.CustodyEvent) Result {
	res := Result{Event: ev, Item: p.Item}
	if id := ev.Payload.TransitionID; id != "" {
		if t := p.Transition(id); t != nil {
			cp := *t
			res.Transition = &cp
		}
	}
	return res
}

func (s *Service) record(ev model.CustodyEvent) {
	s.metrics.RecordEvent(string(ev.EventType), string(ev.Outcome))
	fields := map[string]any{
		"item_id":     ev.ItemID,
		"event_type":  ev.EventType,
		"sequence_no": ev.SequenceNo,
		"actor":       ev.Actor,
		"outcome":     ev.Outcome,
	}
	if ev.Payload.TransitionID != "" {
		fields["transition_id"] = ev.Payload.TransitionID
	}
	if !ev.Applied() {
		fields["code"] = ev.ReasonCode
		fields["reason"] = ev.Reason
		s.log.Warn("custody attempt rejected", fields)
		return
	}
	s.log.Info("custody event", fields)
}

var notifyOn = map[model.EventType]bool{
	model.EventTransitionProposed:   true,
	model.EventTransitionReproposed: true,
	model.EventTransitionContested:  true,
	model.EventTransitionConfirmed:  true,
}

func (s *Service) dispatch(ev model.CustodyEvent, before model.CustodyItem, t *model.CustodyTransition) {
	if s.notifier == nil || t == nil || !notifyOn[ev.EventType] {
		return
	}
	s.notifier.Notify(notify.Trigger{Event: ev, Item: before, Transition: *t})
}

func transitionPayload(t *model.CustodyTransition, now time.Time) model.EventPayload {
	return model.EventPayload{
		TransitionID:         t.TransitionID,
		ItemID:               t.ItemID,
		InitiatedBy:          t.InitiatedBy,
		ProposedNewCustodian: t.ProposedNewCustodian,
		Timestamp:            now,
		Location:             t.Location,
	}
}

// RegisterRequest registers a new item with its first custodian.
type RegisterRequest struct {
	ItemID    string `json:"item_id"`
	Custodian string `json:"custodian"`
	Nickname  string `json:"nickname,omitempty"`
	Model     string `json:"model,omitempty"`
	Location  string `json:"location,omitempty"`
	// Actor defaults to Custodian.
	Actor string `json:"actor,omitempty"`
}

// Register records an item and its first custodian.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Result, error) {
	if req.Actor == "" {
		req.Actor = req.Custodian
	}
	if err := naming.ValidateIDs("item id", req.ItemID, "custodian", req.Custodian, "actor", req.Actor); err != nil {
		return Result{}, err
	}
	return s.run(ctx, req.ItemID, func(_ context.Context, p *Projection, now time.Time) decision {
		ev := model.CustodyEvent{
			EventType: model.EventItemRegistered,
			Actor:     req.Actor,
			Payload: model.EventPayload{
				ItemID:    req.ItemID,
				Custodian: req.Custodian,
				Nickname:  req.Nickname,
				Model:     req.Model,
				Location:  req.Location,
				Timestamp: now,
			},
		}
		if p.Registered {
			return reject(ev, errclass.ErrItemExists.WithMessagef("item %s is already registered", req.ItemID))
		}
		return decision{event: ev}
	})
}

// Lock lets the current custodian lock an item against proposals.
func (s *Service) Lock(ctx context.Context, itemID, actor string) (Result, error) {
	if err := naming.ValidateIDs("item id", itemID, "actor", actor); err != nil {
		return Result{}, err
	}
	return s.run(ctx, itemID, func(_ context.Context, p *Projection, now time.Time) decision {
		if !p.Registered {
			return skip(errclass.ErrUnknownItem.WithMessagef("item %s not registered", itemID))
		}
		ev := model.CustodyEvent{
			EventType: model.EventItemLocked,
			Actor:     actor,
			Payload:   model.EventPayload{ItemID: itemID, Custodian: p.Item.CurrentCustodian, Timestamp: now},
		}
		if actor != p.Item.CurrentCustodian {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("only the current custodian %s may lock item %s", p.Item.CurrentCustodian, itemID))
		}
		if p.Item.LockState == model.LockStateLocked {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("item %s is already locked by %s", itemID, p.Item.LockHolder))
		}
		return decision{event: ev}
	})
}

// Unlock releases a lock. Only the lock holder may unlock.
func (s *Service) Unlock(ctx context.Context, itemID, actor string) (Result, error) {
	if err := naming.ValidateIDs("item id", itemID, "actor", actor); err != nil {
		return Result{}, err
	}
	return s.run(ctx, itemID, func(_ context.Context, p *Projection, now time.Time) decision {
		if !p.Registered {
			return skip(errclass.ErrUnknownItem.WithMessagef("item %s not registered", itemID))
		}
		ev := model.CustodyEvent{
			EventType: model.EventItemUnlocked,
			Actor:     actor,
			Payload:   model.EventPayload{ItemID: itemID, Custodian: p.Item.CurrentCustodian, Timestamp: now},
		}
		if p.Item.LockState != model.LockStateLocked {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("item %s is not locked", itemID))
		}
		if actor != p.Item.LockHolder {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("only the lock holder %s may unlock item %s", p.Item.LockHolder, itemID))
		}
		return decision{event: ev}
	})
}

// ProposeRequest asks for a change of custodian.
type ProposeRequest struct {
	ItemID               string `json:"item_id"`
	Initiator            string `json:"initiator"`
	ProposedNewCustodian string `json:"proposed_new_custodian"`
	Location             string `json:"location,omitempty"`
}

// Propose opens a transition. The abuse guard runs first: a custodian lock
// rejects, then the initiator's rate limit is consumed once per call. A
// contested transition re-proposed by its own initiator returns to proposed.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (Result, error) {
	if err := naming.ValidateIDs("item id", req.ItemID, "initiator", req.Initiator, "proposed custodian", req.ProposedNewCustodian); err != nil {
		return Result{}, err
	}

	transitionID := uuidutil.New(uuidutil.PrefixTransition)
	var limitErr error
	limited, rejectionRecorded := false, false

	return s.run(ctx, req.ItemID, func(ctx context.Context, p *Projection, now time.Time) decision {
		if !p.Registered {
			return skip(errclass.ErrUnknownItem.WithMessagef("item %s not registered", req.ItemID))
		}
		ev := model.CustodyEvent{
			EventType: model.EventTransitionProposed,
			Actor:     req.Initiator,
			Payload: model.EventPayload{
				TransitionID:         transitionID,
				ItemID:               req.ItemID,
				InitiatedBy:          req.Initiator,
				ProposedNewCustodian: req.ProposedNewCustodian,
				Timestamp:            now,
				Location:             req.Location,
			},
		}
		rejectProposal := func(err error) decision {
			if s.gate != nil && !rejectionRecorded {
				rejectionRecorded = true
				ev.Payload.Flagged = s.gate.RecordRejection(req.Initiator)
			}
			return reject(ev, err)
		}

		if s.gate != nil {
			if err := s.gate.CheckLock(p.Item); err != nil {
				return rejectProposal(err)
			}
			if !limited {
				limited = true
				limitErr = s.gate.Allow(ctx, req.Initiator)
			}
			if limitErr != nil {
				if !errors.Is(limitErr, errclass.ErrRateLimitExceeded) {
					return skip(limitErr)
				}
				return rejectProposal(limitErr)
			}
		}

		if a := p.Active; a != nil {
			if a.State == model.StateContested && a.InitiatedBy == req.Initiator {
				ev.EventType = model.EventTransitionReproposed
				ev.Payload = transitionPayload(a, now)
				if req.Location != "" {
					ev.Payload.Location = req.Location
				}
				return decision{event: ev}
			}
			return rejectProposal(errclass.ErrDuplicateActiveTransition.WithMessagef(
				"item %s already has %s transition %s", req.ItemID, a.State, a.TransitionID))
		}
		if req.ProposedNewCustodian == p.Item.CurrentCustodian {
			return rejectProposal(errclass.ErrInvalidTransition.WithMessagef(
				"%s is already the custodian of item %s", req.ProposedNewCustodian, req.ItemID))
		}
		return decision{event: ev}
	})
}

type transitionDecideFunc func(ctx context.Context, p *Projection, t *model.CustodyTransition, now time.Time) decision

func (s *Service) onTransition(ctx context.Context, transitionID string, decide transitionDecideFunc) (Result, error) {
	if transitionID == "" {
		return Result{}, errclass.ErrUnknownTransition.WithMessage("transition id is required")
	}
	itemID, err := s.store.LocateTransition(ctx, transitionID)
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, itemID, func(ctx context.Context, p *Projection, now time.Time) decision {
		t := p.Transition(transitionID)
		if t == nil {
			return skip(errclass.ErrUnknownTransition.WithMessagef("transition %s not found on item %s", transitionID, itemID))
		}
		return decide(ctx, p, t, now)
	})
}

func illegal(t *model.CustodyTransition, action string) error {
	return errclass.ErrInvalidTransition.WithMessagef("cannot %s transition %s in state %s", action, t.TransitionID, t.State)
}

func notCustodian(t *model.CustodyTransition, action string) error {
	return errclass.ErrInvalidTransition.WithMessagef("only the current custodian %s may %s transition %s", t.FromCustodian, action, t.TransitionID)
}

// Acknowledge records that the current custodian has seen a proposal.
func (s *Service) Acknowledge(ctx context.Context, transitionID, actor string) (Result, error) {
	if err := naming.ValidateID("actor", actor); err != nil {
		return Result{}, err
	}
	return s.onTransition(ctx, transitionID, func(_ context.Context, _ *Projection, t *model.CustodyTransition, now time.Time) decision {
		ev := model.CustodyEvent{EventType: model.EventTransitionAcknowledged, Actor: actor, Payload: transitionPayload(t, now)}
		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "acknowledge"))
		}
		if actor != t.FromCustodian {
			return reject(ev, notCustodian(t, "acknowledge"))
		}
		return decision{event: ev}
	})
}

// Contest lets the current custodian dispute a proposal.
func (s *Service) Contest(ctx context.Context, transitionID, actor, reason string) (Result, error) {
	if err := naming.ValidateID("actor", actor); err != nil {
		return Result{}, err
	}
	return s.onTransition(ctx, transitionID, func(_ context.Context, _ *Projection, t *model.CustodyTransition, now time.Time) decision {
		ev := model.CustodyEvent{EventType: model.EventTransitionContested, Actor: actor, Payload: transitionPayload(t, now)}
		ev.Payload.Reason = reason
		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "contest"))
		}
		if actor != t.FromCustodian {
			return reject(ev, notCustodian(t, "contest"))
		}
		return decision{event: ev}
	})
}

// Attest adds one attestation to an open transition. Attestations
// accumulate until the transition closes.
func (s *Service) Attest(ctx context.Context, transitionID, attester string, component model.RuleName) (Result, error) {
	if err := naming.ValidateID("attester", attester); err != nil {
		return Result{}, err
	}
	if component != "" && !component.Valid() {
		return Result{}, errclass.ErrInvalidTransition.WithMessagef("unknown rule %q", component)
	}
	return s.onTransition(ctx, transitionID, func(_ context.Context, _ *Projection, t *model.CustodyTransition, now time.Time) decision {
		ev := model.CustodyEvent{EventType: model.EventAttestationRecorded, Actor: attester, Payload: transitionPayload(t, now)}
		ev.Payload.Attestations = []model.Attestation{{
			TransitionID:  t.TransitionID,
			Attester:      attester,
			RuleComponent: component,
			Timestamp:     now,
		}}
		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "attest to"))
		}
		return decision{event: ev}
	})
}

// ConfirmRequest asks to close a transition as confirmed.
type ConfirmRequest struct {
	TransitionID string         `json:"transition_id"`
	Actor        string         `json:"actor"`
	Rule         model.RuleName `json:"rule,omitempty"`
	// Attestations are added to those already recorded.
	Attestations []model.Attestation `json:"attestations,omitempty"`
}

// Confirm closes a transition when a confirmation rule is satisfied. Only
// the current custodian may confirm, except the escrow attester under the
// escrow rule.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Result, error) {
	if err := naming.ValidateID("actor", req.Actor); err != nil {
		return Result{}, err
	}
	if req.Rule != "" && !req.Rule.Valid() {
		return Result{}, errclass.ErrInvalidTransition.WithMessagef("unknown rule %q", req.Rule)
	}
	for _, a := range req.Attestations {
		if err := naming.ValidateID("attester", a.Attester); err != nil {
			return Result{}, err
		}
	}

	return s.onTransition(ctx, req.TransitionID, func(ctx context.Context, p *Projection, t *model.CustodyTransition, now time.Time) decision {
		added := make([]model.Attestation, 0, len(req.Attestations))
		for _, a := range req.Attestations {
			a.TransitionID = t.TransitionID
			if a.Timestamp.IsZero() {
				a.Timestamp = now
			}
			added = append(added, a)
		}
		ev := model.CustodyEvent{EventType: model.EventTransitionConfirmed, Actor: req.Actor, Payload: transitionPayload(t, now)}
		ev.Payload.Rule = req.Rule
		ev.Payload.Attestations = added

		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "confirm"))
		}

		policy := rules.NewPolicy(s.rules.For(t.ItemID))
		rule := req.Rule
		if req.Actor != t.FromCustodian {
			escrow := policy.Has(model.RuleEscrow) && req.Actor == policy.EscrowAttester()
			if !escrow || (rule != "" && rule != model.RuleEscrow) {
				return reject(ev, notCustodian(t, "confirm"))
			}
			rule = model.RuleEscrow
		}

		scores, err := s.linkedScores(ctx, t.ItemID)
		if err != nil {
			return skip(err)
		}
		all := append(append([]model.Attestation(nil), t.Attestations...), added...)
		verdict, err := policy.Evaluate(rule, all, rules.Context{
			CurrentCustodian:     t.FromCustodian,
			ProposedNewCustodian: t.ProposedNewCustodian,
			ArtifactScores:       scores,
		})
		if err != nil {
			return reject(ev, err)
		}
		ev.Payload.Confidence = verdict.Confidence
		if !verdict.Satisfied {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("transition %s not confirmed: %s", t.TransitionID, verdict.Reason))
		}
		ev.Payload.Rule = verdict.Rule
		return decision{event: ev}
	})
}

// linkedScores returns the current score of every artifact on the item.
func (s *Service) linkedScores(ctx context.Context, itemID string) (map[string]float64, error) {
	snap, err := s.store.Snapshot(ctx, itemID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		if cur, ok := model.CurrentScore(snap.Scores[a.ArtifactID]); ok {
			out[a.ArtifactID] = cur.Score
		}
	}
	return out, nil
}

// Revoke lets the initiator withdraw a proposal before it closes.
func (s *Service) Revoke(ctx context.Context, transitionID, actor string) (Result, error) {
	if err := naming.ValidateID("actor", actor); err != nil {
		return Result{}, err
	}
	return s.onTransition(ctx, transitionID, func(_ context.Context, _ *Projection, t *model.CustodyTransition, now time.Time) decision {
		ev := model.CustodyEvent{EventType: model.EventTransitionRevoked, Actor: actor, Payload: transitionPayload(t, now)}
		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "revoke"))
		}
		if actor != t.InitiatedBy {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("only the initiator %s may revoke transition %s", t.InitiatedBy, t.TransitionID))
		}
		return decision{event: ev}
	})
}

// Expire closes a transition whose proposal is older than the TTL.
func (s *Service) Expire(ctx context.Context, transitionID string) (Result, error) {
	return s.onTransition(ctx, transitionID, func(_ context.Context, _ *Projection, t *model.CustodyTransition, now time.Time) decision {
		ev := model.CustodyEvent{EventType: model.EventTransitionExpired, Actor: SweepActor, Payload: transitionPayload(t, now)}
		if !CanApply(t.State, ev.EventType) {
			return reject(ev, illegal(t, "expire"))
		}
		if !Expired(t, now, s.ttl) {
			return reject(ev, errclass.ErrInvalidTransition.WithMessagef("transition %s proposed at %s has not reached its %s ttl", t.TransitionID, t.ProposedAt.Format(time.RFC3339), s.ttl))
		}
		return decision{event: ev}
	})
}

// Expired reports whether t is open and older than ttl at now.
func Expired(t *model.CustodyTransition, now time.Time, ttl time.Duration) bool {
	return CanApply(t.State, model.EventTransitionExpired) && now.Sub(t.ProposedAt) > ttl
}

// Get returns the folded state of a registered item.
func (s *Service) Get(ctx context.Context, itemID string) (Projection, error) {
	events, err := s.store.ReadEvents(ctx, itemID, 0)
	if err != nil {
		return Projection{}, err
	}
	p := Fold(events)
	if !p.Registered {
		return Projection{}, errclass.ErrUnknownItem.WithMessagef("item %s not registered", itemID)
	}
	return p, nil
}

// History returns the item's events from fromSeq on, rejected attempts
// included.
func (s *Service) History(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	if _, err := s.Get(ctx, itemID); err != nil {
		return nil, err
	}
	return s.store.ReadEvents(ctx, itemID, fromSeq)
}

// GetTransition returns a transition by id.
func (s *Service) GetTransition(ctx context.Context, transitionID string) (*model.CustodyTransition, error) {
	itemID, err := s.store.LocateTransition(ctx, transitionID)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	t := p.Transition(transitionID)
	if t == nil {
		return nil, errclass.ErrUnknownTransition.WithMessagef("transition %s not found", transitionID)
	}
	return t, nil
}

// Items lists every item with a stream.
func (s *Service) Items(ctx context.Context) ([]string, error) {
	ids, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return ids, nil
}
