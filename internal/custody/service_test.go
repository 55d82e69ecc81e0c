package custody_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/guard"
	"github.com/diamondops/custody/internal/notify"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captured struct {
	mu       sync.Mutex
	triggers []notify.Trigger
}

func (c *captured) Notify(t notify.Trigger) {
	c.mu.Lock()
	c.triggers = append(c.triggers, t)
	c.mu.Unlock()
}

func (c *captured) all() []notify.Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Trigger(nil), c.triggers...)
}

type fixture struct {
	svc      *custody.Service
	store    *eventstore.Memory
	clock    *clock
	notified *captured
	cfg      *config.Config
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())

	c := &clock{t: base}
	g, err := guard.New(cfg.Guard, c.Now)
	require.NoError(t, err)
	f := &fixture{store: eventstore.NewMemory(), clock: c, notified: &captured{}, cfg: cfg}
	f.svc = custody.NewService(f.store, custody.Options{
		Rules:              cfg.Custody.Rules,
		TTL:                cfg.Custody.TransitionTTL.Duration,
		MaxConflictRetries: cfg.Custody.MaxConflictRetries,
		Gate:               g,
		Notifier:           f.notified,
		Clock:              c.Now,
	})
	return f
}

func (f *fixture) register(t *testing.T, itemID, custodian string) {
	t.Helper()
	_, err := f.svc.Register(context.Background(), custody.RegisterRequest{
		ItemID: itemID, Custodian: custodian, Nickname: "the ring", Model: "gold band", Location: "40.7128,-74.0060",
	})
	require.NoError(t, err)
}

func (f *fixture) propose(t *testing.T, itemID, initiator, to string) string {
	t.Helper()
	res, err := f.svc.Propose(context.Background(), custody.ProposeRequest{ItemID: itemID, Initiator: initiator, ProposedNewCustodian: to})
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	return res.Transition.TransitionID
}

func (f *fixture) events(t *testing.T, itemID string) []model.CustodyEvent {
	t.Helper()
	events, err := f.store.ReadEvents(context.Background(), itemID, 0)
	require.NoError(t, err)
	return events
}

func last(events []model.CustodyEvent) model.CustodyEvent {
	return events[len(events)-1]
}

func TestRegister_DuplicateIsRecordedAsRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ring", "alice")

	_, err := f.svc.Register(context.Background(), custody.RegisterRequest{ItemID: "ring", Custodian: "mallory"})
	assert.ErrorIs(t, err, errclass.ErrItemExists)

	events := f.events(t, "ring")
	require.Len(t, events, 2)
	assert.Equal(t, model.OutcomeRejected, events[1].Outcome)
	assert.Equal(t, "E_ITEM_EXISTS", events[1].ReasonCode)

	p, err := f.svc.Get(context.Background(), "ring")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Item.CurrentCustodian)
}

func TestPropose_UnknownItemIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Propose(context.Background(), custody.ProposeRequest{ItemID: "ghost", Initiator: "bob", ProposedNewCustodian: "bob"})
	assert.ErrorIs(t, err, errclass.ErrUnknownItem)
	assert.Empty(t, f.events(t, "ghost"))
}

func TestPropose_InvalidNames(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Propose(context.Background(), custody.ProposeRequest{ItemID: "../etc", Initiator: "bob", ProposedNewCustodian: "bob"})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestPropose_SingleActiveTransition(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ring", "alice")
	first := f.propose(t, "ring", "bob", "bob")

	_, err := f.svc.Propose(context.Background(), custody.ProposeRequest{ItemID: "ring", Initiator: "carol", ProposedNewCustodian: "carol"})
	assert.ErrorIs(t, err, errclass.ErrDuplicateActiveTransition)

	rejected := last(f.events(t, "ring"))
	assert.Equal(t, model.OutcomeRejected, rejected.Outcome)
	assert.Equal(t, "carol", rejected.Actor)

	p, err := f.svc.Get(context.Background(), "ring")
	require.NoError(t, err)
	require.NotNil(t, p.Active)
	assert.Equal(t, first, p.Active.TransitionID)
	assert.Len(t, p.Transitions, 1)
}

func TestPropose_ToCurrentCustodianRejected(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ring", "alice")
	_, err := f.svc.Propose(context.Background(), custody.ProposeRequest{ItemID: "ring", Initiator: "bob", ProposedNewCustodian: "alice"})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
}

func TestConfirm_UnsatisfiedLeavesStateAndRecordsRejection(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")
	before, err := f.svc.GetTransition(context.Background(), id)
	require.NoError(t, err)
	countBefore := len(f.events(t, "ring"))

	_, err = f.svc.Confirm(context.Background(), custody.ConfirmRequest{TransitionID: id, Actor: "alice", Rule: model.RuleDual,
		Attestations: []model.Attestation{{Attester: "alice"}}})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)

	events := f.events(t, "ring")
	require.Len(t, events, countBefore+1)
	rejected := last(events)
	assert.Equal(t, model.EventTransitionConfirmed, rejected.EventType)
	assert.Equal(t, model.OutcomeRejected, rejected.Outcome)
	assert.Contains(t, rejected.Reason, "bob")

	after, err := f.svc.GetTransition(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Empty(t, after.Attestations, "rejected attestations do not accumulate")
}

func TestConfirm_DualAfterAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "alice", "bob")

	_, err := f.svc.Acknowledge(ctx, id, "alice")
	require.NoError(t, err)
	res, err := f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice", Rule: model.RuleDual,
		Attestations: []model.Attestation{{Attester: "alice"}, {Attester: "bob"}}})
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, res.Transition.State)
	assert.Equal(t, model.RuleDual, res.Transition.ConfirmedRule)
	assert.Equal(t, "bob", res.Item.CurrentCustodian)

	triggers := f.notified.all()
	require.Len(t, triggers, 2)
	assert.Equal(t, model.EventTransitionProposed, triggers[0].Event.EventType)
	assert.Equal(t, model.EventTransitionConfirmed, triggers[1].Event.EventType)
	for _, tr := range triggers {
		assert.Equal(t, "alice", tr.Item.CurrentCustodian)
	}
}

func TestAttest_AccumulatesAcrossCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")

	_, err := f.svc.Attest(ctx, id, "bob", model.RuleDual)
	require.NoError(t, err)
	_, err = f.svc.Attest(ctx, id, "alice", "")
	require.NoError(t, err)

	res, err := f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice", Rule: model.RuleDual})
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, res.Transition.State)
	assert.Len(t, res.Transition.Attestations, 2)

	_, err = f.svc.Attest(ctx, id, "carol", "")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
	_, err = f.svc.Attest(ctx, id, "carol", "vote")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
}

func TestConfirm_WithoutRulePicksFirstSatisfied(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")
	res, err := f.svc.Confirm(context.Background(), custody.ConfirmRequest{TransitionID: id, Actor: "alice",
		Attestations: []model.Attestation{{Attester: "alice"}}})
	require.NoError(t, err)
	assert.Equal(t, model.RuleExplicit, res.Transition.ConfirmedRule)
}

func TestConfirm_OnlyCustodianOrEscrow(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Custody.Rules.Items = map[string]config.RuleSet{
			"vaulted": {Enabled: []model.RuleName{model.RuleExplicit, model.RuleEscrow}, EscrowAttester: "vault"},
		}
	})
	ctx := context.Background()
	f.register(t, "vaulted", "alice")
	id := f.propose(t, "vaulted", "bob", "bob")

	_, err := f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "bob",
		Attestations: []model.Attestation{{Attester: "alice"}}})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)

	_, err = f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "vault", Rule: model.RuleExplicit,
		Attestations: []model.Attestation{{Attester: "alice"}}})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "escrow attester may only use the escrow rule")

	res, err := f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "vault",
		Attestations: []model.Attestation{{Attester: "vault", RuleComponent: model.RuleEscrow}}})
	require.NoError(t, err)
	assert.Equal(t, model.RuleEscrow, res.Transition.ConfirmedRule)
}

func TestConfirm_EvidenceBacked(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Custody.Rules.Default.Enabled = []model.RuleName{model.RuleEvidenceBacked}
		c.Custody.Rules.Default.EvidenceThreshold = 0.85
	})
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")

	require.NoError(t, f.store.PutArtifact(ctx, model.EvidenceArtifact{ArtifactID: "art_1", ItemID: "ring", CreatedAt: base}))
	_, err := f.store.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.80, ComputedAt: base})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice"})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)

	_, err = f.store.AppendScore(ctx, model.ConfidenceScore{ArtifactID: "art_1", Score: 0.90, ComputedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	res, err := f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice"})
	require.NoError(t, err)
	require.NotNil(t, res.Event.Payload.Confidence)
	assert.Equal(t, 0.90, *res.Event.Payload.Confidence)
}

func TestConfirm_RuleConflictIsRejected(t *testing.T) {
	f := newFixture(t)
	// Bypass config validation to reach evaluation with a conflicting set.
	svc := custody.NewService(f.store, custody.Options{
		Rules: config.RulesConfig{Default: config.RuleSet{
			Enabled:           []model.RuleName{model.RuleEscrow, model.RuleEvidenceBacked},
			EscrowAttester:    "vault",
			EvidenceThreshold: 0.5,
		}},
		TTL:                time.Hour,
		MaxConflictRetries: 3,
		Clock:              f.clock.Now,
	})
	ctx := context.Background()
	_, err := svc.Register(ctx, custody.RegisterRequest{ItemID: "ring", Custodian: "alice"})
	require.NoError(t, err)
	res, err := svc.Propose(ctx, custody.ProposeRequest{ItemID: "ring", Initiator: "bob", ProposedNewCustodian: "bob"})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: res.Transition.TransitionID, Actor: "vault",
		Attestations: []model.Attestation{{Attester: "vault"}}})
	assert.ErrorIs(t, err, errclass.ErrRuleConflict)
	assert.Equal(t, "E_RULE_CONFLICT", last(f.events(t, "ring")).ReasonCode)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")

	_, err := f.svc.Revoke(ctx, id, "alice")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "only the initiator revokes")

	res, err := f.svc.Revoke(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StateRevoked, res.Transition.State)

	_, err = f.svc.Revoke(ctx, id, "bob")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "terminal")
}

func TestContestAndRepropose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")

	_, err := f.svc.Contest(ctx, id, "bob", "mine")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "only the custodian contests")

	res, err := f.svc.Contest(ctx, id, "alice", "never agreed")
	require.NoError(t, err)
	assert.Equal(t, model.StateContested, res.Transition.State)
	assert.Equal(t, "never agreed", res.Transition.ContestReason)

	_, err = f.svc.Revoke(ctx, id, "bob")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "contested transitions are not revocable")

	_, err = f.svc.Propose(ctx, custody.ProposeRequest{ItemID: "ring", Initiator: "carol", ProposedNewCustodian: "carol"})
	assert.ErrorIs(t, err, errclass.ErrDuplicateActiveTransition)

	f.clock.Advance(time.Hour)
	res, err = f.svc.Propose(ctx, custody.ProposeRequest{ItemID: "ring", Initiator: "bob", ProposedNewCustodian: "bob"})
	require.NoError(t, err)
	assert.Equal(t, id, res.Transition.TransitionID)
	assert.Equal(t, model.StateProposed, res.Transition.State)
	assert.Empty(t, res.Transition.ContestReason)
	assert.Equal(t, base.Add(time.Hour), res.Transition.ProposedAt)
	assert.Equal(t, model.EventTransitionReproposed, res.Event.EventType)

	types := []model.EventType{}
	for _, tr := range f.notified.all() {
		types = append(types, tr.Event.EventType)
	}
	assert.Equal(t, []model.EventType{
		model.EventTransitionProposed, model.EventTransitionContested, model.EventTransitionReproposed,
	}, types)
}

func TestLock_BlocksProposals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")

	_, err := f.svc.Lock(ctx, "ring", "bob")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
	_, err = f.svc.Lock(ctx, "ring", "alice")
	require.NoError(t, err)
	_, err = f.svc.Lock(ctx, "ring", "alice")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)

	_, err = f.svc.Propose(ctx, custody.ProposeRequest{ItemID: "ring", Initiator: "bob", ProposedNewCustodian: "bob"})
	assert.ErrorIs(t, err, errclass.ErrCustodyLocked)
	assert.Equal(t, "E_CUSTODY_LOCKED", last(f.events(t, "ring")).ReasonCode)

	_, err = f.svc.Unlock(ctx, "ring", "bob")
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
	_, err = f.svc.Unlock(ctx, "ring", "alice")
	require.NoError(t, err)
	f.propose(t, "ring", "bob", "bob")
}

func TestPropose_RateLimitAndFlagging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		f.register(t, id, "alice")
	}

	for _, id := range []string{"a", "b", "c"} {
		f.propose(t, id, "mallory", "mallory")
		f.clock.Advance(time.Minute)
	}
	_, err := f.svc.Propose(ctx, custody.ProposeRequest{ItemID: "d", Initiator: "mallory", ProposedNewCustodian: "mallory"})
	assert.ErrorIs(t, err, errclass.ErrRateLimitExceeded)
	assert.Equal(t, "E_RATE_LIMIT_EXCEEDED", last(f.events(t, "d")).ReasonCode)

	f.clock.Advance(time.Hour)
	f.propose(t, "d", "mallory", "mallory")

	// Three rejected proposals inside the window flag the initiator.
	var flagged bool
	for i := 0; i < 3; i++ {
		_, err := f.svc.Propose(ctx, custody.ProposeRequest{ItemID: "a", Initiator: "mallory", ProposedNewCustodian: "mallory"})
		require.Error(t, err)
		flagged = last(f.events(t, "a")).Payload.Flagged
	}
	assert.True(t, flagged)
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")

	_, err := f.svc.Expire(ctx, id)
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition, "ttl not reached")

	f.clock.Advance(72*time.Hour + time.Second)
	res, err := f.svc.Expire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, res.Transition.State)
	assert.Equal(t, custody.SweepActor, res.Event.Actor)

	_, err = f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice",
		Attestations: []model.Attestation{{Attester: "alice"}}})
	assert.ErrorIs(t, err, errclass.ErrInvalidTransition)
}

func TestUnknownTransition(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Acknowledge(context.Background(), "tr_nope", "alice")
	assert.ErrorIs(t, err, errclass.ErrUnknownTransition)
}

func TestConcurrentConfirmAndRevoke_LowerSequenceWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "ring", "alice")
		id := f.propose(t, "ring", "bob", "bob")

		var wg sync.WaitGroup
		var confirmErr, revokeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = f.svc.Confirm(ctx, custody.ConfirmRequest{TransitionID: id, Actor: "alice",
				Attestations: []model.Attestation{{Attester: "alice"}}})
		}()
		go func() {
			defer wg.Done()
			_, revokeErr = f.svc.Revoke(ctx, id, "bob")
		}()
		wg.Wait()

		require.True(t, (confirmErr == nil) != (revokeErr == nil), "exactly one wins: confirm=%v revoke=%v", confirmErr, revokeErr)

		events := f.events(t, "ring")
		require.Len(t, events, 4)
		winner, loser := events[2], events[3]
		assert.True(t, winner.Applied())
		assert.False(t, loser.Applied())
		assert.Equal(t, "E_INVALID_TRANSITION", loser.ReasonCode)

		p, err := f.svc.Get(ctx, "ring")
		require.NoError(t, err)
		if winner.EventType == model.EventTransitionConfirmed {
			assert.Equal(t, model.StateConfirmed, p.Transition(id).State)
		} else {
			assert.Equal(t, model.StateRevoked, p.Transition(id).State)
		}
	}
}

func TestHistoryIncludesRejectedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ring", "alice")
	id := f.propose(t, "ring", "bob", "bob")
	_, _ = f.svc.Acknowledge(ctx, id, "bob")

	history, err := f.svc.History(ctx, "ring", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.OutcomeRejected, history[2].Outcome)

	tail, err := f.svc.History(ctx, "ring", 3)
	require.NoError(t, err)
	assert.Len(t, tail, 1)

	_, err = f.svc.History(ctx, "ghost", 0)
	assert.ErrorIs(t, err, errclass.ErrUnknownItem)
}
