package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/notify"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/model"
)

var ts = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

func trigger(et model.EventType) notify.Trigger {
	return notify.Trigger{
		Event: model.CustodyEvent{
			EventID:   "ev_1",
			ItemID:    "ring",
			EventType: et,
			Actor:     "bob",
			Timestamp: ts,
			Payload:   model.EventPayload{TransitionID: "tr_1", InitiatedBy: "bob", Reason: "private reason"},
		},
		Item: model.CustodyItem{ItemID: "ring", CurrentCustodian: "alice", Nickname: "the ring", Model: "gold band", Location: "40.712776,-74.005974"},
		Transition: model.CustodyTransition{
			TransitionID: "tr_1", InitiatedBy: "bob", ProposedNewCustodian: "bob", ContestReason: "private reason",
		},
	}
}

func TestCoarseLocation(t *testing.T) {
	cases := []struct{ in, want string }{
		{"40.712776,-74.005974", "40.7,-74.0"},
		{" 51.5072 , -0.1276 ", "51.5,-0.1"},
		{"12 Main St, Springfield, IL", "Springfield, IL"},
		{"Apt 4, 12 Main St, Springfield, IL", "Springfield, IL"},
		{"Lisbon", "Lisbon"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, notify.CoarseLocation(c.in), c.in)
	}
}

func TestFilter_KeepsOnlyPermittedFields(t *testing.T) {
	n, ok := notify.Filter(trigger(model.EventTransitionContested))
	require.True(t, ok)
	assert.Equal(t, model.Notice{
		ItemNickname:   "the ring",
		ItemModel:      "gold band",
		TransitionType: "contested",
		Timestamp:      ts,
		CoarseLocation: "40.7,-74.0",
		RequiredAction: "Resolve the contest before the transition can proceed.",
	}, n)

	_, ok = notify.Filter(trigger(model.EventTransitionAcknowledged))
	assert.False(t, ok)
}

func TestFilter_ReproposalUsesProposedTemplate(t *testing.T) {
	name, ok := notify.Template(model.EventTransitionReproposed)
	require.True(t, ok)
	assert.Equal(t, notify.TemplateProposed, name)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	received []model.NotificationRecord
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Deliver(_ context.Context, rec model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[rec.NotificationID]++
	if s.calls[rec.NotificationID] <= s.failures {
		return errors.New("endpoint down")
	}
	s.received = append(s.received, rec)
	return nil
}

func (s *flakySink) got() []model.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NotificationRecord(nil), s.received...)
}

func fastConfig(maxRetries int) config.NotifyConfig {
	return config.NotifyConfig{
		Workers:    2,
		MaxRetries: maxRetries,
		BaseDelay:  config.D(time.Millisecond),
		MaxDelay:   config.D(5 * time.Millisecond),
	}
}

func latest(t *testing.T, store eventstore.NotificationLog) []model.NotificationRecord {
	t.Helper()
	recs, err := store.ReadNotifications(context.Background(), "ring")
	require.NoError(t, err)
	return model.LatestNotifications(recs)
}

func TestDispatcher_RetriesUntilSent(t *testing.T) {
	store := eventstore.NewMemory()
	sink := &flakySink{failures: 2}
	d := notify.NewDispatcher(store, fastConfig(5), []notify.Sink{sink})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	d.Notify(trigger(model.EventTransitionProposed))

	require.Eventually(t, func() bool {
		l := latest(t, store)
		return len(l) == 1 && l[0].DeliveryStatus == model.DeliverySent
	}, 5*time.Second, 5*time.Millisecond)

	recs, err := store.ReadNotifications(context.Background(), "ring")
	require.NoError(t, err)
	statuses := make([]model.DeliveryStatus, 0, len(recs))
	for _, r := range recs {
		statuses = append(statuses, r.DeliveryStatus)
	}
	assert.Equal(t, []model.DeliveryStatus{
		model.DeliveryPending, model.DeliveryRetrying, model.DeliveryRetrying, model.DeliverySent,
	}, statuses)

	final := recs[len(recs)-1]
	assert.Equal(t, 3, final.Attempt)
	assert.Equal(t, "alice", final.Recipient)
	assert.Equal(t, notify.TemplateProposed, final.Template)
	assert.Equal(t, "tr_1", final.TransitionID)
	assert.NotNil(t, final.SentAt)
	require.Len(t, sink.got(), 1)
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	store := eventstore.NewMemory()
	sink := &flakySink{failures: 100}
	d := notify.NewDispatcher(store, fastConfig(2), []notify.Sink{sink})
	require.NoError(t, d.Start(context.Background()))
	defer d.Close()

	d.Notify(trigger(model.EventTransitionConfirmed))

	require.Eventually(t, func() bool {
		l := latest(t, store)
		return len(l) == 1 && l[0].DeliveryStatus == model.DeliveryFailed
	}, 5*time.Second, 5*time.Millisecond)
	l := latest(t, store)
	assert.Equal(t, 3, l[0].Attempt)
	assert.Contains(t, l[0].Error, "endpoint down")
}

func TestDispatcher_IgnoresUnnotifiedEvents(t *testing.T) {
	store := eventstore.NewMemory()
	d := notify.NewDispatcher(store, fastConfig(1), nil)
	d.Notify(trigger(model.EventTransitionRevoked))
	assert.Empty(t, latest(t, store))
	require.NoError(t, d.Close())
}

func TestDispatcher_RedeliversUnfinishedOnStart(t *testing.T) {
	store := eventstore.NewMemory()
	ctx := context.Background()

	// A previous process recorded the notification but stopped before
	// delivering it.
	first := notify.NewDispatcher(store, fastConfig(3), nil)
	first.Notify(trigger(model.EventTransitionProposed))
	require.NoError(t, first.Close())
	require.Len(t, latest(t, store), 1)
	assert.Equal(t, model.DeliveryPending, latest(t, store)[0].DeliveryStatus)

	sink := &flakySink{}
	second := notify.NewDispatcher(store, fastConfig(3), []notify.Sink{sink})
	require.NoError(t, second.Start(ctx))
	defer second.Close()

	require.Eventually(t, func() bool {
		l := latest(t, store)
		return len(l) == 1 && l[0].DeliveryStatus == model.DeliverySent
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, sink.got(), 1)
}

func TestDispatcher_CloseDrainsQueuedDeliveries(t *testing.T) {
	store := eventstore.NewMemory()
	sink := &flakySink{}
	d := notify.NewDispatcher(store, fastConfig(3), []notify.Sink{sink})
	require.NoError(t, d.Start(context.Background()))

	for i := 0; i < 5; i++ {
		d.Notify(trigger(model.EventTransitionProposed))
	}
	require.NoError(t, d.Close())
	assert.Len(t, sink.got(), 5)
	for _, r := range latest(t, store) {
		assert.Equal(t, model.DeliverySent, r.DeliveryStatus)
	}
}
