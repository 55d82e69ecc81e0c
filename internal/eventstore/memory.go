package eventstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

// Journal persists records written through a Memory store. A write error
// leaves the in-memory state unchanged.
type Journal interface {
	WriteEvent(ev model.CustodyEvent) error
	WriteArtifact(a model.EvidenceArtifact) error
	WriteScore(s model.ConfidenceScore) error
	WritePacket(p model.EscalationPacket) error
	WriteNotification(r model.NotificationRecord) error
	// LoadEvents rereads an item's stream after another writer moved it.
	LoadEvents(itemID string) ([]model.CustodyEvent, error)
	Close() error
}

// stream is everything stored for one item, guarded by its own mutex so
// appends to different items never contend.
type stream struct {
	mu        sync.RWMutex
	events    []model.CustodyEvent
	artifacts []model.EvidenceArtifact
	scores    map[string][]model.ConfidenceScore
}

func newStream() *stream {
	return &stream{
		scores: make(map[string][]model.ConfidenceScore),
	}
}

// Memory is an in-process Store. With a Journal attached it is the
// write-through cache of the file backend.
type Memory struct {
	// mu guards the indexes below, never the content of a stream.
	mu          sync.RWMutex
	streams     map[string]*stream
	transitions map[string]string
	artifacts   map[string]string
	packets     map[string]model.EscalationPacket

	notifMu       sync.Mutex
	notifications []model.NotificationRecord

	journal Journal
	// files is set by OpenFile.
	files *fileSync
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		streams:     make(map[string]*stream),
		transitions: make(map[string]string),
		artifacts:   make(map[string]string),
		packets:     make(map[string]model.EscalationPacket),
	}
}

func (m *Memory) stream(itemID string, create bool) *stream {
	m.mu.RLock()
	st, ok := m.streams[itemID]
	m.mu.RUnlock()
	if ok || !create {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.streams[itemID]; !ok {
		st = newStream()
		m.streams[itemID] = st
	}
	return st
}

func (m *Memory) indexTransition(ev model.CustodyEvent) {
	if ev.EventType != model.EventTransitionProposed || !ev.Applied() {
		return
	}
	m.mu.Lock()
	m.transitions[ev.Payload.TransitionID] = ev.ItemID
	m.mu.Unlock()
}

// Append implements EventLog.
func (m *Memory) Append(ctx context.Context, itemID string, expectedVersion int64, ev model.CustodyEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st := m.stream(itemID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	version := int64(len(st.events))
	if version != expectedVersion {
		return 0, errclass.ErrStaleVersion.WithMessagef("item %s: expected version %d, current %d", itemID, expectedVersion, version)
	}

	ev = cloneEvent(ev)
	ev.ItemID = itemID
	ev.SequenceNo = version + 1
	var prev model.HashValue
	if version > 0 {
		prev = st.events[version-1].RecordHash
	}
	if err := SealEvent(prev, &ev); err != nil {
		return 0, err
	}

	if m.journal != nil {
		if err := m.journal.WriteEvent(ev); err != nil {
			if errors.Is(err, errclass.ErrStaleVersion) {
				m.reloadLocked(st, itemID)
			}
			return 0, err
		}
	}
	m.commitEventLocked(st, ev)
	return ev.SequenceNo, nil
}

func (m *Memory) commitEventLocked(st *stream, ev model.CustodyEvent) {
	st.events = append(st.events, ev)
	m.indexTransition(ev)
}

// reloadLocked replaces the cached stream with the journal's copy. Errors
// leave the cache as it was; the caller is already failing.
func (m *Memory) reloadLocked(st *stream, itemID string) {
	events, err := m.journal.LoadEvents(itemID)
	if err != nil {
		return
	}
	st.events = nil
	for _, ev := range events {
		m.commitEventLocked(st, ev)
	}
}

// ReadEvents implements EventLog.
func (m *Memory) ReadEvents(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.syncEvents(itemID); err != nil {
		return nil, err
	}
	st := m.stream(itemID, false)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return eventsFrom(st.events, fromSeq), nil
}

func eventsFrom(events []model.CustodyEvent, fromSeq int64) []model.CustodyEvent {
	var out []model.CustodyEvent
	for _, ev := range events {
		if ev.SequenceNo >= fromSeq {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// LocateTransition implements EventLog.
func (m *Memory) LocateTransition(ctx context.Context, transitionID string) (string, error) {
	itemID, ok := m.lookupTransition(transitionID)
	if !ok && m.files != nil {
		if err := m.syncAllEvents(); err != nil {
			return "", err
		}
		itemID, ok = m.lookupTransition(transitionID)
	}
	if !ok {
		return "", errclass.ErrUnknownTransition.WithMessagef("transition %s not found", transitionID)
	}
	return itemID, nil
}

func (m *Memory) lookupTransition(transitionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	itemID, ok := m.transitions[transitionID]
	return itemID, ok
}

// ListItems implements EventLog.
func (m *Memory) ListItems(ctx context.Context) ([]string, error) {
	if err := m.syncAllEvents(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.streams))
	streams := make([]*stream, 0, len(m.streams))
	for id, st := range m.streams {
		ids = append(ids, id)
		streams = append(streams, st)
	}
	m.mu.RUnlock()

	var out []string
	for i, st := range streams {
		st.mu.RLock()
		n := len(st.events)
		st.mu.RUnlock()
		if n > 0 {
			out = append(out, ids[i])
		}
	}
	sort.Strings(out)
	return out, nil
}

// PutArtifact implements EvidenceStore.
func (m *Memory) PutArtifact(ctx context.Context, a model.EvidenceArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	_, exists := m.artifacts[a.ArtifactID]
	m.mu.RUnlock()
	if exists {
		return errclass.ErrArtifactExists.WithMessagef("artifact %s already stored", a.ArtifactID)
	}

	st := m.stream(a.ItemID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	a = cloneArtifact(a)
	if m.journal != nil {
		if err := m.journal.WriteArtifact(a); err != nil {
			return err
		}
	}
	m.commitArtifactLocked(st, a)
	return nil
}

func (m *Memory) commitArtifactLocked(st *stream, a model.EvidenceArtifact) {
	st.artifacts = append(st.artifacts, a)
	m.mu.Lock()
	m.artifacts[a.ArtifactID] = a.ItemID
	m.mu.Unlock()
}

// GetArtifact implements EvidenceStore.
func (m *Memory) GetArtifact(ctx context.Context, artifactID string) (model.EvidenceArtifact, error) {
	st, err := m.artifactStream(artifactID)
	if err != nil {
		return model.EvidenceArtifact{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, a := range st.artifacts {
		if a.ArtifactID == artifactID {
			return cloneArtifact(a), nil
		}
	}
	return model.EvidenceArtifact{}, errclass.ErrUnknownArtifact.WithMessagef("artifact %s not found", artifactID)
}

// artifactStream finds the stream holding artifactID, rereading the
// artifact journals once on a miss.
func (m *Memory) artifactStream(artifactID string) (*stream, error) {
	st, err := m.lookupArtifact(artifactID)
	if err == nil || m.files == nil {
		return st, err
	}
	if err := m.syncAllArtifacts(); err != nil {
		return nil, err
	}
	return m.lookupArtifact(artifactID)
}

func (m *Memory) lookupArtifact(artifactID string) (*stream, error) {
	m.mu.RLock()
	itemID, ok := m.artifacts[artifactID]
	m.mu.RUnlock()
	if !ok {
		return nil, errclass.ErrUnknownArtifact.WithMessagef("artifact %s not found", artifactID)
	}
	return m.stream(itemID, true), nil
}

// ListArtifacts implements EvidenceStore.
func (m *Memory) ListArtifacts(ctx context.Context, itemID string) ([]model.EvidenceArtifact, error) {
	if err := m.syncArtifacts(itemID); err != nil {
		return nil, err
	}
	st := m.stream(itemID, false)
	if st == nil {
		return nil, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]model.EvidenceArtifact, 0, len(st.artifacts))
	for _, a := range st.artifacts {
		out = append(out, cloneArtifact(a))
	}
	return out, nil
}

// AppendScore implements EvidenceStore.
func (m *Memory) AppendScore(ctx context.Context, s model.ConfidenceScore) (model.ConfidenceScore, error) {
	if err := ctx.Err(); err != nil {
		return model.ConfidenceScore{}, err
	}
	st, err := m.artifactStream(s.ArtifactID)
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	if err := m.syncScores(s.ArtifactID); err != nil {
		return model.ConfidenceScore{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	history := st.scores[s.ArtifactID]
	s = cloneScore(s)
	s.Sequence = int64(len(history)) + 1
	var prev model.HashValue
	if len(history) > 0 {
		prev = history[len(history)-1].RecordHash
	}
	if err := SealScore(prev, &s); err != nil {
		return model.ConfidenceScore{}, err
	}
	if m.journal != nil {
		if err := m.journal.WriteScore(s); err != nil {
			return model.ConfidenceScore{}, err
		}
	}
	st.scores[s.ArtifactID] = append(history, s)
	return cloneScore(s), nil
}

// ReadScores implements EvidenceStore.
func (m *Memory) ReadScores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error) {
	st, err := m.artifactStream(artifactID)
	if err != nil {
		return nil, err
	}
	if err := m.syncScores(artifactID); err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cloneScores(st.scores[artifactID]), nil
}

func cloneScores(history []model.ConfidenceScore) []model.ConfidenceScore {
	out := make([]model.ConfidenceScore, 0, len(history))
	for _, s := range history {
		out = append(out, cloneScore(s))
	}
	return out
}

// Snapshot implements Store.
func (m *Memory) Snapshot(ctx context.Context, itemID string) (ItemSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return ItemSnapshot{}, err
	}
	if err := m.syncItem(itemID); err != nil {
		return ItemSnapshot{}, err
	}
	snap := ItemSnapshot{Scores: make(map[string][]model.ConfidenceScore)}
	st := m.stream(itemID, false)
	if st == nil {
		return snap, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	snap.Events = eventsFrom(st.events, 0)
	for _, a := range st.artifacts {
		snap.Artifacts = append(snap.Artifacts, cloneArtifact(a))
		snap.Scores[a.ArtifactID] = cloneScores(st.scores[a.ArtifactID])
	}
	return snap, nil
}

// syncItem rereads the events, artifacts and score histories of one item.
func (m *Memory) syncItem(itemID string) error {
	if m.files == nil {
		return nil
	}
	if err := m.syncEvents(itemID); err != nil {
		return err
	}
	if err := m.syncArtifacts(itemID); err != nil {
		return err
	}
	st := m.stream(itemID, false)
	if st == nil {
		return nil
	}
	st.mu.RLock()
	ids := make([]string, 0, len(st.artifacts))
	for _, a := range st.artifacts {
		ids = append(ids, a.ArtifactID)
	}
	st.mu.RUnlock()
	for _, id := range ids {
		if err := m.syncScores(id); err != nil {
			return err
		}
	}
	return nil
}

// PutPacket implements PacketStore.
func (m *Memory) PutPacket(ctx context.Context, p model.EscalationPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packets[p.PacketID]; ok {
		return errclass.ErrPacketExists.WithMessagef("packet %s already issued", p.PacketID)
	}
	if m.journal != nil {
		if err := m.journal.WritePacket(p); err != nil {
			return err
		}
	}
	m.packets[p.PacketID] = clonePacket(p)
	return nil
}

// GetPacket implements PacketStore.
func (m *Memory) GetPacket(ctx context.Context, packetID string) (model.EscalationPacket, error) {
	p, ok := m.lookupPacket(packetID)
	if !ok {
		found, err := m.syncPacket(packetID)
		if err != nil {
			return model.EscalationPacket{}, err
		}
		if found {
			p, ok = m.lookupPacket(packetID)
		}
	}
	if !ok {
		return model.EscalationPacket{}, errclass.ErrUnknownPacket.WithMessagef("packet %s not found", packetID)
	}
	return clonePacket(p), nil
}

func (m *Memory) lookupPacket(packetID string) (model.EscalationPacket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packets[packetID]
	return p, ok
}

// AppendNotification implements NotificationLog.
func (m *Memory) AppendNotification(ctx context.Context, rec model.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	if m.journal != nil {
		if err := m.journal.WriteNotification(rec); err != nil {
			return err
		}
	}
	m.notifications = append(m.notifications, rec)
	return nil
}

// ReadNotifications implements NotificationLog.
func (m *Memory) ReadNotifications(ctx context.Context, itemID string) ([]model.NotificationRecord, error) {
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	if err := m.syncNotificationsLocked(); err != nil {
		return nil, err
	}
	var out []model.NotificationRecord
	for _, r := range m.notifications {
		if itemID == "" || r.ItemID == itemID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}
