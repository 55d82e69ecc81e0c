package eventstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

// OpenFile opens the file backend rooted at dir: a Memory store loaded from
// the journal and writing through to it.
//
// Several processes may open the same dir. Before serving a read, the store
// rereads any journal file another writer has grown since it last looked,
// so a CLI invocation and a running server see each other's records.
func OpenFile(dir string) (*Memory, error) {
	j, err := NewFileJournal(dir)
	if err != nil {
		return nil, err
	}
	m := NewMemory()
	m.files = &fileSync{j: j, sizes: make(map[string]int64)}
	if err := m.load(); err != nil {
		return nil, err
	}
	m.journal = j
	return m, nil
}

// fileSync remembers the size of each journal file when it was last read.
type fileSync struct {
	j     *FileJournal
	mu    sync.Mutex
	sizes map[string]int64
}

// changed reports whether path exists with a size other than the last one
// seen, and records the new size. Missing files never count as changed.
func (f *fileSync) changed(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if seen, ok := f.sizes[path]; ok && seen == info.Size() {
		return false
	}
	f.sizes[path] = info.Size()
	return true
}

// forget makes the next changed call on path report true.
func (f *fileSync) forget(path string) {
	f.mu.Lock()
	delete(f.sizes, path)
	f.mu.Unlock()
}

func (m *Memory) load() error {
	if err := m.syncAllEvents(); err != nil {
		return err
	}
	if err := m.syncAllArtifacts(); err != nil {
		return err
	}

	artifactIDs, err := journalNames(filepath.Join(m.files.j.dir, scoresDir), ".jsonl")
	if err != nil {
		return err
	}
	for _, artifactID := range artifactIDs {
		if err := m.syncScores(artifactID); err != nil {
			return err
		}
	}

	packetIDs, err := journalNames(filepath.Join(m.files.j.dir, packetsDir), ".json")
	if err != nil {
		return err
	}
	for _, packetID := range packetIDs {
		if _, err := m.syncPacket(packetID); err != nil {
			return err
		}
	}
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	return m.syncNotificationsLocked()
}

// syncEvents appends events another writer added to itemID's stream.
func (m *Memory) syncEvents(itemID string) error {
	if m.files == nil {
		return nil
	}
	path := m.files.j.eventsPath(itemID)
	if !m.files.changed(path) {
		return nil
	}
	events, err := m.files.j.LoadEvents(itemID)
	if err != nil {
		m.files.forget(path)
		return err
	}
	st := m.stream(itemID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ev := range events {
		if ev.SequenceNo > int64(len(st.events)) {
			m.commitEventLocked(st, ev)
		}
	}
	return nil
}

func (m *Memory) syncAllEvents() error {
	if m.files == nil {
		return nil
	}
	itemIDs, err := journalNames(filepath.Join(m.files.j.dir, eventsDir), ".jsonl")
	if err != nil {
		return err
	}
	for _, itemID := range itemIDs {
		if err := m.syncEvents(itemID); err != nil {
			return err
		}
	}
	return nil
}

// syncArtifacts adds artifacts another writer stored for itemID.
func (m *Memory) syncArtifacts(itemID string) error {
	if m.files == nil {
		return nil
	}
	path := m.files.j.artifactsPath(itemID)
	if !m.files.changed(path) {
		return nil
	}
	artifacts, err := readJSONL[model.EvidenceArtifact](path)
	if err != nil {
		m.files.forget(path)
		return err
	}
	st := m.stream(itemID, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, a := range artifacts {
		m.mu.RLock()
		_, known := m.artifacts[a.ArtifactID]
		m.mu.RUnlock()
		if !known {
			m.commitArtifactLocked(st, a)
		}
	}
	return nil
}

func (m *Memory) syncAllArtifacts() error {
	if m.files == nil {
		return nil
	}
	itemIDs, err := journalNames(filepath.Join(m.files.j.dir, artifactsDir), ".jsonl")
	if err != nil {
		return err
	}
	for _, itemID := range itemIDs {
		if err := m.syncArtifacts(itemID); err != nil {
			return err
		}
	}
	return nil
}

// syncScores appends score records another writer added for artifactID. A
// score history without its artifact means the journal was tampered with.
func (m *Memory) syncScores(artifactID string) error {
	if m.files == nil {
		return nil
	}
	path := m.files.j.scoresPath(artifactID)
	if !m.files.changed(path) {
		return nil
	}
	st, err := m.lookupArtifact(artifactID)
	if err != nil {
		m.files.forget(path)
		return errclass.ErrAuditChainBroken.WithMessagef("scores for unknown artifact %s", artifactID)
	}
	scores, err := readJSONL[model.ConfidenceScore](path)
	if err != nil {
		m.files.forget(path)
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	history := st.scores[artifactID]
	for _, s := range scores {
		if s.Sequence > int64(len(history)) {
			history = append(history, s)
		}
	}
	st.scores[artifactID] = history
	return nil
}

// syncPacket loads a packet file another writer issued. It reports false
// when no such file exists.
func (m *Memory) syncPacket(packetID string) (bool, error) {
	if m.files == nil {
		return false, nil
	}
	data, err := os.ReadFile(m.files.j.packetPath(packetID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storeErr("read packet", err)
	}
	var p model.EscalationPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return false, fmt.Errorf("parse packet %s: %w", packetID, err)
	}
	m.mu.Lock()
	if _, ok := m.packets[p.PacketID]; !ok {
		m.packets[p.PacketID] = p
	}
	m.mu.Unlock()
	return true, nil
}

// syncNotificationsLocked replaces the cached log with the journal's copy
// when the file has grown. Caller holds notifMu.
func (m *Memory) syncNotificationsLocked() error {
	if m.files == nil {
		return nil
	}
	path := filepath.Join(m.files.j.dir, notificationsFile)
	if !m.files.changed(path) {
		return nil
	}
	records, err := readJSONL[model.NotificationRecord](path)
	if err != nil {
		m.files.forget(path)
		return err
	}
	m.notifications = records
	return nil
}

// journalNames lists the file stems in dir with the given suffix, skipping
// temporary files left by an interrupted write.
func journalNames(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErr("read journal dir", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, fsutil.TmpPrefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, suffix))
	}
	return names, nil
}
