package eventstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/fsutil"
	"github.com/diamondops/custody/pkg/model"
)

const (
	eventsDir         = "events"
	artifactsDir      = "artifacts"
	scoresDir         = "scores"
	packetsDir        = "packets"
	notificationsFile = "notifications.jsonl"

	maxLineBytes = 4 << 20
)

// FileJournal writes each item stream and score history as a hash-chained
// JSONL file. Appends hold an exclusive flock and check the file tail, so two
// processes sharing a directory cannot both write the same sequence number;
// each process picks up the other's records through the rereads in OpenFile.
type FileJournal struct {
	dir string
}

var _ Journal = (*FileJournal)(nil)

// NewFileJournal creates the journal layout under dir.
func NewFileJournal(dir string) (*FileJournal, error) {
	for _, sub := range []string{eventsDir, artifactsDir, scoresDir, packetsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return &FileJournal{dir: dir}, nil
}

func (j *FileJournal) eventsPath(itemID string) string {
	return filepath.Join(j.dir, eventsDir, itemID+".jsonl")
}

func (j *FileJournal) artifactsPath(itemID string) string {
	return filepath.Join(j.dir, artifactsDir, itemID+".jsonl")
}

func (j *FileJournal) scoresPath(artifactID string) string {
	return filepath.Join(j.dir, scoresDir, artifactID+".jsonl")
}

func (j *FileJournal) packetPath(packetID string) string {
	return filepath.Join(j.dir, packetsDir, packetID+".json")
}

// WriteEvent implements Journal.
func (j *FileJournal) WriteEvent(ev model.CustodyEvent) error {
	return appendLine(j.eventsPath(ev.ItemID), ev, func(last []byte) error {
		var tail model.CustodyEvent
		if last != nil {
			if err := json.Unmarshal(last, &tail); err != nil {
				return fmt.Errorf("parse journal tail: %w", err)
			}
		}
		if tail.SequenceNo != ev.SequenceNo-1 || tail.RecordHash != ev.PrevHash {
			return errclass.ErrStaleVersion.WithMessagef("item %s: journal at sequence %d", ev.ItemID, tail.SequenceNo)
		}
		return nil
	})
}

// WriteArtifact implements Journal.
func (j *FileJournal) WriteArtifact(a model.EvidenceArtifact) error {
	return appendLine(j.artifactsPath(a.ItemID), a, nil)
}

// WriteScore implements Journal.
func (j *FileJournal) WriteScore(s model.ConfidenceScore) error {
	return appendLine(j.scoresPath(s.ArtifactID), s, func(last []byte) error {
		var tail model.ConfidenceScore
		if last != nil {
			if err := json.Unmarshal(last, &tail); err != nil {
				return fmt.Errorf("parse journal tail: %w", err)
			}
		}
		if tail.Sequence != s.Sequence-1 {
			return errclass.ErrStaleVersion.WithMessagef("artifact %s: journal at score %d", s.ArtifactID, tail.Sequence)
		}
		return nil
	})
}

// WritePacket implements Journal. Packets are write-once files.
func (j *FileJournal) WritePacket(p model.EscalationPacket) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if err := fsutil.WriteOnce(j.packetPath(p.PacketID), data, 0644); err != nil {
		if errors.Is(err, fsutil.ErrExists) {
			return errclass.ErrPacketExists.WithMessagef("packet %s already issued", p.PacketID)
		}
		return storeErr("write packet", err)
	}
	return nil
}

// WriteNotification implements Journal.
func (j *FileJournal) WriteNotification(r model.NotificationRecord) error {
	return appendLine(filepath.Join(j.dir, notificationsFile), r, nil)
}

// LoadEvents implements Journal.
func (j *FileJournal) LoadEvents(itemID string) ([]model.CustodyEvent, error) {
	return readJSONL[model.CustodyEvent](j.eventsPath(itemID))
}

// Close implements Journal.
func (j *FileJournal) Close() error { return nil }

// appendLine writes record as one JSON line under an exclusive flock. check,
// when set, sees the current last line (nil for an empty file) first.
func appendLine(path string, record any, check func(last []byte) error) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return storeErr("open journal", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return storeErr("flock journal", err)
	}
	defer unlockFile(file)

	if check != nil {
		last, err := lastLine(file)
		if err != nil {
			return storeErr("read journal tail", err)
		}
		if err := check(last); err != nil {
			return err
		}
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return storeErr("seek journal", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return storeErr("write journal", err)
	}
	if err := file.Sync(); err != nil {
		return storeErr("sync journal", err)
	}
	return nil
}

func lastLine(file *os.File) ([]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var last []byte
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if b := bytes.TrimSpace(scanner.Bytes()); len(b) > 0 {
			last = append(last[:0], b...)
		}
	}
	return last, scanner.Err()
}

func readJSONL[T any](path string) ([]T, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeErr("open journal", err)
	}
	defer file.Close()

	var out []T
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for n := 1; scanner.Scan(); n++ {
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, errclass.ErrAuditChainBroken.WithMessagef("%s line %d: %v", filepath.Base(path), n, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, storeErr("scan journal", err)
	}
	return out, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errclass.ErrStoreUnavailable, op, err)
}
