// Package eventstore holds the append-only custody event streams, the
// per-artifact score histories, issued packets and the notification log.
//
// Every backend gives the same guarantees: an item's stream only grows, the
// sequence number assigned by Append is the item's new version, and Append
// fails with errclass.ErrStaleVersion when the caller's expected version is
// not current. Nothing written is ever rewritten.
package eventstore

import (
	"context"

	"github.com/diamondops/custody/pkg/model"
)

// EventLog is the per-item custody stream.
type EventLog interface {
	// Append writes ev as the next event of itemID if the item's version
	// equals expectedVersion, and returns the assigned sequence number.
	Append(ctx context.Context, itemID string, expectedVersion int64, ev model.CustodyEvent) (int64, error)
	// ReadEvents returns the events of itemID with SequenceNo >= fromSeq,
	// in sequence order.
	ReadEvents(ctx context.Context, itemID string, fromSeq int64) ([]model.CustodyEvent, error)
	// LocateTransition returns the item a transition belongs to.
	LocateTransition(ctx context.Context, transitionID string) (string, error)
	// ListItems returns every item with at least one event, sorted.
	ListItems(ctx context.Context) ([]string, error)
}

// EvidenceStore holds immutable artifacts and their score histories.
type EvidenceStore interface {
	PutArtifact(ctx context.Context, a model.EvidenceArtifact) error
	GetArtifact(ctx context.Context, artifactID string) (model.EvidenceArtifact, error)
	ListArtifacts(ctx context.Context, itemID string) ([]model.EvidenceArtifact, error)
	// AppendScore assigns the next per-artifact sequence and seals the
	// record into the artifact's hash chain.
	AppendScore(ctx context.Context, s model.ConfidenceScore) (model.ConfidenceScore, error)
	ReadScores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error)
}

// PacketStore holds issued escalation packets.
type PacketStore interface {
	// PutPacket fails with errclass.ErrPacketExists if the id is taken.
	PutPacket(ctx context.Context, p model.EscalationPacket) error
	GetPacket(ctx context.Context, packetID string) (model.EscalationPacket, error)
}

// NotificationLog is the append-only record of notification attempts.
type NotificationLog interface {
	AppendNotification(ctx context.Context, rec model.NotificationRecord) error
	// ReadNotifications returns every record for itemID, or all records
	// when itemID is empty, in append order.
	ReadNotifications(ctx context.Context, itemID string) ([]model.NotificationRecord, error)
}

// ItemSnapshot is an item's events, artifacts and scores read together.
type ItemSnapshot struct {
	Events    []model.CustodyEvent
	Artifacts []model.EvidenceArtifact
	Scores    map[string][]model.ConfidenceScore
}

// Store is the full persistence surface the engine runs on.
type Store interface {
	EventLog
	EvidenceStore
	PacketStore
	NotificationLog
	// Snapshot reads an item's events, artifacts and scores atomically.
	Snapshot(ctx context.Context, itemID string) (ItemSnapshot, error)
	Close() error
}
