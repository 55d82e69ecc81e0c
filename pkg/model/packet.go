package model

import "time"

// EscalationLevel is a tier of external assertion.
type EscalationLevel int

var levelThresholds = map[EscalationLevel]float64{
	1: 0.40,
	2: 0.60,
	3: 0.75,
	4: 0.85,
}

// Threshold returns the minimum current score an artifact needs to be
// asserted at this level.
func (l EscalationLevel) Threshold() (float64, bool) {
	t, ok := levelThresholds[l]
	return t, ok
}

// ScoredArtifact is an artifact paired with the score it was judged on.
type ScoredArtifact struct {
	ArtifactID       string    `json:"artifact_id"`
	Category         Category  `json:"category"`
	PayloadRef       string    `json:"payload_ref"`
	Score            float64   `json:"score"`
	Band             Band      `json:"band"`
	AlgorithmVersion string    `json:"algorithm_version"`
	ComputedAt       time.Time `json:"computed_at"`
}

// CustodySnapshot is the custody state captured when a packet is built.
type CustodySnapshot struct {
	Item             CustodyItem        `json:"item"`
	ActiveTransition *CustodyTransition `json:"active_transition,omitempty"`
	LastEventSeq     int64              `json:"last_event_seq"`
}

// EscalationPacket is an immutable bundle of eligible evidence.
type EscalationPacket struct {
	PacketID          string           `json:"packet_id"`
	ItemID            string           `json:"item_id"`
	Level             EscalationLevel  `json:"level"`
	Threshold         float64          `json:"threshold"`
	AssertedArtifacts []ScoredArtifact `json:"asserted_artifacts"`
	// NonAssertedContext is context only and never presented as proof.
	NonAssertedContext []ScoredArtifact `json:"non_asserted_context,omitempty"`
	CustodySnapshot    CustodySnapshot  `json:"custody_snapshot"`
	BuiltAt            time.Time        `json:"built_at"`
	ContentHash        HashValue        `json:"content_hash"`
}
