package model

import "time"

// Category classifies an evidence artifact.
type Category string

const (
	CategoryPhoto         Category = "photo"
	CategoryVideo         Category = "video"
	CategoryDocument      Category = "document"
	CategoryCommunication Category = "communication"
	CategoryEstimate      Category = "estimate"
	CategoryContract      Category = "contract"
	CategoryReport        Category = "report"
	CategoryLog           Category = "log"
)

var categories = map[Category]bool{
	CategoryPhoto: true, CategoryVideo: true, CategoryDocument: true,
	CategoryCommunication: true, CategoryEstimate: true, CategoryContract: true,
	CategoryReport: true, CategoryLog: true,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return categories[c]
}

// EvidenceArtifact is an ingested piece of evidence. Immutable once stored.
type EvidenceArtifact struct {
	ArtifactID string            `json:"artifact_id"`
	ItemID     string            `json:"item_id"`
	Category   Category          `json:"category"`
	PayloadRef string            `json:"payload_ref"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Band is the categorical label of a confidence score.
type Band string

const (
	BandWeak       Band = "weak"
	BandModerate   Band = "moderate"
	BandStrong     Band = "strong"
	BandVeryStrong Band = "very_strong"
)

// BandFor maps a score to its fixed band.
func BandFor(score float64) Band {
	switch {
	case score < 0.30:
		return BandWeak
	case score < 0.60:
		return BandModerate
	case score < 0.80:
		return BandStrong
	default:
		return BandVeryStrong
	}
}

// Factor is one named contribution to a confidence score.
type Factor struct {
	Name         string  `json:"name"`
	Input        float64 `json:"input"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// ConfidenceScore is an append-only score record for an artifact.
type ConfidenceScore struct {
	ArtifactID       string    `json:"artifact_id"`
	Sequence         int64     `json:"sequence"`
	ComputedAt       time.Time `json:"computed_at"`
	AlgorithmVersion string    `json:"algorithm_version"`
	Score            float64   `json:"score"`
	Band             Band      `json:"band"`
	Factors          []Factor  `json:"factors"`
	PrevHash         HashValue `json:"prev_hash,omitempty"`
	RecordHash       HashValue `json:"record_hash,omitempty"`
}

// CurrentScore returns the most recent score by ComputedAt. Records with equal
// ComputedAt are ordered by their position in the history.
func CurrentScore(history []ConfidenceScore) (ConfidenceScore, bool) {
	if len(history) == 0 {
		return ConfidenceScore{}, false
	}
	current := history[0]
	for _, s := range history[1:] {
		if !s.ComputedAt.Before(current.ComputedAt) {
			current = s
		}
	}
	return current, true
}
