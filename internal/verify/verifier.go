// Package verify checks the hash chains of custody event streams and
// score histories. It reads through the store interface, so the same
// check runs against every backend.
package verify

import (
	"context"
	"fmt"

	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

// Stream kinds.
const (
	KindEvents = "events"
	KindScores = "scores"
)

// Result contains verification results for a single stream.
type Result struct {
	Kind           string `json:"kind"`
	ID             string `json:"id"`
	Records        int    `json:"records"`
	ChainValid     bool   `json:"chain_valid"`
	TamperDetected bool   `json:"tamper_detected"`
	// BrokenAt is the sequence number of the first bad record.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Severity string `json:"severity,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (r *Result) fail(at int64, format string, args ...any) {
	r.ChainValid = false
	r.TamperDetected = true
	r.BrokenAt = at
	r.Severity = "critical"
	r.Error = fmt.Sprintf(format, args...)
}

// Verifier performs integrity verification on a store.
type Verifier struct {
	store eventstore.Store
}

// NewVerifier creates a new verifier.
func NewVerifier(store eventstore.Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyItem verifies an item's event stream and the score history of
// each of its artifacts.
func (v *Verifier) VerifyItem(ctx context.Context, itemID string) ([]*Result, error) {
	snap, err := v.store.Snapshot(ctx, itemID)
	if err != nil {
		return nil, err
	}
	results := []*Result{Events(itemID, snap.Events)}
	for _, a := range snap.Artifacts {
		results = append(results, Scores(a.ArtifactID, snap.Scores[a.ArtifactID]))
	}
	return results, nil
}

// VerifyAll verifies every item in the store.
func (v *Verifier) VerifyAll(ctx context.Context) ([]*Result, error) {
	items, err := v.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	var results []*Result
	for _, id := range items {
		r, err := v.VerifyItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("verify item %s: %w", id, err)
		}
		results = append(results, r...)
	}
	return results, nil
}

// Events checks that events are numbered 1..n, that each links to the
// previous record hash and that each hash matches its content.
func Events(itemID string, events []model.CustodyEvent) *Result {
	r := &Result{Kind: KindEvents, ID: itemID, Records: len(events), ChainValid: true}
	var prev model.HashValue
	for i, ev := range events {
		want := int64(i) + 1
		if ev.SequenceNo != want {
			r.fail(want, "sequence gap: expected %d, found %d", want, ev.SequenceNo)
			return r
		}
		if ev.ItemID != itemID {
			r.fail(want, "event %d belongs to item %s", want, ev.ItemID)
			return r
		}
		if ev.PrevHash != prev {
			r.fail(want, "event %d does not link to event %d", want, want-1)
			return r
		}
		h, err := eventstore.EventHash(ev)
		if err != nil {
			r.fail(want, "hash event %d: %v", want, err)
			return r
		}
		if h != ev.RecordHash {
			r.fail(want, "event %d hash mismatch", want)
			return r
		}
		prev = ev.RecordHash
	}
	return r
}

// Scores checks one artifact's score history the same way.
func Scores(artifactID string, scores []model.ConfidenceScore) *Result {
	r := &Result{Kind: KindScores, ID: artifactID, Records: len(scores), ChainValid: true}
	var prev model.HashValue
	for i, s := range scores {
		want := int64(i) + 1
		if s.Sequence != want {
			r.fail(want, "score sequence gap: expected %d, found %d", want, s.Sequence)
			return r
		}
		if s.PrevHash != prev {
			r.fail(want, "score %d does not link to score %d", want, want-1)
			return r
		}
		h, err := eventstore.ScoreHash(s)
		if err != nil {
			r.fail(want, "hash score %d: %v", want, err)
			return r
		}
		if h != s.RecordHash {
			r.fail(want, "score %d hash mismatch", want)
			return r
		}
		prev = s.RecordHash
	}
	return r
}

// Err returns ErrAuditChainBroken describing the first failed result, or
// nil when every chain is intact.
func Err(results []*Result) error {
	for _, r := range results {
		if !r.ChainValid {
			return errclass.ErrAuditChainBroken.WithMessagef("%s %s: %s", r.Kind, r.ID, r.Error)
		}
	}
	return nil
}
