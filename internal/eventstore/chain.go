package eventstore

import (
	"fmt"

	"github.com/diamondops/custody/pkg/jsonutil"
	"github.com/diamondops/custody/pkg/model"
)

// SealEvent links ev to prev and sets its RecordHash.
func SealEvent(prev model.HashValue, ev *model.CustodyEvent) error {
	ev.PrevHash = prev
	h, err := EventHash(*ev)
	if err != nil {
		return err
	}
	ev.RecordHash = h
	return nil
}

// EventHash computes the hash of ev over everything but RecordHash.
func EventHash(ev model.CustodyEvent) (model.HashValue, error) {
	ev.RecordHash = ""
	h, err := jsonutil.CanonicalHash(ev)
	if err != nil {
		return "", fmt.Errorf("hash event: %w", err)
	}
	return model.HashValue(h), nil
}

// SealScore links s to prev and sets its RecordHash.
func SealScore(prev model.HashValue, s *model.ConfidenceScore) error {
	s.PrevHash = prev
	h, err := ScoreHash(*s)
	if err != nil {
		return err
	}
	s.RecordHash = h
	return nil
}

// ScoreHash computes the hash of s over everything but RecordHash.
func ScoreHash(s model.ConfidenceScore) (model.HashValue, error) {
	s.RecordHash = ""
	h, err := jsonutil.CanonicalHash(s)
	if err != nil {
		return "", fmt.Errorf("hash score: %w", err)
	}
	return model.HashValue(h), nil
}

func cloneEvent(ev model.CustodyEvent) model.CustodyEvent {
	if ev.Payload.Attestations != nil {
		ev.Payload.Attestations = append([]model.Attestation(nil), ev.Payload.Attestations...)
	}
	if ev.Payload.Confidence != nil {
		c := *ev.Payload.Confidence
		ev.Payload.Confidence = &c
	}
	return ev
}

func cloneArtifact(a model.EvidenceArtifact) model.EvidenceArtifact {
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

func cloneScore(s model.ConfidenceScore) model.ConfidenceScore {
	s.Factors = append([]model.Factor(nil), s.Factors...)
	return s
}

func clonePacket(p model.EscalationPacket) model.EscalationPacket {
	if p.AssertedArtifacts != nil {
		p.AssertedArtifacts = append([]model.ScoredArtifact{}, p.AssertedArtifacts...)
	}
	if p.NonAssertedContext != nil {
		p.NonAssertedContext = append([]model.ScoredArtifact{}, p.NonAssertedContext...)
	}
	if t := p.CustodySnapshot.ActiveTransition; t != nil {
		cp := *t
		if t.Attestations != nil {
			cp.Attestations = append([]model.Attestation{}, t.Attestations...)
		}
		p.CustodySnapshot.ActiveTransition = &cp
	}
	return p
}
