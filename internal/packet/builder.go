// Package packet builds immutable escalation packets from an item's custody
// state and the current scores of its artifacts.
package packet

import (
	"context"
	"time"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/jsonutil"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/naming"
	"github.com/diamondops/custody/pkg/uuidutil"
)

// Options tunes one build.
type Options struct {
	// Assert names the artifacts to assert. Every one must be eligible at
	// the level. Empty asserts every eligible artifact.
	Assert []string `json:"assert,omitempty"`
	// IncludeNonAsserted adds sub-threshold artifacts as context.
	IncludeNonAsserted bool `json:"include_non_asserted,omitempty"`
}

// Builder issues escalation packets.
type Builder struct {
	store   eventstore.Store
	cfg     config.PacketConfig
	metrics *metrics.Registry
	log     *logging.Logger
	clock   func() time.Time
}

// NewBuilder creates a packet builder on store.
func NewBuilder(store eventstore.Store, cfg config.PacketConfig, reg *metrics.Registry, log *logging.Logger, clock func() time.Time) *Builder {
	if log == nil {
		log = logging.Discard()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{store: store, cfg: cfg, metrics: reg, log: log.With("component", "packet"), clock: clock}
}

// Build assembles and stores a packet for itemID at level. State and scores
// come from one atomic snapshot.
func (b *Builder) Build(ctx context.Context, itemID string, level model.EscalationLevel, opts Options) (model.EscalationPacket, error) {
	if err := naming.ValidateID("item id", itemID); err != nil {
		return model.EscalationPacket{}, err
	}
	threshold, ok := level.Threshold()
	if !ok {
		return model.EscalationPacket{}, errclass.ErrInvalidLevel.WithMessagef("escalation level %d is not in 1-4", level)
	}

	snap, err := b.store.Snapshot(ctx, itemID)
	if err != nil {
		return model.EscalationPacket{}, err
	}
	proj := custody.Fold(snap.Events)
	if !proj.Registered {
		return model.EscalationPacket{}, errclass.ErrUnknownItem.WithMessagef("item %s not registered", itemID)
	}

	eligible := make(map[string]model.ScoredArtifact)
	var order []string
	var below []model.ScoredArtifact
	known := make(map[string]bool, len(snap.Artifacts))
	for _, a := range snap.Artifacts {
		known[a.ArtifactID] = true
		cur, ok := model.CurrentScore(snap.Scores[a.ArtifactID])
		if !ok {
			continue
		}
		sa := model.ScoredArtifact{
			ArtifactID:       a.ArtifactID,
			Category:         a.Category,
			PayloadRef:       a.PayloadRef,
			Score:            cur.Score,
			Band:             cur.Band,
			AlgorithmVersion: cur.AlgorithmVersion,
			ComputedAt:       cur.ComputedAt,
		}
		if cur.Score >= threshold {
			eligible[a.ArtifactID] = sa
			order = append(order, a.ArtifactID)
		} else {
			below = append(below, sa)
		}
	}

	asserted := make([]model.ScoredArtifact, 0, len(order))
	if len(opts.Assert) == 0 {
		for _, id := range order {
			asserted = append(asserted, eligible[id])
		}
	} else {
		seen := make(map[string]bool, len(opts.Assert))
		for _, id := range opts.Assert {
			if seen[id] {
				continue
			}
			seen[id] = true
			if !known[id] {
				return model.EscalationPacket{}, errclass.ErrUnknownArtifact.WithMessagef("artifact %s is not linked to item %s", id, itemID)
			}
			sa, ok := eligible[id]
			if !ok {
				return model.EscalationPacket{}, errclass.ErrSubThresholdAssertion.WithMessagef(
					"artifact %s is below the level %d threshold %.2f", id, level, threshold)
			}
			asserted = append(asserted, sa)
		}
	}

	p := model.EscalationPacket{
		PacketID:          uuidutil.New(uuidutil.PrefixPacket),
		ItemID:            itemID,
		Level:             level,
		Threshold:         threshold,
		AssertedArtifacts: asserted,
		CustodySnapshot: model.CustodySnapshot{
			Item:             proj.Item,
			ActiveTransition: proj.Active,
			LastEventSeq:     proj.Item.Version,
		},
		BuiltAt: b.clock().UTC().Truncate(time.Microsecond),
	}
	if opts.IncludeNonAsserted || b.cfg.IncludeNonAsserted {
		p.NonAssertedContext = below
	}
	if p.ContentHash, err = ContentHash(p); err != nil {
		return model.EscalationPacket{}, err
	}
	if err := b.store.PutPacket(ctx, p); err != nil {
		return model.EscalationPacket{}, err
	}

	b.metrics.RecordPacket(int(level))
	b.log.Info("packet issued", map[string]any{
		"item_id":   itemID,
		"packet_id": p.PacketID,
		"level":     int(level),
		"asserted":  len(p.AssertedArtifacts),
		"context":   len(p.NonAssertedContext),
	})
	return p, nil
}

// Get returns an issued packet after checking its content hash.
func (b *Builder) Get(ctx context.Context, packetID string) (model.EscalationPacket, error) {
	p, err := b.store.GetPacket(ctx, packetID)
	if err != nil {
		return model.EscalationPacket{}, err
	}
	if err := Verify(p); err != nil {
		return model.EscalationPacket{}, err
	}
	return p, nil
}

// ContentHash hashes the canonical form of p without its ContentHash.
func ContentHash(p model.EscalationPacket) (model.HashValue, error) {
	p.ContentHash = ""
	h, err := jsonutil.CanonicalHash(p)
	if err != nil {
		return "", err
	}
	return model.HashValue(h), nil
}

// Verify checks that p still matches its content hash.
func Verify(p model.EscalationPacket) error {
	h, err := ContentHash(p)
	if err != nil {
		return err
	}
	if h != p.ContentHash {
		return errclass.ErrAuditChainBroken.WithMessagef("packet %s content hash mismatch", p.PacketID)
	}
	return nil
}
