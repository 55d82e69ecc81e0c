package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/logging"
	"github.com/diamondops/custody/pkg/metrics"
	"github.com/diamondops/custody/pkg/model"
	"github.com/diamondops/custody/pkg/naming"
	"github.com/diamondops/custody/pkg/uuidutil"
)

const (
	maxMetadataKeys  = 64
	maxMetadataValue = 4096
)

// Engine ingests artifacts and appends their scores.
type Engine struct {
	store   eventstore.Store
	cfg     config.ScoringConfig
	metrics *metrics.Registry
	log     *logging.Logger
	clock   func() time.Time
}

// NewEngine creates a scoring engine on store.
func NewEngine(store eventstore.Store, cfg config.ScoringConfig, reg *metrics.Registry, log *logging.Logger, clock func() time.Time) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Engine{store: store, cfg: cfg, metrics: reg, log: log.With("component", "scoring"), clock: clock}
}

// IngestRequest describes a new artifact.
type IngestRequest struct {
	ItemID     string            `json:"item_id"`
	Category   model.Category    `json:"category"`
	PayloadRef string            `json:"payload_ref"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r IngestRequest) validate() error {
	if err := naming.ValidateID("item id", r.ItemID); err != nil {
		return err
	}
	if !r.Category.Valid() {
		return errclass.ErrInvalidArtifact.WithMessagef("unknown category %q", r.Category)
	}
	if r.PayloadRef == "" {
		return errclass.ErrInvalidArtifact.WithMessage("payload_ref is required")
	}
	if len(r.Metadata) > maxMetadataKeys {
		return errclass.ErrInvalidArtifact.WithMessagef("more than %d metadata keys", maxMetadataKeys)
	}
	for k, v := range r.Metadata {
		if k == "" {
			return errclass.ErrInvalidArtifact.WithMessage("metadata keys must not be empty")
		}
		if len(v) > maxMetadataValue {
			return errclass.ErrInvalidArtifact.WithMessagef("metadata %s longer than %d bytes", k, maxMetadataValue)
		}
	}
	return nil
}

// UnscoredError reports an artifact that was stored but whose initial score
// could not be recorded. Recompute scores it; ingesting again would store a
// second artifact.
type UnscoredError struct {
	ArtifactID string
	Err        error
}

func (e *UnscoredError) Error() string {
	return fmt.Sprintf("artifact %s stored without a score: %v", e.ArtifactID, e.Err)
}

func (e *UnscoredError) Unwrap() error { return e.Err }

// Ingest stores a new artifact for a registered item and records its
// initial score. If only the score fails, the stored artifact is returned
// with an *UnscoredError.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (model.EvidenceArtifact, model.ConfidenceScore, error) {
	if err := req.validate(); err != nil {
		return model.EvidenceArtifact{}, model.ConfidenceScore{}, err
	}
	events, err := e.store.ReadEvents(ctx, req.ItemID, 0)
	if err != nil {
		return model.EvidenceArtifact{}, model.ConfidenceScore{}, err
	}
	if !custody.Fold(events).Registered {
		return model.EvidenceArtifact{}, model.ConfidenceScore{}, errclass.ErrUnknownItem.WithMessagef("item %s not registered", req.ItemID)
	}

	md := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		md[k] = v
	}
	a := model.EvidenceArtifact{
		ArtifactID: uuidutil.New(uuidutil.PrefixArtifact),
		ItemID:     req.ItemID,
		Category:   req.Category,
		PayloadRef: req.PayloadRef,
		Metadata:   md,
		CreatedAt:  e.now(),
	}
	if err := e.store.PutArtifact(ctx, a); err != nil {
		return model.EvidenceArtifact{}, model.ConfidenceScore{}, err
	}
	e.log.Info("artifact ingested", map[string]any{
		"item_id":     a.ItemID,
		"artifact_id": a.ArtifactID,
		"category":    a.Category,
	})

	score, err := e.score(ctx, a)
	if err != nil {
		e.log.Warn("artifact stored without score", map[string]any{
			"artifact_id": a.ArtifactID,
			"error":       err.Error(),
		})
		return a, model.ConfidenceScore{}, &UnscoredError{ArtifactID: a.ArtifactID, Err: err}
	}
	return a, score, nil
}

// Recompute appends a fresh score for an artifact. Earlier records are
// never touched.
func (e *Engine) Recompute(ctx context.Context, artifactID string) (model.ConfidenceScore, error) {
	a, err := e.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	return e.score(ctx, a)
}

// Scores returns the full score history of an artifact.
func (e *Engine) Scores(ctx context.Context, artifactID string) ([]model.ConfidenceScore, error) {
	return e.store.ReadScores(ctx, artifactID)
}

// Current returns the current score of an artifact.
func (e *Engine) Current(ctx context.Context, artifactID string) (model.ConfidenceScore, error) {
	history, err := e.store.ReadScores(ctx, artifactID)
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	cur, ok := model.CurrentScore(history)
	if !ok {
		return model.ConfidenceScore{}, errclass.ErrUnknownArtifact.WithMessagef("artifact %s has no score", artifactID)
	}
	return cur, nil
}

func (e *Engine) score(ctx context.Context, a model.EvidenceArtifact) (model.ConfidenceScore, error) {
	start := time.Now()
	siblings, err := e.store.ListArtifacts(ctx, a.ItemID)
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	value, band, factors := Compute(Gather(a, siblings), e.cfg.Weights)
	rec, err := e.store.AppendScore(ctx, model.ConfidenceScore{
		ArtifactID:       a.ArtifactID,
		ComputedAt:       e.now(),
		AlgorithmVersion: e.cfg.AlgorithmVersion,
		Score:            value,
		Band:             band,
		Factors:          factors,
	})
	if err != nil {
		return model.ConfidenceScore{}, err
	}
	e.metrics.RecordScore(string(band), time.Since(start))
	e.log.Debug("score recorded", map[string]any{
		"artifact_id": a.ArtifactID,
		"sequence":    rec.Sequence,
		"score":       rec.Score,
		"band":        rec.Band,
	})
	return rec, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}
