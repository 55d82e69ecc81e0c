package scoring_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/custody"
	"github.com/diamondops/custody/internal/eventstore"
	"github.com/diamondops/custody/internal/scoring"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func weights() config.WeightsConfig {
	return config.Default().Scoring.Weights
}

func artifact(id string, md map[string]string) model.EvidenceArtifact {
	return model.EvidenceArtifact{ArtifactID: id, ItemID: "ring", Category: model.CategoryPhoto, PayloadRef: "s3://b/" + id, Metadata: md, CreatedAt: now}
}

func TestCompute_RecordsEveryFactor(t *testing.T) {
	a := artifact("art_1", map[string]string{
		scoring.MetaCapturedAt:     now.Add(-2 * time.Hour).Format(time.RFC3339),
		scoring.MetaDevice:         "pixel-8",
		scoring.MetaSourceHash:     "abc",
		scoring.MetaTransformation: "original",
	})
	score, band, factors := scoring.Compute(scoring.Gather(a, nil), weights())

	assert.InDelta(t, 0.725, score, 1e-9)
	assert.Equal(t, model.BandStrong, band)
	require.Len(t, factors, 5)

	names := make([]string, 0, len(factors))
	var sum float64
	for _, f := range factors {
		names = append(names, f.Name)
		sum += f.Contribution
	}
	assert.Equal(t, []string{
		scoring.FactorMetadataIntegrity, scoring.FactorIngestionProximity, scoring.FactorTransformation,
		scoring.FactorCorroboration, scoring.FactorCounterparty,
	}, names)
	assert.InDelta(t, score, sum, 1e-4)
	assert.Equal(t, 0.0, factors[3].Input)
	assert.Equal(t, 0.5, factors[4].Input)
}

func TestCompute_IsPure(t *testing.T) {
	in := scoring.Inputs{MetadataIntegrity: 2.0 / 3, IngestionProximity: 0.8, Transformation: 0.4, Corroboration: 1.0 / 3, Counterparty: 1}
	s1, b1, f1 := scoring.Compute(in, weights())
	s2, b2, f2 := scoring.Compute(in, weights())
	assert.Equal(t, s1, s2)
	assert.Equal(t, b1, b2)
	assert.Equal(t, f1, f2)
}

func TestCompute_WeightsAreNormalized(t *testing.T) {
	w := config.WeightsConfig{MetadataIntegrity: 2, TransformationDistance: 2}
	score, _, _ := scoring.Compute(scoring.Inputs{MetadataIntegrity: 1, Transformation: 0.5}, w)
	assert.Equal(t, 0.75, score)
}

func TestGather_Proximity(t *testing.T) {
	cases := []struct {
		gap  time.Duration
		want float64
	}{
		{time.Hour, 1.0},
		{3 * 24 * time.Hour, 0.8},
		{20 * 24 * time.Hour, 0.6},
		{90 * 24 * time.Hour, 0.4},
		{400 * 24 * time.Hour, 0.2},
		{-time.Hour, 0},
	}
	for _, c := range cases {
		a := artifact("art_1", map[string]string{scoring.MetaCapturedAt: now.Add(-c.gap).Format(time.RFC3339)})
		assert.Equal(t, c.want, scoring.Gather(a, nil).IngestionProximity, "gap %s", c.gap)
	}
	assert.Equal(t, 0.0, scoring.Gather(artifact("art_1", nil), nil).IngestionProximity)
}

func TestGather_TransformationDistance(t *testing.T) {
	want := map[string]float64{
		"original":                 1.0,
		"re_export":                0.7,
		"screenshot":               0.4,
		"screenshot_of_screenshot": 0.2,
		"":                         0.5,
	}
	for kind, v := range want {
		a := artifact("art_1", map[string]string{scoring.MetaTransformation: kind})
		assert.Equal(t, v, scoring.Gather(a, nil).Transformation, kind)
	}
}

func TestGather_CorroborationCountsIndependentSupporters(t *testing.T) {
	target := artifact("art_t", map[string]string{scoring.MetaSourceHash: "h1", scoring.MetaSharedPresence: "1"})
	siblings := []model.EvidenceArtifact{
		target,
		artifact("art_a", map[string]string{scoring.MetaSupports: "art_t", scoring.MetaSourceHash: "h2"}),
		artifact("art_b", map[string]string{scoring.MetaSupports: "art_x, art_t"}),
		// Same source as the target: not independent.
		artifact("art_c", map[string]string{scoring.MetaSupports: "art_t", scoring.MetaSourceHash: "h1"}),
		artifact("art_d", map[string]string{scoring.MetaSupports: "art_x"}),
	}
	assert.Equal(t, 1.0, scoring.Gather(target, siblings).Corroboration)

	target.Metadata[scoring.MetaSharedPresence] = "0"
	assert.InDelta(t, 2.0/3, scoring.Gather(target, siblings).Corroboration, 1e-9)
}

func TestGather_Counterparty(t *testing.T) {
	assert.Equal(t, 1.0, scoring.Gather(artifact("a", map[string]string{scoring.MetaCounterparty: "acknowledged"}), nil).Counterparty)
	assert.Equal(t, 0.0, scoring.Gather(artifact("a", map[string]string{scoring.MetaCounterparty: "disputed"}), nil).Counterparty)
	assert.Equal(t, 0.5, scoring.Gather(artifact("a", nil), nil).Counterparty)
}

func newEngine(t *testing.T) (*scoring.Engine, *eventstore.Memory, *time.Time) {
	t.Helper()
	store := eventstore.NewMemory()
	clock := now
	svc := custody.NewService(store, custody.Options{TTL: time.Hour, Rules: config.Default().Custody.Rules, Clock: func() time.Time { return clock }})
	_, err := svc.Register(context.Background(), custody.RegisterRequest{ItemID: "ring", Custodian: "alice"})
	require.NoError(t, err)
	eng := scoring.NewEngine(store, config.Default().Scoring, nil, nil, func() time.Time { return clock })
	return eng, store, &clock
}

func TestEngine_IngestAndRecomputeOnlyAppend(t *testing.T) {
	eng, _, clock := newEngine(t)
	ctx := context.Background()

	a, first, err := eng.Ingest(ctx, scoring.IngestRequest{
		ItemID: "ring", Category: model.CategoryPhoto, PayloadRef: "s3://bucket/ring.jpg",
		Metadata: map[string]string{scoring.MetaTransformation: "screenshot"},
	})
	require.NoError(t, err)
	assert.Equal(t, a.ArtifactID, first.ArtifactID)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, "v1", first.AlgorithmVersion)
	assert.NotEmpty(t, first.RecordHash)

	// A supporter ingested later raises the target on recompute.
	_, _, err = eng.Ingest(ctx, scoring.IngestRequest{
		ItemID: "ring", Category: model.CategoryCommunication, PayloadRef: "mail://1",
		Metadata: map[string]string{scoring.MetaSupports: a.ArtifactID},
	})
	require.NoError(t, err)

	*clock = clock.Add(time.Minute)
	second, err := eng.Recompute(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Sequence)
	assert.Greater(t, second.Score, first.Score)
	assert.Equal(t, first.RecordHash, second.PrevHash)

	history, err := eng.Scores(ctx, a.ArtifactID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first, history[0])

	cur, err := eng.Current(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, second, cur)
}

func TestEngine_Errors(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	_, _, err := eng.Ingest(ctx, scoring.IngestRequest{ItemID: "ghost", Category: model.CategoryPhoto, PayloadRef: "x"})
	assert.ErrorIs(t, err, errclass.ErrUnknownItem)

	_, _, err = eng.Ingest(ctx, scoring.IngestRequest{ItemID: "ring", Category: "hologram", PayloadRef: "x"})
	assert.ErrorIs(t, err, errclass.ErrInvalidArtifact)

	_, _, err = eng.Ingest(ctx, scoring.IngestRequest{ItemID: "ring", Category: model.CategoryPhoto})
	assert.ErrorIs(t, err, errclass.ErrInvalidArtifact)

	_, err = eng.Recompute(ctx, "art_missing")
	assert.ErrorIs(t, err, errclass.ErrUnknownArtifact)
}

// failingScores stores everything but refuses score appends while fail is set.
type failingScores struct {
	eventstore.Store
	fail bool
}

func (f *failingScores) AppendScore(ctx context.Context, s model.ConfidenceScore) (model.ConfidenceScore, error) {
	if f.fail {
		return model.ConfidenceScore{}, errclass.ErrStoreUnavailable.WithMessage("disk full")
	}
	return f.Store.AppendScore(ctx, s)
}

func TestEngine_IngestReturnsStoredArtifactWhenScoreFails(t *testing.T) {
	_, store, _ := newEngine(t)
	ctx := context.Background()
	flaky := &failingScores{Store: store, fail: true}
	eng := scoring.NewEngine(flaky, config.Default().Scoring, nil, nil, func() time.Time { return now })

	a, _, err := eng.Ingest(ctx, scoring.IngestRequest{ItemID: "ring", Category: model.CategoryPhoto, PayloadRef: "s3://b/1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrStoreUnavailable)
	var unscored *scoring.UnscoredError
	require.True(t, errors.As(err, &unscored))
	assert.Equal(t, a.ArtifactID, unscored.ArtifactID)

	stored, err := store.GetArtifact(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, a.ArtifactID, stored.ArtifactID)

	flaky.fail = false
	first, err := eng.Recompute(ctx, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	arts, err := store.ListArtifacts(ctx, "ring")
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}
