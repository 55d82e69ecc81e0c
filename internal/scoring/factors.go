// Package scoring computes confidence scores for evidence artifacts.
//
// A score is a weighted mean of five factor inputs, each in [0,1]. Compute
// is pure: the same inputs, weights and algorithm version always produce
// the same score and factor breakdown.
package scoring

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/model"
)

// Factor names, in the order they are recorded.
const (
	FactorMetadataIntegrity  = "metadata_integrity"
	FactorIngestionProximity = "ingestion_proximity"
	FactorTransformation     = "transformation_distance"
	FactorCorroboration      = "corroboration"
	FactorCounterparty       = "counterparty"
)

// Metadata keys read from artifacts.
const (
	MetaCapturedAt     = "captured_at"
	MetaDevice         = "device"
	MetaAuthor         = "author"
	MetaSourceHash     = "source_hash"
	MetaTransformation = "transformation"
	MetaSupports       = "supports"
	MetaSharedPresence = "shared_presence"
	MetaCounterparty   = "counterparty"
)

// Inputs are the gathered factor inputs for one artifact.
type Inputs struct {
	MetadataIntegrity  float64
	IngestionProximity float64
	Transformation     float64
	Corroboration      float64
	Counterparty       float64
}

var transformations = map[string]float64{
	"original":                 1.0,
	"re_export":                0.7,
	"screenshot":               0.4,
	"screenshot_of_screenshot": 0.2,
}

// unknownTransformation scores an artifact with no recorded provenance.
const unknownTransformation = 0.5

// corroborationSaturation is the supporter count at which corroboration
// stops adding.
const corroborationSaturation = 3

// Gather derives the factor inputs of a from its metadata and from the
// other artifacts of the same item.
func Gather(a model.EvidenceArtifact, siblings []model.EvidenceArtifact) Inputs {
	return Inputs{
		MetadataIntegrity:  metadataIntegrity(a.Metadata),
		IngestionProximity: ingestionProximity(a),
		Transformation:     transformation(a.Metadata[MetaTransformation]),
		Corroboration:      corroboration(a, siblings),
		Counterparty:       counterparty(a.Metadata[MetaCounterparty]),
	}
}

func metadataIntegrity(md map[string]string) float64 {
	present := 0
	if _, err := time.Parse(time.RFC3339, md[MetaCapturedAt]); err == nil {
		present++
	}
	if md[MetaDevice] != "" || md[MetaAuthor] != "" {
		present++
	}
	if md[MetaSourceHash] != "" {
		present++
	}
	return float64(present) / 3
}

func ingestionProximity(a model.EvidenceArtifact) float64 {
	captured, err := time.Parse(time.RFC3339, a.Metadata[MetaCapturedAt])
	if err != nil {
		return 0
	}
	gap := a.CreatedAt.Sub(captured)
	if gap < 0 {
		// Captured after ingestion: the metadata is wrong.
		return 0
	}
	switch {
	case gap <= 24*time.Hour:
		return 1.0
	case gap <= 7*24*time.Hour:
		return 0.8
	case gap <= 30*24*time.Hour:
		return 0.6
	case gap <= 180*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

func transformation(kind string) float64 {
	if v, ok := transformations[strings.ToLower(strings.TrimSpace(kind))]; ok {
		return v
	}
	return unknownTransformation
}

// corroboration counts independent supporters: other artifacts naming a in
// their supports list whose source differs from a's, plus the shared
// presence signals recorded on a.
func corroboration(a model.EvidenceArtifact, siblings []model.EvidenceArtifact) float64 {
	n := 0
	source := a.Metadata[MetaSourceHash]
	for _, s := range siblings {
		if s.ArtifactID == a.ArtifactID {
			continue
		}
		if source != "" && s.Metadata[MetaSourceHash] == source {
			continue
		}
		for _, id := range strings.Split(s.Metadata[MetaSupports], ",") {
			if strings.TrimSpace(id) == a.ArtifactID {
				n++
				break
			}
		}
	}
	if v, err := strconv.Atoi(a.Metadata[MetaSharedPresence]); err == nil && v > 0 {
		n += v
	}
	return math.Min(1, float64(n)/corroborationSaturation)
}

func counterparty(signal string) float64 {
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "acknowledged":
		return 1
	case "disputed":
		return 0
	default:
		return 0.5
	}
}

// Compute turns inputs into a score record. Weights are normalized by
// their sum; contributions and the score are rounded to four decimals.
func Compute(in Inputs, w config.WeightsConfig) (score float64, band model.Band, factors []model.Factor) {
	pairs := []struct {
		name   string
		input  float64
		weight float64
	}{
		{FactorMetadataIntegrity, in.MetadataIntegrity, w.MetadataIntegrity},
		{FactorIngestionProximity, in.IngestionProximity, w.IngestionProximity},
		{FactorTransformation, in.Transformation, w.TransformationDistance},
		{FactorCorroboration, in.Corroboration, w.Corroboration},
		{FactorCounterparty, in.Counterparty, w.CounterpartyAcknowledge},
	}
	var total float64
	for _, p := range pairs {
		total += p.weight
	}

	factors = make([]model.Factor, 0, len(pairs))
	var sum float64
	for _, p := range pairs {
		input := clamp(p.input)
		var c float64
		if total > 0 {
			c = input * p.weight / total
		}
		sum += c
		factors = append(factors, model.Factor{
			Name:         p.name,
			Input:        round4(input),
			Weight:       p.weight,
			Contribution: round4(c),
		})
	}
	score = round4(clamp(sum))
	return score, model.BandFor(score), factors
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
