package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/pkg/color"
	"github.com/diamondops/custody/pkg/custody"
	"github.com/diamondops/custody/pkg/model"
)

var (
	artifactCategory   string
	artifactPayloadRef string
	artifactMeta       map[string]string
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Ingest and score evidence",
}

var artifactIngestCmd = &cobra.Command{
	Use:   "ingest <item-id>",
	Short: "Ingest an evidence artifact and score it",
	Long: `Ingest an artifact for a registered item. Metadata keys the scorer reads:
captured_at (RFC 3339), device, author, source_hash, transformation
(original, re_export, screenshot, screenshot_of_screenshot), supports
(comma-separated artifact ids), shared_presence, counterparty
(acknowledged, disputed).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			art, score, err := eng.IngestArtifact(ctx, custody.IngestRequest{
				ItemID:     args[0],
				Category:   model.Category(artifactCategory),
				PayloadRef: artifactPayloadRef,
				Metadata:   artifactMeta,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"artifact": art, "score": score})
			}
			fmt.Printf("%s %s\n", color.Success("Ingested"), color.ID(art.ArtifactID))
			printScore(score)
			return nil
		})
	},
}

var artifactRescoreCmd = &cobra.Command{
	Use:   "rescore <artifact-id>",
	Short: "Append a fresh score for an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			score, err := eng.RecomputeScore(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(score)
			}
			printScore(score)
			return nil
		})
	},
}

var artifactScoresCmd = &cobra.Command{
	Use:   "scores <artifact-id>",
	Short: "Show an artifact's score history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			history, err := eng.Scores(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(history)
			}
			for _, s := range history {
				fmt.Printf("%3d  %s  %.4f  %s  %s\n", s.Sequence, color.Dim(s.ComputedAt.Format("2006-01-02 15:04:05")),
					s.Score, color.Band(s.Band), s.AlgorithmVersion)
			}
			return nil
		})
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list <item-id>",
	Short: "List an item's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			arts, err := eng.Artifacts(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				if arts == nil {
					arts = []model.EvidenceArtifact{}
				}
				return outputJSON(arts)
			}
			for _, a := range arts {
				fmt.Printf("%s  %-13s %s\n", color.ID(a.ArtifactID), a.Category, a.PayloadRef)
			}
			return nil
		})
	},
}

func printScore(s model.ConfidenceScore) {
	fmt.Printf("  score: %.4f (%s), algorithm %s\n", s.Score, color.Band(s.Band), s.AlgorithmVersion)
	for _, f := range s.Factors {
		fmt.Printf("    %-26s input %.2f  weight %.2f  +%.4f\n", f.Name, f.Input, f.Weight, f.Contribution)
	}
}

func init() {
	artifactIngestCmd.Flags().StringVar(&artifactCategory, "category", "", "photo, video, document, communication, estimate, contract, report or log")
	artifactIngestCmd.Flags().StringVar(&artifactPayloadRef, "payload-ref", "", "where the payload is stored")
	artifactIngestCmd.Flags().StringToStringVar(&artifactMeta, "meta", nil, "metadata key=value (repeatable)")
	artifactIngestCmd.MarkFlagRequired("category")
	artifactIngestCmd.MarkFlagRequired("payload-ref")

	artifactCmd.AddCommand(artifactIngestCmd, artifactRescoreCmd, artifactScoresCmd, artifactListCmd)
	rootCmd.AddCommand(artifactCmd)
}
