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
	packetLevel          int
	packetAssert         []string
	packetIncludeContext bool
)

var packetCmd = &cobra.Command{
	Use:   "packet",
	Short: "Build and inspect escalation packets",
}

var packetBuildCmd = &cobra.Command{
	Use:   "build <item-id>",
	Short: "Build an escalation packet",
	Long: `Build an immutable escalation packet. Level thresholds: 1 = 0.40,
2 = 0.60, 3 = 0.75, 4 = 0.85. Only artifacts whose current score meets the
threshold are asserted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			p, err := eng.BuildEscalationPacket(ctx, args[0], model.EscalationLevel(packetLevel), custody.PacketOptions{
				Assert:             packetAssert,
				IncludeNonAsserted: packetIncludeContext,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Printf("%s packet %s\n", color.Success("Built"), color.ID(p.PacketID))
			printPacket(p)
			return nil
		})
	},
}

var packetShowCmd = &cobra.Command{
	Use:   "show <packet-id>",
	Short: "Show an issued packet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			p, err := eng.GetPacket(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Printf("%s %s\n", color.Header("Packet"), color.ID(p.PacketID))
			printPacket(p)
			return nil
		})
	},
}

func printPacket(p model.EscalationPacket) {
	fmt.Printf("  item:      %s (custodian %s)\n", p.ItemID, p.CustodySnapshot.Item.CurrentCustodian)
	fmt.Printf("  level:     %d (threshold %.2f)\n", p.Level, p.Threshold)
	fmt.Printf("  built:     %s\n", p.BuiltAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  hash:      %s\n", color.Dim(string(p.ContentHash)))
	fmt.Printf("  asserted:  %d\n", len(p.AssertedArtifacts))
	for _, a := range p.AssertedArtifacts {
		fmt.Printf("    %s  %.4f %s\n", color.ID(a.ArtifactID), a.Score, color.Band(a.Band))
	}
	if len(p.NonAssertedContext) > 0 {
		fmt.Printf("  context (not asserted): %d\n", len(p.NonAssertedContext))
		for _, a := range p.NonAssertedContext {
			fmt.Printf("    %s  %.4f %s\n", color.Dim(a.ArtifactID), a.Score, color.Band(a.Band))
		}
	}
}

func init() {
	packetBuildCmd.Flags().IntVar(&packetLevel, "level", 0, "escalation level (1-4)")
	packetBuildCmd.Flags().StringSliceVar(&packetAssert, "assert", nil, "assert only these artifacts (repeatable)")
	packetBuildCmd.Flags().BoolVar(&packetIncludeContext, "include-context", false, "add sub-threshold artifacts as non-asserted context")
	packetBuildCmd.MarkFlagRequired("level")

	packetCmd.AddCommand(packetBuildCmd, packetShowCmd)
	rootCmd.AddCommand(packetCmd)
}
