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
	proposeInitiator string
	proposeTo        string
	proposeLocation  string

	transitionActor string
	contestReason   string
	attestAttester  string
	attestRule      string
	confirmRule     string
	confirmAttester []string
	historyFrom     int64
)

var proposeCmd = &cobra.Command{
	Use:   "propose <item-id>",
	Short: "Propose a custody transition",
	Long: `Propose moving an item to a new custodian. The initiator's proposals are
rate limited, and an item locked by its custodian accepts none. Proposing
again on a contested transition you initiated returns it to proposed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.ProposeTransition(ctx, custody.ProposeRequest{
				ItemID:               args[0],
				Initiator:            proposeInitiator,
				ProposedNewCustodian: proposeTo,
				Location:             proposeLocation,
			})
			return printResult(res, err, "Proposed")
		})
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <transition-id>",
	Short: "Acknowledge a proposed transition (current custodian)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.AcknowledgeTransition(ctx, args[0], transitionActor)
			return printResult(res, err, "Acknowledged")
		})
	},
}

var contestCmd = &cobra.Command{
	Use:   "contest <transition-id>",
	Short: "Contest a transition (current custodian)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.ContestTransition(ctx, args[0], transitionActor, contestReason)
			return printResult(res, err, "Contested")
		})
	},
}

var attestCmd = &cobra.Command{
	Use:   "attest <transition-id>",
	Short: "Record an attestation on an open transition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.AttestTransition(ctx, args[0], attestAttester, model.RuleName(attestRule))
			return printResult(res, err, "Attested")
		})
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <transition-id>",
	Short: "Confirm a transition under a confirmation rule",
	Long: `Confirm a transition. With --rule the named rule must be enabled and
satisfied; without it the first satisfied enabled rule is used. Each
--attester adds an attestation before the rule is evaluated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			atts := make([]model.Attestation, 0, len(confirmAttester))
			for _, a := range confirmAttester {
				atts = append(atts, model.Attestation{Attester: a})
			}
			res, err := eng.ConfirmTransition(ctx, custody.ConfirmRequest{
				TransitionID: args[0],
				Actor:        transitionActor,
				Rule:         model.RuleName(confirmRule),
				Attestations: atts,
			})
			return printResult(res, err, "Confirmed")
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <transition-id>",
	Short: "Revoke a transition (initiator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.RevokeTransition(ctx, args[0], transitionActor)
			return printResult(res, err, "Revoked")
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <item-id>",
	Short: "Show an item's events, rejected attempts included",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			events, err := eng.History(ctx, args[0], historyFrom)
			if err != nil {
				return err
			}
			if jsonOutput {
				if events == nil {
					events = []model.CustodyEvent{}
				}
				return outputJSON(events)
			}
			for _, ev := range events {
				line := fmt.Sprintf("%4d  %s  %-24s %-8s %s",
					ev.SequenceNo, color.Dim(ev.Timestamp.Format("2006-01-02 15:04:05")),
					ev.EventType, color.Outcome(ev.Outcome), ev.Actor)
				if ev.Payload.TransitionID != "" {
					line += "  " + color.ID(ev.Payload.TransitionID)
				}
				if !ev.Applied() {
					line += "  " + color.Dim(ev.ReasonCode+": "+ev.Reason)
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

// printResult prints the outcome of a transition operation. A rejected
// operation is returned as an error after it was recorded.
func printResult(res custody.Result, err error, verb string) error {
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(res)
	}
	if res.Transition == nil {
		fmt.Printf("%s %s\n", color.Success(verb), color.ID(res.Item.ItemID))
		return nil
	}
	t := res.Transition
	fmt.Printf("%s %s (%s)\n", color.Success(verb), color.ID(t.TransitionID), color.State(t.State))
	fmt.Printf("  item:      %s\n", t.ItemID)
	fmt.Printf("  custodian: %s\n", res.Item.CurrentCustodian)
	if t.ConfirmedRule != "" {
		fmt.Printf("  rule:      %s\n", t.ConfirmedRule)
	}
	return nil
}

func init() {
	proposeCmd.Flags().StringVar(&proposeInitiator, "initiator", "", "who proposes the transition")
	proposeCmd.Flags().StringVar(&proposeTo, "to", "", "proposed new custodian")
	proposeCmd.Flags().StringVar(&proposeLocation, "location", "", "where the handover happens")
	proposeCmd.MarkFlagRequired("initiator")
	proposeCmd.MarkFlagRequired("to")

	for _, c := range []*cobra.Command{ackCmd, contestCmd, confirmCmd, revokeCmd} {
		c.Flags().StringVar(&transitionActor, "actor", "", "acting party")
		c.MarkFlagRequired("actor")
	}
	contestCmd.Flags().StringVar(&contestReason, "reason", "", "why the transition is contested")
	attestCmd.Flags().StringVar(&attestAttester, "attester", "", "who attests")
	attestCmd.Flags().StringVar(&attestRule, "rule", "", "rule the attestation counts toward (default: every rule)")
	attestCmd.MarkFlagRequired("attester")
	confirmCmd.Flags().StringVar(&confirmRule, "rule", "", "confirmation rule (explicit, dual, escrow, evidence_backed)")
	confirmCmd.Flags().StringSliceVar(&confirmAttester, "attester", nil, "add an attestation (repeatable)")
	historyCmd.Flags().Int64Var(&historyFrom, "from", 0, "first sequence number to show")

	rootCmd.AddCommand(proposeCmd, ackCmd, contestCmd, attestCmd, confirmCmd, revokeCmd, historyCmd)
}
