package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/internal/server"
	"github.com/diamondops/custody/pkg/color"
	"github.com/diamondops/custody/pkg/custody"
	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/model"
)

var (
	sweepDryRun bool
	serveAddr   string
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications [item-id]",
	Short: "Show the latest status of each notification",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID := ""
		if len(args) == 1 {
			itemID = args[0]
		}
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			records, err := eng.Notifications(ctx, itemID)
			if err != nil {
				return err
			}
			if jsonOutput {
				if records == nil {
					records = []model.NotificationRecord{}
				}
				return outputJSON(records)
			}
			for _, r := range records {
				status := string(r.DeliveryStatus)
				switch r.DeliveryStatus {
				case model.DeliverySent:
					status = color.Success(status)
				case model.DeliveryFailed:
					status = color.Error(status)
				default:
					status = color.Warning(status)
				}
				fmt.Printf("%s  %-8s %-18s to %s  attempt %d\n", color.ID(r.NotificationID), status, r.Template, r.Recipient, r.Attempt)
			}
			return nil
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire transitions older than the TTL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			plan, report, err := eng.Sweep(ctx, sweepDryRun)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"plan": plan, "report": report})
			}
			fmt.Printf("Sweep plan %s: %d transition(s) older than %s\n", plan.PlanID, len(plan.Candidates), plan.TTL)
			for _, c := range plan.Candidates {
				fmt.Printf("  %s  %s  %s  age %s\n", color.ID(c.TransitionID), c.ItemID, color.State(c.State), c.Age.Round(time.Second))
			}
			if report == nil {
				fmt.Println(color.Dim("dry run: nothing expired"))
				return nil
			}
			fmt.Printf("%s %d, skipped %d\n", color.Success("Expired"), len(report.Expired), len(report.Skipped))
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [item-id]",
	Short: "Check the hash chains of event and score journals",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID := ""
		if len(args) == 1 {
			itemID = args[0]
		}
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			results, err := eng.Verify(ctx, itemID)
			if err != nil && !errors.Is(err, errclass.ErrAuditChainBroken) {
				return err
			}
			if jsonOutput {
				if jerr := outputJSON(results); jerr != nil {
					return jerr
				}
				return err
			}
			for _, r := range results {
				if r.ChainValid {
					fmt.Printf("%s %s %s (%d records)\n", color.Success("OK"), r.Kind, r.ID, r.Records)
					continue
				}
				fmt.Printf("%s %s %s at %d: %s\n", color.Error("BROKEN"), r.Kind, r.ID, r.BrokenAt, r.Error)
			}
			return err
		})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API until interrupted. The expiry sweeper runs in the
background at custody.sweep_interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot()
		if err != nil {
			return err
		}
		if !custody.Initialized(root) {
			return errNotInitialized
		}
		ctx := cmd.Context()
		eng, err := custody.Open(ctx, custody.Options{Root: root, RunSweeper: true})
		if err != nil {
			return err
		}
		defer eng.Close()

		addr := serveAddr
		if addr == "" {
			addr = eng.Config().Server.Addr
		}
		return server.New(eng).ListenAndServe(ctx, addr)
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "only show what would expire")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")

	rootCmd.AddCommand(notificationsCmd, sweepCmd, verifyCmd, serveCmd)
}
