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
	itemCustodian string
	itemNickname  string
	itemModel     string
	itemLocation  string
	itemActor     string
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Register and inspect items",
}

var itemRegisterCmd = &cobra.Command{
	Use:   "register <item-id>",
	Short: "Register an item with its first custodian",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.RegisterItem(ctx, custody.RegisterRequest{
				ItemID:    args[0],
				Custodian: itemCustodian,
				Nickname:  itemNickname,
				Model:     itemModel,
				Location:  itemLocation,
				Actor:     itemActor,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("%s %s held by %s\n", color.Success("Registered"), color.ID(res.Item.ItemID), res.Item.CurrentCustodian)
			return nil
		})
	},
}

var itemShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show an item and its transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			proj, err := eng.GetItem(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(proj)
			}
			printItem(proj)
			return nil
		})
	},
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			items, err := eng.Items(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if items == nil {
					items = []string{}
				}
				return outputJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No items registered.")
				return nil
			}
			for _, id := range items {
				fmt.Println(color.ID(id))
			}
			return nil
		})
	},
}

var itemLockCmd = &cobra.Command{
	Use:   "lock <item-id>",
	Short: "Block proposals on an item (custodian only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.LockItem(ctx, args[0], itemActor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("%s %s\n", color.Success("Locked"), color.ID(args[0]))
			return nil
		})
	},
}

var itemUnlockCmd = &cobra.Command{
	Use:   "unlock <item-id>",
	Short: "Lift the custodian's lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			res, err := eng.UnlockItem(ctx, args[0], itemActor)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("%s %s\n", color.Success("Unlocked"), color.ID(args[0]))
			return nil
		})
	},
}

func printItem(p custody.Projection) {
	it := p.Item
	fmt.Printf("%s %s\n", color.Header("Item"), color.ID(it.ItemID))
	if it.Nickname != "" {
		fmt.Printf("  nickname:  %s\n", it.Nickname)
	}
	if it.Model != "" {
		fmt.Printf("  model:     %s\n", it.Model)
	}
	fmt.Printf("  custodian: %s\n", it.CurrentCustodian)
	if it.LockedByCustodian() {
		fmt.Printf("  lock:      %s\n", color.Warning("locked by custodian"))
	}
	fmt.Printf("  version:   %d\n", it.Version)
	if len(p.Transitions) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(color.Header("Transitions"))
	for _, t := range p.Transitions {
		printTransitionLine(t)
	}
}

func printTransitionLine(t *model.CustodyTransition) {
	fmt.Printf("  %s  %-12s %s -> %s  %s\n",
		color.ID(t.TransitionID), color.State(t.State), t.FromCustodian, t.ProposedNewCustodian,
		color.Dim(t.ProposedAt.Format("2006-01-02 15:04")))
}

func init() {
	itemRegisterCmd.Flags().StringVar(&itemCustodian, "custodian", "", "first custodian")
	itemRegisterCmd.Flags().StringVar(&itemNickname, "nickname", "", "display name used in notifications")
	itemRegisterCmd.Flags().StringVar(&itemModel, "model", "", "item model")
	itemRegisterCmd.Flags().StringVar(&itemLocation, "location", "", "item location")
	itemRegisterCmd.Flags().StringVar(&itemActor, "actor", "", "recording actor (default: custodian)")
	itemRegisterCmd.MarkFlagRequired("custodian")
	for _, c := range []*cobra.Command{itemLockCmd, itemUnlockCmd} {
		c.Flags().StringVar(&itemActor, "actor", "", "acting custodian")
		c.MarkFlagRequired("actor")
	}

	itemCmd.AddCommand(itemRegisterCmd, itemShowCmd, itemListCmd, itemLockCmd, itemUnlockCmd)
	rootCmd.AddCommand(itemCmd)
}
