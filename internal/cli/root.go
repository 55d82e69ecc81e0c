package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/pkg/color"
)

var (
	jsonOutput bool
	rootDir    string
	noColor    bool
	rootCmd    = &cobra.Command{
		Use:   "custody",
		Short: "custody - custody transitions and evidence confidence",
		Long: `custody records who holds an item and how custody moves between people.
Every transition is an append-only event; confirmations follow configured
rules, evidence is scored with explainable factors, and escalation packets
assert only evidence that clears their level's threshold.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "engine root directory (default: current directory)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmtErr("%v", err)
		if hint := suggest(err); hint != "" {
			fmt.Fprintln(os.Stderr, color.Dim("  "+hint))
		}
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	prefix := "custody: "
	if color.Enabled() {
		prefix = color.Error("custody:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
