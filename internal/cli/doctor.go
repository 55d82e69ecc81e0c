package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/internal/doctor"
	"github.com/diamondops/custody/pkg/color"
	"github.com/diamondops/custody/pkg/custody"
)

var doctorStrict bool

var errUnhealthy = errors.New("custody root is unhealthy")

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check custody root health",
	Long: `Check custody root health.

Reports transitions past their TTL, undelivered notifications and leftover
temp files. Use --strict to also verify every hash chain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, eng *custody.Engine) error {
			result, err := eng.Doctor(ctx, doctorStrict)
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}

			if jsonOutput {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else if len(result.Findings) == 0 {
				fmt.Println(color.Success("Custody root is healthy."))
			} else {
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", severity(f.Severity), f.Category, f.Description)
				}
			}

			if !result.Healthy {
				return errUnhealthy
			}
			return nil
		})
	},
}

func severity(s string) string {
	switch s {
	case doctor.SeverityCritical, doctor.SeverityError:
		return color.Error(s)
	case doctor.SeverityWarning:
		return color.Warning(s)
	}
	return color.Dim(s)
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "include full hash chain verification")
	rootCmd.AddCommand(doctorCmd)
}
