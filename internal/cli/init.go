package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/diamondops/custody/pkg/color"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/custody"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a custody root",
	Long: `Write the default configuration to <dir>/.custody/config.yaml.
The file backend keeps its journals under the same directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			root = args[0]
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("create %s: %w", root, err)
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		cfg, err := custody.Init(abs)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]any{"root": abs, "config": config.Path(abs), "backend": cfg.Store.Backend})
		}
		fmt.Printf("%s custody root in %s\n", color.Success("Initialized"), abs)
		fmt.Printf("  config:  %s\n", config.Path(abs))
		fmt.Printf("  backend: %s\n", cfg.Store.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
