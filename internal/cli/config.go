package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/custody"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Inspect custody configuration",
	Long: `Inspect the configuration stored in .custody/config.yaml.

DATABASE_URL and CUSTODY_REDIS_ADDR override the store DSN and the redis
address of the rate limiter.`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot()
		if err != nil {
			return err
		}
		if !custody.Initialized(root) {
			return errNotInitialized
		}
		cfg, err := config.Load(root)
		if err != nil {
			return err
		}
		cfg.ApplyEnv(os.Getenv)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Store.DSN != "" {
			cfg.Store.DSN = "(set)"
		}
		for i := range cfg.Notify.Webhooks {
			if cfg.Notify.Webhooks[i].Secret != "" {
				cfg.Notify.Webhooks[i].Secret = "(set)"
			}
		}

		if jsonOutput {
			return outputJSON(cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# Location: %s\n\n", config.Path(root))
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
