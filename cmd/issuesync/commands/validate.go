package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/issuesync/issuesync/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Parse and validate the configuration file without starting anything.
Exits non-zero when the file is missing, malformed, or fails validation.`,
		Example: `  issuesync validate --config /etc/issuesync/config.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration OK: %d repositories, interval %s, strategy %s\n",
				len(cfg.Sync.Repositories), cfg.Sync.Interval, cfg.Sync.ConflictStrategy)
			return nil
		},
	}
	return cmd
}
