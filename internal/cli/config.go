package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after the config file, CHANGESYNC_* variables
and defaults have been applied. The JWT secret is redacted.

Examples:
  changesync config
  changesync config --config changesync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.Config()
			if err != nil {
				return err
			}
			cfg = cfg.Redacted()
			if rootOpts.Format == "json" {
				return newFormatter(rootOpts, cmd.OutOrStdout()).Success(cfg, nil)
			}
			data, err := cfg.YAML()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to render config", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
