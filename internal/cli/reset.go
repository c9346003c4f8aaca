package cli

import (
	"github.com/spf13/cobra"

	"github.com/kelpie-md/kelpie/internal/core"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all stored state",
		Long: `Replace the stored snapshot with a fresh default one. All documents,
history, and audit entries are lost. Requires --yes.

Example:
  kelpie reset --store ./kelpie.db --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}

			if !yes {
				return WrapExitError(ExitCommandError, "refusing to reset without --yes", nil)
			}

			drv, closeStore, err := openDriver(rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()

			c, err := core.New(core.Options{Driver: drv})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to boot engine", err)
			}
			if err := c.Reset(); err != nil {
				return WrapExitError(ExitCommandError, "reset failed", err)
			}
			return formatter.Success("Storage reset to a fresh snapshot.")
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
