package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups [key]",
		Short: "List retained backups, or print one",
		Long: `Without arguments, list the retained backup keys oldest first.
With a backup key, print its raw payload to stdout.

Example:
  kelpie backups --store ./kelpie.db
  kelpie backups --store ./kelpie.db kelpie.storage.backup.2026-08-30T10-00-00-000000000Z`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}

			drv, closeStore, err := openDriver(rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()

			if len(args) == 1 {
				raw, ok, err := drv.ReadBackup(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read backup", err)
				}
				if !ok {
					return WrapExitError(ExitCommandError, "no backup stored under key "+args[0], nil)
				}
				return formatter.Success(raw)
			}

			keys, err := drv.Backups()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list backups", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(keys)
			}
			if len(keys) == 0 {
				return formatter.Success("No backups.")
			}
			return formatter.Success(strings.Join(keys, "\n"))
		},
	}
}
