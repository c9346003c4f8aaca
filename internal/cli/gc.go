package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kelpie-md/kelpie/internal/core"
	"github.com/kelpie-md/kelpie/internal/gc"
)

// GCResult is the data payload of the gc command.
type GCResult struct {
	SizeInBytes   int `json:"sizeInBytes"`
	PrunedHistory int `json:"prunedHistory"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run garbage collection on the stored snapshot",
		Long: `Boot the engine, purge expired soft-deleted documents, trim history
under quota pressure, and persist the normalised snapshot.

Example:
  kelpie gc --store ./kelpie.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}

			drv, closeStore, err := openDriver(rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()

			c, err := core.New(core.Options{Driver: drv})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to boot engine", err)
			}

			result, err := c.GC()
			if err != nil {
				if gc.IsQuotaError(err) {
					return WrapExitError(ExitFailure, "snapshot exceeds the hard quota limit", err)
				}
				return WrapExitError(ExitCommandError, "garbage collection failed", err)
			}

			data := GCResult{
				SizeInBytes:   result.SizeInBytes,
				PrunedHistory: len(result.PrunedHistory),
			}
			if rootOpts.Format == "json" {
				return formatter.Success(data)
			}
			return formatter.Success(fmt.Sprintf("GC complete: %d history entries pruned, snapshot is %d bytes.", data.PrunedHistory, data.SizeInBytes))
		},
	}
}
