package cli

import (
	"github.com/spf13/cobra"

	"github.com/kelpie-md/kelpie/internal/driver"
	"github.com/kelpie-md/kelpie/internal/schema"
)

// ValidateResult is the data payload of the validate command.
type ValidateResult struct {
	Valid            bool   `json:"valid"`
	ChecksumVerified bool   `json:"checksumVerified"`
	Problem          string `json:"problem,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored snapshot against the schema",
		Long: `Verify the stored payload's checksum and validate its structure
against the snapshot schema, without loading it into the engine.

Example:
  kelpie validate --store ./kelpie.db
  kelpie validate --store ./state --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), Verbose: rootOpts.Verbose}

			st, closeStore, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer closeStore()

			raw, ok, err := st.Get(rootOpts.Key)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read store", err)
			}
			if !ok {
				return WrapExitError(ExitCommandError, "no snapshot stored under key "+rootOpts.Key, nil)
			}

			result := ValidateResult{Valid: true}

			stored, hasSum, err := st.Get(rootOpts.Key + ".checksum")
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read checksum", err)
			}
			if hasSum {
				actual := driver.Checksum(raw)
				if actual != stored {
					result = ValidateResult{
						Valid:   false,
						Problem: "checksum mismatch: expected " + stored + ", got " + actual,
					}
				} else {
					result.ChecksumVerified = true
				}
			}

			if result.Valid {
				if err := schema.Validate([]byte(raw)); err != nil {
					result = ValidateResult{
						ChecksumVerified: result.ChecksumVerified,
						Valid:            false,
						Problem:          err.Error(),
					}
				}
			}

			if !result.Valid {
				if rootOpts.Format == "json" {
					if err := formatter.Success(result); err != nil {
						return err
					}
				} else if err := formatter.Error("snapshot invalid: "+result.Problem, nil); err != nil {
					return err
				}
				return WrapExitError(ExitFailure, "snapshot failed validation", nil)
			}

			if rootOpts.Format == "json" {
				return formatter.Success(result)
			}
			return formatter.Success("Snapshot is valid.")
		},
	}
}
