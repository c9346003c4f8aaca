package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kelpie-md/kelpie/internal/driver"
	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// InspectSummary is the data payload of the inspect command.
type InspectSummary struct {
	Version          int       `json:"version"`
	InstallationID   string    `json:"installationId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastOpenedAt     time.Time `json:"lastOpenedAt"`
	MigratedFrom     string    `json:"migratedFrom,omitempty"`
	ApproxSizeBytes  int       `json:"approxSizeBytes"`
	ActiveDocuments  int       `json:"activeDocuments"`
	DeletedDocuments int       `json:"deletedDocuments"`
	HistoryEntries   int       `json:"historyEntries"`
	AuditEntries     int       `json:"auditEntries"`
	ActiveDocumentID string    `json:"activeDocumentId,omitempty"`
	Corrupt          bool      `json:"corrupt,omitempty"`
	CorruptionReason string    `json:"corruptionReason,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Summarise the stored snapshot",
		Long: `Load the persisted snapshot and print a summary of its metadata,
document counts, history, and size.

Example:
  kelpie inspect --store ./kelpie.db
  kelpie inspect --store ./state --format json`,
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

			var corruption *driver.CorruptionError
			loaded, err := drv.Load(driver.LoadOptions{
				OnCorruption: func(ce *driver.CorruptionError) { corruption = ce },
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load snapshot", err)
			}
			if corruption != nil {
				summary := InspectSummary{Corrupt: true, CorruptionReason: string(corruption.Reason)}
				if rootOpts.Format == "json" {
					if err := formatter.Success(summary); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Stored snapshot is corrupt (%s); a backup was written.\n", corruption.Reason)
				}
				return WrapExitError(ExitFailure, "stored snapshot is corrupt", corruption)
			}
			if loaded == nil {
				return WrapExitError(ExitCommandError, "no snapshot stored under key "+rootOpts.Key, nil)
			}

			summary, err := summarise(loaded)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to measure snapshot", err)
			}
			if rootOpts.Format == "json" {
				return formatter.Success(summary)
			}
			return formatter.Success(renderSummary(summary))
		},
	}
}

func summarise(s *snapshot.Snapshot) (InspectSummary, error) {
	size, err := snapshot.EstimateSize(s)
	if err != nil {
		return InspectSummary{}, err
	}
	summary := InspectSummary{
		Version:          s.Meta.Version,
		InstallationID:   s.Meta.InstallationID,
		CreatedAt:        s.Meta.CreatedAt,
		LastOpenedAt:     s.Meta.LastOpenedAt,
		MigratedFrom:     s.Meta.MigratedFrom,
		ApproxSizeBytes:  size,
		HistoryEntries:   len(s.History),
		AuditEntries:     len(s.Audit),
		ActiveDocumentID: s.Settings.LastActiveDocumentID,
	}
	for _, e := range s.Index {
		if e.Deleted() {
			summary.DeletedDocuments++
		} else {
			summary.ActiveDocuments++
		}
	}
	return summary, nil
}

func renderSummary(s InspectSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema version:    %d\n", s.Version)
	fmt.Fprintf(&b, "Installation:      %s\n", s.InstallationID)
	fmt.Fprintf(&b, "Created:           %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Last opened:       %s\n", s.LastOpenedAt.Format(time.RFC3339))
	if s.MigratedFrom != "" {
		fmt.Fprintf(&b, "Migrated from:     v%s\n", s.MigratedFrom)
	}
	fmt.Fprintf(&b, "Approx size:       %d bytes\n", s.ApproxSizeBytes)
	fmt.Fprintf(&b, "Documents:         %d active, %d deleted\n", s.ActiveDocuments, s.DeletedDocuments)
	fmt.Fprintf(&b, "History entries:   %d\n", s.HistoryEntries)
	fmt.Fprintf(&b, "Audit entries:     %d\n", s.AuditEntries)
	if s.ActiveDocumentID != "" {
		fmt.Fprintf(&b, "Active document:   %s", s.ActiveDocumentID)
	} else {
		fmt.Fprintf(&b, "Active document:   none")
	}
	return b.String()
}
