// Package cli implements the kelpie command line tools: inspecting,
// validating, and maintaining a persisted storage snapshot.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kelpie-md/kelpie/internal/driver"
	"github.com/kelpie-md/kelpie/internal/hostkv"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	Store       string // "mem", *.db, or a directory
	Key         string
	BackupLimit int
	ConfigPath  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the kelpie CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "kelpie",
		Short: "Kelpie storage engine tools",
		Long:  "Inspect, validate, and maintain a kelpie document storage snapshot.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.ConfigPath != "" {
				cfg, err := LoadFileConfig(opts.ConfigPath)
				if err != nil {
					return err
				}
				applyFileConfig(cmd, opts, cfg)
			}
			configureLogging(opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store location: mem, a .db file, or a directory (required)")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", driver.DefaultKey, "primary store key")
	cmd.PersistentFlags().IntVar(&opts.BackupLimit, "backup-limit", driver.DefaultBackupLimit, "retained backup count")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewGCCommand(opts))
	cmd.AddCommand(NewBackupsCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// applyFileConfig fills options from the config file for flags the user did
// not set explicitly.
func applyFileConfig(cmd *cobra.Command, opts *RootOptions, cfg FileConfig) {
	flags := cmd.Flags()
	if cfg.Store != "" && !flags.Changed("store") {
		opts.Store = cfg.Store
	}
	if cfg.Key != "" && !flags.Changed("key") {
		opts.Key = cfg.Key
	}
	if cfg.BackupLimit > 0 && !flags.Changed("backup-limit") {
		opts.BackupLimit = cfg.BackupLimit
	}
}

func configureLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// openStore resolves the --store flag into a concrete host store.
// The returned close function is a no-op for stores without one.
func openStore(opts *RootOptions) (hostkv.Store, func() error, error) {
	noop := func() error { return nil }
	switch {
	case opts.Store == "":
		return nil, noop, WrapExitError(ExitCommandError, "no store configured: pass --store or set it in the config file", nil)
	case opts.Store == "mem":
		return hostkv.NewMemory(), noop, nil
	case strings.HasSuffix(opts.Store, ".db"):
		st, err := hostkv.OpenSQLite(opts.Store)
		if err != nil {
			return nil, noop, WrapExitError(ExitCommandError, "failed to open store", err)
		}
		return st, st.Close, nil
	default:
		st, err := hostkv.OpenDir(opts.Store)
		if err != nil {
			return nil, noop, WrapExitError(ExitCommandError, "failed to open store", err)
		}
		return st, noop, nil
	}
}

// openDriver builds a driver over the configured store.
func openDriver(opts *RootOptions) (*driver.Driver, func() error, error) {
	st, closeStore, err := openStore(opts)
	if err != nil {
		return nil, closeStore, err
	}
	d := driver.New(driver.Options{
		Store:       st,
		Key:         opts.Key,
		BackupLimit: opts.BackupLimit,
	})
	return d, closeStore, nil
}
