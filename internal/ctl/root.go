// Package ctl is the edutbctl operator tool: offline checks of the files the
// server loads at startup, and helpers for maintaining them.
package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/edutoolbox/internal/version"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand builds the edutbctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   version.ComponentCtl,
		Short: "Operator tool for the edutoolbox server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newCatalogCommand(opts))
	cmd.AddCommand(newAccountsCommand(opts))
	cmd.AddCommand(newPasswdCommand(opts))
	cmd.AddCommand(newDBCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	return cmd
}

// emit writes v as indented JSON, or text() when the format is text.
func emit(w io.Writer, opts *RootOptions, v any, text func(io.Writer) error) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func newVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vi := version.Get()
			return emit(cmd.OutOrStdout(), opts, vi, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %s (commit=%s, build_date=%s, go=%s)\n",
					version.ComponentCtl, vi.Version, vi.Commit, vi.BuildDate, vi.GoVersion)
				return err
			})
		},
	}
}
