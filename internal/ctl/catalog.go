package ctl

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/edutoolbox/internal/catalog"
	"github.com/keithlinneman/edutoolbox/internal/identity"
	"github.com/keithlinneman/edutoolbox/internal/pathutil"
	"github.com/keithlinneman/edutoolbox/internal/role"
)

// ErrCheckFailed is returned when a check ran but found problems.
var ErrCheckFailed = errors.New("check failed")

type catalogReport struct {
	ContentRoot string         `json:"content_root"`
	Catalog     string         `json:"catalog"`
	Entries     int            `json:"entries"`
	Kinds       map[string]int `json:"kinds"`
	StudentView int            `json:"student_visible"`
	Modules     int            `json:"modules"`
	Blocked     []string       `json:"blocked_by_allowlist,omitempty"`
}

func newCatalogCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the course catalog",
	}

	var root, catalogPath, kinds string
	var strict bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Load the catalog the way the server does and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := checkCatalog(root, catalogPath, kinds)
			if err != nil {
				return err
			}
			if err := emit(cmd.OutOrStdout(), opts, rep, rep.text); err != nil {
				return err
			}
			if strict && len(rep.Blocked) > 0 {
				return fmt.Errorf("%w: %d entries are outside the allowed kinds", ErrCheckFailed, len(rep.Blocked))
			}
			return nil
		},
	}
	check.Flags().StringVar(&root, "content-root", "library", "directory holding the course files")
	check.Flags().StringVar(&catalogPath, "catalog", "catalog.yaml", "catalog file; relative paths are under content-root")
	check.Flags().StringVar(&kinds, "allowed-kinds", "spreadsheet,presentation,simulation_model,document", "kinds the server will serve")
	check.Flags().BoolVar(&strict, "strict", false, "fail when an entry's kind is not allowed")

	cmd.AddCommand(check)
	return cmd
}

func checkCatalog(dir, catalogPath, kinds string) (*catalogReport, error) {
	allowed, err := catalog.ParseKinds(kinds)
	if err != nil {
		return nil, err
	}
	root, err := pathutil.ResolveRoot(dir)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(catalogPath) {
		catalogPath = filepath.Join(root.String(), catalogPath)
	}
	cat, err := catalog.LoadFile(catalogPath, root)
	if err != nil {
		return nil, err
	}

	rep := &catalogReport{
		ContentRoot: root.String(),
		Catalog:     catalogPath,
		Entries:     cat.Len(),
		Kinds:       map[string]int{},
		StudentView: len(cat.ListFor(role.Student)),
		Modules:     len(cat.Modules(role.Teacher)),
	}
	for _, e := range cat.ListFor(role.Teacher) {
		rep.Kinds[e.Kind.String()]++
		if len(allowed) > 0 && !slices.Contains(allowed, e.Kind) {
			rep.Blocked = append(rep.Blocked, e.ID)
		}
	}
	sort.Strings(rep.Blocked)
	return rep, nil
}

func (r *catalogReport) text(w io.Writer) error {
	fmt.Fprintf(w, "catalog %s\n", r.Catalog)
	fmt.Fprintf(w, "  content root: %s\n", r.ContentRoot)
	fmt.Fprintf(w, "  entries: %d (%d visible to students) in %d modules\n", r.Entries, r.StudentView, r.Modules)
	kinds := make([]string, 0, len(r.Kinds))
	for k := range r.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "    %-18s %d\n", k, r.Kinds[k])
	}
	for _, id := range r.Blocked {
		fmt.Fprintf(w, "  warning: %s is not in the allowed kinds and will be refused\n", id)
	}
	_, err := fmt.Fprintln(w, "ok")
	return err
}

func newAccountsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect the accounts file",
	}
	var path string
	check := &cobra.Command{
		Use:   "check",
		Short: "Parse the accounts file and report how many accounts load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := identity.LoadRegistry(path)
			if err != nil {
				return err
			}
			out := struct {
				Accounts int `json:"accounts"`
			}{reg.Len()}
			return emit(cmd.OutOrStdout(), opts, out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s: %d accounts ok\n", path, out.Accounts)
				return err
			})
		},
	}
	check.Flags().StringVar(&path, "accounts", "accounts.yaml", "accounts file")
	cmd.AddCommand(check)
	return cmd
}
