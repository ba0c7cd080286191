package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/loader"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

var errInvalidChains = errors.New("one or more chains are invalid")

func newValidateCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Validate chain documents",
		Long: `Validate checks each chain document against the chain schema and runs
every static check: references, cycles, ownership, variables and types.
Directories are scanned for .json, .yaml and .yml files.

Example:
  chainflow validate examples/support-triage/chain.json
  chainflow validate ./chains
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandChainPaths(args)
			if err != nil {
				return err
			}
			reg := handlers.NewRegistry()
			if err := handlers.RegisterBuiltins(reg); err != nil {
				return err
			}
			v, err := validation.NewValidator(reg)
			if err != nil {
				return err
			}
			if !validateFiles(cmd.OutOrStdout(), loader.New(v), v, files) {
				return errInvalidChains
			}
			return nil
		},
	}
}

// validateFiles reports on every file and returns whether all are valid.
func validateFiles(w io.Writer, l *loader.Loader, v *validation.Validator, files []string) bool {
	ok := true
	for _, path := range files {
		c, err := l.LoadFile(path)
		if err != nil {
			ok = false
			fmt.Fprintf(w, "FAIL %s\n", path)
			if issues := schema.IssuesOf(err); len(issues) > 0 {
				printIssues(w, issues)
			} else {
				fmt.Fprintf(w, "  %v\n", err)
			}
			continue
		}

		res := v.Validate(c)
		if !res.Valid() {
			ok = false
			fmt.Fprintf(w, "FAIL %s\n", path)
			printIssues(w, res.Errors)
		} else {
			fmt.Fprintf(w, "ok   %s (%s, %d steps)\n", path, c.ID, c.Steps.Len())
		}
		printIssues(w, res.Warnings)
	}
	return ok
}

func printIssues(w io.Writer, issues []schema.ValidationIssue) {
	for _, is := range issues {
		fmt.Fprintf(w, "  %s\n", is.String())
	}
}

// expandChainPaths replaces directories with the chain documents directly
// inside them, in name order.
func expandChainPaths(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if _, ferr := loader.FormatOf(e.Name()); ferr == nil && !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			files = append(files, filepath.Join(arg, n))
		}
	}
	return files, nil
}
