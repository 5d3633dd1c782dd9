package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenda-podcast/fd2/pkg/apply"
	"github.com/agenda-podcast/fd2/pkg/diffguard"
	"github.com/agenda-podcast/fd2/pkg/policy"
)

func (a *app) validateDiffCommand() *cobra.Command {
	var (
		root         string
		allow        []string
		workflow     string
		evidenceFile string
	)
	cmd := &cobra.Command{
		Use:   "validate-diff DIFF",
		Short: "Run the format, scope and stability guards over a candidate diff",
		Long: `validate-diff checks that DIFF is a bare unified git diff, that it only
touches --allow paths (plus --workflow), and that it does not swap secret
names or add install steps the evidence does not call for. An empty allow-list
admits every path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readInput(args[0])
			if err != nil {
				return failWith(exitUsage, err)
			}
			var evidence string
			if evidenceFile != "" {
				if evidence, err = a.readInput(evidenceFile); err != nil {
					return failWith(exitUsage, err)
				}
			}
			r, err := apply.OpenRoot(root)
			if err != nil {
				return failWith(exitUsage, err)
			}

			allowed := diffguard.NewAllowedFileSet(workflow, allow, nil)
			d, err := diffguard.Validate(cmd.Context(), diffguard.Clean(text), allowed, evidence, r)
			if err != nil {
				fmt.Fprintf(a.stdout, "%s %s\n", styles.Error.Render("rejected:"), guardName(err))
				return failWith(exitFailure, err)
			}
			touched := d.Touched()
			fmt.Fprintf(a.stdout, "%s diff accepted: %d file(s)\n", styles.Success.Render("✅"), len(touched))
			for _, p := range touched {
				fmt.Fprintf(a.stdout, "  %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "checkout the diff targets")
	cmd.Flags().StringArrayVar(&allow, "allow", nil, "path the diff may touch (repeatable)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow path, always allowed")
	cmd.Flags().StringVar(&evidenceFile, "evidence", "", "CI evidence text the stability guard reads")
	return cmd
}

// guardName names the guard that rejected a diff.
func guardName(err error) string {
	var scope *diffguard.ScopeError
	var stability *diffguard.StabilityError
	switch {
	case errors.As(err, &scope):
		return "scope"
	case errors.As(err, &stability):
		return "stability"
	default:
		return "format"
	}
}

func (a *app) policyCommand() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Run the ASCII and line-limit policy oracles over a checkout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			reports, err := policy.RunAll(cmd.Context(), root, policy.FromConfig(&cfg.Policy, policy.NewGitLister())...)
			if err != nil {
				return err
			}
			failed := false
			for i := range reports {
				style := styles.Success
				if !reports[i].Passed() {
					style = styles.Error
					failed = true
				}
				fmt.Fprintln(a.stdout, style.Render(reports[i].String()))
			}
			if failed {
				return failWith(exitFailure, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "checkout to check")
	return cmd
}
