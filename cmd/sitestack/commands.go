package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
	"github.com/gurre/sitestack/reconciler"
	"github.com/spf13/cobra"
)

// withSession loads the configuration, opens a session and runs fn with it.
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, s *session) error) error {
	cfg, err := opts.load(cmd)
	if err != nil {
		return err
	}
	s, err := newSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(cmd.Context(), s)
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes apply would make",
		Long: `Plan refreshes every resource of the site and prints what apply would do,
without changing the account or the state.

Resources changed outside sitestack, or existing resources it does not
manage yet, are listed as conflicts and make the command fail.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				return runPlan(ctx, cmd.OutOrStdout(), s)
			})
		},
	}
}

func runPlan(ctx context.Context, w io.Writer, s *session) error {
	r, err := s.reconciler()
	if err != nil {
		return err
	}
	plan, err := r.Plan(ctx)
	if err != nil {
		return fmt.Errorf("plan failed: %w", err)
	}
	fmt.Fprintln(w, plan.String())
	if n := len(plan.Conflicts()); n > 0 {
		return fmt.Errorf("%d resources conflict with the desired state, review them or rerun with --allow-overwrite", n)
	}
	return nil
}

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Create or update the site",
		Long: `Apply reconciles the account with the desired state of the site.

The state is locked for the whole run and saved after every resource, so an
interrupted or failed apply can simply be run again. Certificate validation
can take several minutes; Ctrl+C stops the wait and leaves the validation
records in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				r, err := s.reconciler()
				if err != nil {
					return err
				}
				res, err := r.Apply(ctx)
				w := cmd.OutOrStdout()
				printResult(w, res)
				if err != nil {
					return fmt.Errorf("apply failed: %w", err)
				}
				printOutputs(w, res.Outputs)
				return nil
			})
		},
	}
}

func newDestroyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource of the site",
		Long: `Destroy deletes the resources recorded in the state, dependents first.

The hosted zone is never deleted. A bucket that still holds objects is only
deleted with --force-destroy, which removes every object version first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				r, err := s.reconciler()
				if err != nil {
					return err
				}
				res, err := r.Destroy(ctx)
				printResult(cmd.OutOrStdout(), res)
				if err != nil {
					return fmt.Errorf("destroy failed: %w", err)
				}
				return nil
			})
		},
	}
}

func newOutputCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "output",
		Short: "Print the site outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				r, err := s.reconciler()
				if err != nil {
					return err
				}
				out, err := r.Outputs(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					data, err := json.MarshalIndent(out, "", "  ")
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(data))
					return err
				}
				printOutputs(w, out)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the outputs as a JSON object")
	return cmd
}

// printResult lists the mutating changes of a run followed by its report.
func printResult(w io.Writer, res reconciler.Result) {
	for _, c := range res.Changes {
		if c.Action.Mutates() {
			fmt.Fprintf(w, "  %s\n", c.String())
		}
	}
	fmt.Fprintln(w, res.Report.String())
}

func printOutputs(w io.Writer, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "\nOutputs:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, outputs[k])
	}
}
