package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gurre/s3streamer"
	"github.com/gurre/sitestack/journal"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var showAPI bool

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show the journal of a run",
		Long: `History streams the journal of a run back from --journal and prints every
resource event followed by a summary. Without a run id the last run recorded
in the state is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if s.cfg.JournalURI == "" {
					return fmt.Errorf("history needs a journal location (--journal)")
				}
				runID := ""
				if len(args) == 1 {
					runID = args[0]
				} else {
					snap, err := s.store.Load(ctx)
					if err != nil {
						return fmt.Errorf("failed to load state: %w", err)
					}
					runID = snap.LastRunID
				}
				if runID == "" {
					return fmt.Errorf("no run recorded in the state, pass a run id")
				}
				return runHistory(ctx, cmd.OutOrStdout(), s3streamer.NewS3Streamer(s.s3), s.cfg.JournalURI, runID, showAPI)
			})
		},
	}

	cmd.Flags().BoolVar(&showAPI, "api", false, "Include individual mutating API calls")
	return cmd
}

func runHistory(ctx context.Context, w io.Writer, streamer s3streamer.Streamer, prefixURI, runID string, showAPI bool) error {
	var events []journal.Event
	err := journal.Read(ctx, streamer, prefixURI, runID, func(e journal.Event) error {
		events = append(events, e)
		if e.Kind == journal.KindAPI && !showAPI {
			return nil
		}
		printEvent(w, e)
		return nil
	})
	if err != nil {
		return err
	}

	sum := journal.Summarize(events)
	outcome := "succeeded"
	if sum.Failed {
		outcome = "failed"
	}
	fmt.Fprintf(w, "\nRun %s %s: %d resources, %d mutating calls, %s\n",
		sum.RunID, outcome, len(sum.Nodes), sum.Mutations, sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	return nil
}

func printEvent(w io.Writer, e journal.Event) {
	subject := e.Node
	if e.Kind == journal.KindAPI {
		subject = "api"
	}
	fmt.Fprintf(w, "%s  %-36s %-8s %-8s", e.Time.Format(time.RFC3339), subject, e.Action, e.Outcome)
	if e.DurationMS > 0 {
		fmt.Fprintf(w, " %6dms", e.DurationMS)
	}
	if e.Error != "" {
		fmt.Fprintf(w, "  %s", e.Error)
	}
	fmt.Fprintln(w)
}
