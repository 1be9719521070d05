package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan whenever the config file changes",
		Long: `Watch prints a plan, then prints a new one every time the file given with
--config is written. Rapid successive writes are debounced. Watch never
applies anything.

Examples:
    sitestack watch --config sitestack.yaml
    sitestack watch --config sitestack.yaml --debounce 2s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configFile == "" {
				return fmt.Errorf("watch needs a config file (--config)")
			}
			return runWatch(cmd.Context(), cmd.OutOrStdout(), opts.configFile, debounce, func(w io.Writer) {
				replan(cmd, opts, w)
			})
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Debounce duration for rapid changes")
	return cmd
}

// runWatch calls plan once, then again after every debounced write of the
// config file at configFile, until ctx is cancelled.
func runWatch(ctx context.Context, w io.Writer, configFile string, debounce time.Duration, plan func(w io.Writer)) error {
	path, err := filepath.Abs(configFile)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Editors often replace the file instead of writing it, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	fmt.Fprintf(w, "Watching: %s\n", path)
	plan(w)

	var debounceTimer *time.Timer
	replanChan := make(chan struct{}, 1)

	fmt.Fprintln(w, "\nWatching for changes... (Ctrl+C to stop)")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case replanChan <- struct{}{}:
				default:
				}
			})

		case <-replanChan:
			fmt.Fprintf(w, "\n[%s] Change detected, planning...\n", time.Now().Format("15:04:05"))
			plan(w)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

		case <-ctx.Done():
			fmt.Fprintln(w, "\nStopping watch...")
			return nil
		}
	}
}

// replan reloads the configuration and prints a plan. Failures are printed
// and the watch goes on.
func replan(cmd *cobra.Command, opts *rootOptions, w io.Writer) {
	err := withSession(cmd, opts, func(ctx context.Context, s *session) error {
		return runPlan(ctx, w, s)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plan error: %v\n", err)
	}
}
