// Command sitestack provisions and maintains a static website on AWS: a
// private S3 bucket served by CloudFront over HTTPS at the apex of a Route 53
// zone.
//
// Usage:
//
//	sitestack plan --domain example.org       Show what apply would change
//	sitestack apply --domain example.org      Create or update the site
//	sitestack destroy --domain example.org    Delete the site
//	sitestack output                          Print the site outputs
//	sitestack graph -f mermaid                Render the resource graph
//	sitestack history                         Show the journal of a run
//	sitestack watch --config sitestack.yaml   Re-plan when the config changes
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=...".
var version string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := newRootOptions()

	rootCmd := &cobra.Command{
		Use:   "sitestack",
		Short: "Provision a static website on S3, CloudFront and Route 53",
		Long: `sitestack reconciles the AWS resources of a static website:

    Route 53 zone lookup, private S3 bucket, CloudFront distribution with
    origin access control, DNS-validated ACM certificate, bucket policy
    and apex alias record.

Settings come from defaults, an optional YAML file (--config) and flags,
in increasing order of precedence. State is kept at --state and can be
locked with a DynamoDB table (--lock-table).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.register(rootCmd)

	rootCmd.AddCommand(
		newPlanCmd(opts),
		newApplyCmd(opts),
		newDestroyCmd(opts),
		newOutputCmd(opts),
		newGraphCmd(opts),
		newHistoryCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sitestack %s\n", getVersion())
		},
	}
}

func getVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}
