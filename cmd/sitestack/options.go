package main

import (
	"fmt"

	"github.com/gurre/sitestack/config"
	"github.com/spf13/cobra"
)

// rootOptions holds the global flags. Flag values are parsed into flags and
// only copied onto the final configuration when they were set explicitly,
// so that a config file can sit between the defaults and the flags.
type rootOptions struct {
	configFile string
	flags      *config.Config
}

func newRootOptions() *rootOptions {
	return &rootOptions{flags: config.Default()}
}

func (o *rootOptions) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	d := o.flags

	f.StringVar(&o.configFile, "config", "", "YAML configuration file")
	f.StringVar(&d.Domain, "domain", d.Domain, "Apex domain of the site")
	f.StringVar(&d.Region, "region", d.Region, "AWS region of the bucket and state backend")
	f.StringVar(&d.StateURI, "state", d.StateURI, "State location (s3://bucket/key or file:///path)")
	f.StringVar(&d.LockTable, "lock-table", d.LockTable, "DynamoDB table used to lock the state")
	f.StringVar(&d.JournalURI, "journal", d.JournalURI, "S3 prefix for run journals (s3://bucket/prefix)")
	f.StringVar(&d.ReportS3URI, "report", d.ReportS3URI, "S3 URI for the run report")
	f.IntVar(&d.MaxParallel, "parallel", d.MaxParallel, "Maximum number of resources reconciled concurrently")
	f.IntVar(&d.MaxRetries, "retries", d.MaxRetries, "Retries for throttled or unavailable provider calls")
	f.DurationVar(&d.ValidationTimeout, "validation-timeout", d.ValidationTimeout, "Maximum wait for certificate validation")
	f.DurationVar(&d.PollInterval, "poll-interval", d.PollInterval, "Interval between provider status polls")
	f.BoolVar(&d.ForceDestroy, "force-destroy", d.ForceDestroy, "Empty the bucket when destroying the site")
	f.BoolVar(&d.AllowOverwrite, "allow-overwrite", d.AllowOverwrite, "Overwrite changes made outside sitestack")
	f.BoolVar(&d.SkipPreflight, "skip-preflight", d.SkipPreflight, "Skip the IAM permission check")
	f.StringVar(&d.LogLevel, "log-level", d.LogLevel, "Log level (debug|info|warn|error)")
	f.StringVar(&d.LogFormat, "log-format", d.LogFormat, "Log format (json|console)")
}

// bindings copy one flag value from src to dst.
var bindings = map[string]func(dst, src *config.Config){
	"domain":             func(dst, src *config.Config) { dst.Domain = src.Domain },
	"region":             func(dst, src *config.Config) { dst.Region = src.Region },
	"state":              func(dst, src *config.Config) { dst.StateURI = src.StateURI },
	"lock-table":         func(dst, src *config.Config) { dst.LockTable = src.LockTable },
	"journal":            func(dst, src *config.Config) { dst.JournalURI = src.JournalURI },
	"report":             func(dst, src *config.Config) { dst.ReportS3URI = src.ReportS3URI },
	"parallel":           func(dst, src *config.Config) { dst.MaxParallel = src.MaxParallel },
	"retries":            func(dst, src *config.Config) { dst.MaxRetries = src.MaxRetries },
	"validation-timeout": func(dst, src *config.Config) { dst.ValidationTimeout = src.ValidationTimeout },
	"poll-interval":      func(dst, src *config.Config) { dst.PollInterval = src.PollInterval },
	"force-destroy":      func(dst, src *config.Config) { dst.ForceDestroy = src.ForceDestroy },
	"allow-overwrite":    func(dst, src *config.Config) { dst.AllowOverwrite = src.AllowOverwrite },
	"skip-preflight":     func(dst, src *config.Config) { dst.SkipPreflight = src.SkipPreflight },
	"log-level":          func(dst, src *config.Config) { dst.LogLevel = src.LogLevel },
	"log-format":         func(dst, src *config.Config) { dst.LogFormat = src.LogFormat },
}

// load builds the configuration of a command: defaults, then the config
// file, then the flags set on the command line.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	for name, apply := range bindings {
		if flags.Changed(name) {
			apply(cfg, o.flags)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
