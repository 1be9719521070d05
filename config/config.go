// Package config holds the settings of a sitestack run: the one desired-state
// input (the domain) plus the knobs that control how the reconciler talks to
// AWS and where it keeps its state. Values come from defaults, an optional
// YAML file and command-line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDomain is the documented default for the domain input.
const DefaultDomain = "example.org"

// DefaultStateFile is the file name used for the state snapshot when no
// state URI is given.
const DefaultStateFile = "sitestack.state.json"

// Config holds all configuration for a reconciliation run.
type Config struct {
	Domain            string        `yaml:"domain"`             // Apex domain of the site, also the bucket name
	Region            string        `yaml:"region"`             // Region for the bucket and the state backend
	StateURI          string        `yaml:"state_uri"`          // s3://bucket/key or file:///abs/path of the snapshot
	LockTable         string        `yaml:"lock_table"`         // DynamoDB table for the state lock (optional)
	JournalURI        string        `yaml:"journal_uri"`        // s3://bucket/prefix for run journals (optional)
	ReportS3URI       string        `yaml:"report_uri"`         // s3://bucket/key for the run report (optional)
	MaxParallel       int           `yaml:"max_parallel"`       // Maximum number of nodes reconciled concurrently
	MaxRetries        int           `yaml:"max_retries"`        // Retry budget for transient provider errors
	ValidationTimeout time.Duration `yaml:"validation_timeout"` // Upper bound on waiting for certificate issuance
	PollInterval      time.Duration `yaml:"poll_interval"`      // Interval between provider status polls
	ForceDestroy      bool          `yaml:"force_destroy"`      // Allow deleting a non-empty bucket with its contents
	AllowOverwrite    bool          `yaml:"allow_overwrite"`    // Overwrite out-of-band changes instead of failing
	SkipPreflight     bool          `yaml:"skip_preflight"`     // Skip the IAM permission simulation
	LogLevel          string        `yaml:"log_level"`          // debug|info|warn|error
	LogFormat         string        `yaml:"log_format"`         // json|console
}

// Default returns a Config populated with default values. The state URI
// points at DefaultStateFile in the working directory.
func Default() *Config {
	stateURI := "file://" + DefaultStateFile
	if wd, err := os.Getwd(); err == nil {
		stateURI = "file://" + filepath.Join(wd, DefaultStateFile)
	}
	return &Config{
		Domain:            DefaultDomain,
		Region:            "us-east-1",
		StateURI:          stateURI,
		MaxParallel:       4,
		MaxRetries:        5,
		ValidationTimeout: 45 * time.Minute,
		PollInterval:      10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// LoadFile overlays the YAML document at path onto c. Keys that do not map to
// a Config field are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.LoadYAML(data)
}

// LoadYAML overlays a YAML document onto c.
func (c *Config) LoadYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// Validate checks every field and normalises the state URI. A relative file
// path is resolved against the working directory.
func (c *Config) Validate() error {
	c.Domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(c.Domain)), ".")
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if err := ValidateDomain(c.Domain); err != nil {
		return err
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	stateURI, err := normaliseStateURI(c.StateURI)
	if err != nil {
		return err
	}
	c.StateURI = stateURI

	if c.JournalURI != "" && !strings.HasPrefix(c.JournalURI, "s3://") {
		return fmt.Errorf("journal URI must start with s3://")
	}

	if c.ReportS3URI != "" && !strings.HasPrefix(c.ReportS3URI, "s3://") {
		return fmt.Errorf("report S3 URI must start with s3://")
	}

	if c.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1")
	}

	if c.MaxRetries < 0 || c.MaxRetries > 20 {
		return fmt.Errorf("max retries must be between 0 and 20")
	}

	if c.ValidationTimeout < time.Minute {
		return fmt.Errorf("validation timeout must be at least 1 minute")
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.PollInterval >= c.ValidationTimeout {
		return fmt.Errorf("poll interval must be shorter than the validation timeout")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

// SiteURL is the public URL of the site.
func (c *Config) SiteURL() string {
	return "https://" + c.Domain
}

// ValidateDomain checks that domain is usable both as a DNS apex name and as
// an S3 bucket name.
func ValidateDomain(domain string) error {
	if len(domain) > 63 {
		return fmt.Errorf("domain %q is longer than 63 characters and cannot be used as a bucket name", domain)
	}
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("domain %q must have at least two labels", domain)
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("domain %q has an empty or oversized label", domain)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("domain %q has a label starting or ending with a hyphen", domain)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return fmt.Errorf("domain %q contains invalid character %q", domain, r)
			}
		}
	}
	return nil
}

func normaliseStateURI(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("state URI is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid state URI: %w", err)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
			return "", fmt.Errorf("state URI must be s3://bucket/key")
		}
		return uri, nil
	case "file":
		// file://relative/path parses the first segment as host.
		path := u.Host + u.Path
		if path == "" {
			return "", fmt.Errorf("state URI must name a file")
		}
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("failed to resolve state path: %w", err)
			}
			path = abs
		}
		return "file://" + path, nil
	default:
		return "", fmt.Errorf("state URI must use s3 or file scheme")
	}
}
