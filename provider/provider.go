// Package provider implements one provisioner per resource kind of the static
// site graph. A provisioner computes the desired state of its node from the
// applied state of the node's dependencies, reads the live resource, and
// creates, updates or deletes it through the narrow AWS interfaces.
package provider

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Provisioner reconciles one resource kind.
//
// Read returns the live resource with its attributes in the same flat form as
// Spec.Attributes, and false when the resource does not exist. prior is the
// last applied record of the node, the zero Resource when there is none.
type Provisioner interface {
	Kind() resource.Kind
	Desired(deps map[string]state.Resource) (resource.Spec, error)
	Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error)
	Create(ctx context.Context, want resource.Spec) (state.Resource, error)
	Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error)
	Delete(ctx context.Context, prior state.Resource) error
}

// DriftTolerant is implemented by provisioners whose live resource may
// legitimately diverge from the last applied state, such as a bucket policy
// still bound to a replaced distribution. Expected drift is planned as an
// ordinary update instead of a conflict.
type DriftTolerant interface {
	ExpectedDrift(prior, live state.Resource, want resource.Spec) bool
}

// Resumer is implemented by provisioners whose Create waits for the resource
// to settle. Resume finishes that wait for a record an interrupted run left
// in state.StatusCreating, returning an *IncompleteError when it stops early
// again.
type Resumer interface {
	Resume(ctx context.Context, rec state.Resource) (state.Resource, error)
}

// Node addresses of the site graph.
const (
	AddrZone                  = "data.zone"
	AddrBucket                = "bucket.site"
	AddrPublicAccessBlock     = "bucket_public_access_block.site"
	AddrOwnershipControls     = "bucket_ownership_controls.site"
	AddrVersioning            = "bucket_versioning.site"
	AddrOriginAccessControl   = "origin_access_control.site"
	AddrCertificate           = "certificate.site"
	AddrValidationRecords     = "route53_record.validation"
	AddrCertificateValidation = "certificate_validation.site"
	AddrDistribution          = "distribution.site"
	AddrBucketPolicy          = "bucket_policy.site"
	AddrAliasRecord           = "route53_record.apex_alias"
)

// Node is one vertex of the site graph.
type Node struct {
	Address     string
	DependsOn   []string
	Provisioner Provisioner
	ReadOnly    bool // Data source, never created or deleted
	Adopt       bool // A live resource missing from state is adopted instead of reported as a conflict
}

// Options are shared by every provisioner.
type Options struct {
	Domain            string
	Region            string
	RunID             string
	ForceDestroy      bool
	AllowOverwrite    bool
	ValidationTimeout time.Duration
	PollInterval      time.Duration
	DeployTimeout     time.Duration
	Retry             Retrier
	Logger            *zap.Logger
}

// OptionsFromConfig derives provisioner options from a run configuration.
func OptionsFromConfig(cfg *config.Config, runID string, logger *zap.Logger) Options {
	return Options{
		Domain:            cfg.Domain,
		Region:            cfg.Region,
		RunID:             runID,
		ForceDestroy:      cfg.ForceDestroy,
		AllowOverwrite:    cfg.AllowOverwrite,
		ValidationTimeout: cfg.ValidationTimeout,
		PollInterval:      cfg.PollInterval,
		DeployTimeout:     config.DeployPollLimit,
		Retry:             Retrier{MaxRetries: cfg.MaxRetries},
		Logger:            logger,
	}
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) deployTimeout() time.Duration {
	if o.DeployTimeout <= 0 {
		return config.DeployPollLimit
	}
	return o.DeployTimeout
}

var nonWord = regexp.MustCompile(`[^A-Za-z0-9_]`)

// token returns an idempotency token for requests issued by this run. ACM
// accepts at most 32 word characters.
func (o Options) token() string {
	t := nonWord.ReplaceAllString(o.RunID, "")
	if t == "" {
		t = ulid.Make().String()
	}
	if len(t) > 32 {
		t = t[:32]
	}
	return t
}

// SiteNodes returns the nodes of the static site graph and their explicit
// dependencies.
func SiteNodes(clients aws.Clients, opts Options) []Node {
	return []Node{
		{
			Address:     AddrZone,
			Provisioner: &Zone{client: clients.Route53, opts: opts},
			ReadOnly:    true,
		},
		{
			Address:     AddrBucket,
			Provisioner: &Bucket{client: clients.S3, opts: opts},
		},
		{
			Address:     AddrPublicAccessBlock,
			DependsOn:   []string{AddrBucket},
			Provisioner: &PublicAccessBlock{client: clients.S3, opts: opts},
			Adopt:       true,
		},
		{
			Address:     AddrOwnershipControls,
			DependsOn:   []string{AddrBucket},
			Provisioner: &OwnershipControls{client: clients.S3, opts: opts},
			Adopt:       true,
		},
		{
			Address:     AddrVersioning,
			DependsOn:   []string{AddrBucket},
			Provisioner: &Versioning{client: clients.S3, opts: opts},
			Adopt:       true,
		},
		{
			Address:     AddrOriginAccessControl,
			Provisioner: &OriginAccessControl{client: clients.CloudFront, opts: opts},
		},
		{
			Address:     AddrCertificate,
			Provisioner: &Certificate{client: clients.ACM, opts: opts},
		},
		{
			Address:     AddrValidationRecords,
			DependsOn:   []string{AddrCertificate, AddrZone},
			Provisioner: &ValidationRecords{client: clients.Route53, opts: opts},
			Adopt:       true,
		},
		{
			Address:     AddrCertificateValidation,
			DependsOn:   []string{AddrCertificate, AddrValidationRecords},
			Provisioner: &CertificateValidation{client: clients.ACM, opts: opts},
			Adopt:       true,
		},
		{
			Address:     AddrDistribution,
			DependsOn:   []string{AddrBucket, AddrPublicAccessBlock, AddrOriginAccessControl, AddrCertificateValidation},
			Provisioner: &Distribution{client: clients.CloudFront, opts: opts},
		},
		{
			Address:     AddrBucketPolicy,
			DependsOn:   []string{AddrBucket, AddrDistribution},
			Provisioner: &BucketPolicy{client: clients.S3, opts: opts},
		},
		{
			Address:     AddrAliasRecord,
			DependsOn:   []string{AddrZone, AddrDistribution},
			Provisioner: &AliasRecord{client: clients.Route53, opts: opts},
		},
	}
}

// dependency returns the applied record of address from deps.
func dependency(deps map[string]state.Resource, address string) (state.Resource, error) {
	r, ok := deps[address]
	if !ok || !r.Exists() {
		return state.Resource{}, fmt.Errorf("%w: %s", ErrDependencyPending, address)
	}
	return r, nil
}

// specAs asserts the concrete spec type a provisioner works with.
func specAs[T resource.Spec](want resource.Spec) (T, error) {
	s, ok := want.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected spec %T, want %T", want, zero)
	}
	return s, nil
}

// record builds the state record of a resource from its spec.
func record(physicalID, arn string, want resource.Spec, outputs map[string]string) state.Resource {
	return state.Resource{
		Kind:       want.Kind(),
		PhysicalID: physicalID,
		ARN:        arn,
		Attributes: want.Attributes(),
		Outputs:    outputs,
	}
}
