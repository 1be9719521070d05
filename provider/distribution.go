package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

const distributionDeployed = "Deployed"

func isNoSuchDistribution(err error) bool {
	var e *cftypes.NoSuchDistribution
	return errors.As(err, &e) || hasCode(err, "NoSuchDistribution")
}

// Distribution provisions the CDN distribution fronting the bucket.
type Distribution struct {
	client sitestackaws.CloudFrontClient
	opts   Options
}

var _ Resumer = (*Distribution)(nil)

func (p *Distribution) Kind() resource.Kind { return resource.KindDistribution }

// Desired requires the certificate to be issued. A distribution referencing
// a pending certificate is rejected by CloudFront.
func (p *Distribution) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	bucket, err := dependency(deps, AddrBucket)
	if err != nil {
		return nil, err
	}
	if _, err := dependency(deps, AddrPublicAccessBlock); err != nil {
		return nil, err
	}
	oac, err := dependency(deps, AddrOriginAccessControl)
	if err != nil {
		return nil, err
	}
	validation, err := dependency(deps, AddrCertificateValidation)
	if err != nil {
		return nil, err
	}
	if validation.Status != state.StatusIssued {
		return nil, fmt.Errorf("%w: certificate %s is not issued", ErrPreconditionFailed, validation.PhysicalID)
	}

	return resource.DistributionSpec{
		Aliases:               []string{p.opts.Domain},
		OriginID:              "S3-" + bucket.PhysicalID,
		OriginDomainName:      bucket.Output("regional_domain_name"),
		OriginAccessControlID: oac.PhysicalID,
		CertificateARN:        validation.PhysicalID,
		Comment:               "Static site " + p.opts.Domain,
	}, nil
}

func (p *Distribution) callerReference() string {
	return "sitestack-" + p.opts.token()
}

// buildDistributionConfig renders spec as a CloudFront configuration.
func buildDistributionConfig(spec resource.DistributionSpec, callerRef string) *cftypes.DistributionConfig {
	methods := make([]cftypes.Method, 0, len(config.AllowedMethods))
	for _, m := range config.AllowedMethods {
		methods = append(methods, cftypes.Method(m))
	}
	n := int32(len(methods))

	return &cftypes.DistributionConfig{
		CallerReference:   aws.String(callerRef),
		Comment:           aws.String(spec.Comment),
		Enabled:           aws.Bool(true),
		Aliases:           &cftypes.Aliases{Quantity: aws.Int32(int32(len(spec.Aliases))), Items: spec.Aliases},
		DefaultRootObject: aws.String(config.DefaultRootObject),
		HttpVersion:       cftypes.HttpVersion(config.HTTPVersion),
		IsIPV6Enabled:     aws.Bool(config.IPv6Enabled),
		PriceClass:        cftypes.PriceClass(config.PriceClass),
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(1),
			Items: []cftypes.Origin{{
				Id:                    aws.String(spec.OriginID),
				DomainName:            aws.String(spec.OriginDomainName),
				OriginAccessControlId: aws.String(spec.OriginAccessControlID),
				// OAC replaces the legacy origin access identity, which stays empty
				S3OriginConfig: &cftypes.S3OriginConfig{OriginAccessIdentity: aws.String("")},
			}},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String(spec.OriginID),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicy(config.ViewerProtocolPolicy),
			AllowedMethods: &cftypes.AllowedMethods{
				Quantity:      aws.Int32(n),
				Items:         methods,
				CachedMethods: &cftypes.CachedMethods{Quantity: aws.Int32(n), Items: methods},
			},
			Compress: aws.Bool(config.CompressObjects),
			ForwardedValues: &cftypes.ForwardedValues{
				QueryString: aws.Bool(config.ForwardQueryString),
				Cookies:     &cftypes.CookiePreference{Forward: cftypes.ItemSelectionNone},
			},
			MinTTL:     aws.Int64(config.MinTTL),
			DefaultTTL: aws.Int64(config.DefaultTTL),
			MaxTTL:     aws.Int64(config.MaxTTL),
		},
		CustomErrorResponses: &cftypes.CustomErrorResponses{
			Quantity: aws.Int32(1),
			Items: []cftypes.CustomErrorResponse{{
				ErrorCode:        aws.Int32(int32(config.ErrorPageCode)),
				ResponsePagePath: aws.String(config.ErrorPagePath),
				ResponseCode:     aws.String(strconv.Itoa(config.ErrorPageCode)),
			}},
		},
		Restrictions: &cftypes.Restrictions{
			GeoRestriction: &cftypes.GeoRestriction{
				RestrictionType: cftypes.GeoRestrictionTypeNone,
				Quantity:        aws.Int32(0),
			},
		},
		ViewerCertificate: &cftypes.ViewerCertificate{
			ACMCertificateArn:            aws.String(spec.CertificateARN),
			SSLSupportMethod:             cftypes.SSLSupportMethod(config.SSLSupportMethod),
			MinimumProtocolVersion:       cftypes.MinimumProtocolVersion(config.MinimumProtocolVersion),
			CloudFrontDefaultCertificate: aws.Bool(false),
		},
	}
}

// flattenDistribution maps a live configuration onto the attribute form of
// resource.DistributionSpec.
func flattenDistribution(cfg *cftypes.DistributionConfig) map[string]string {
	attrs := map[string]string{
		"comment":             aws.ToString(cfg.Comment),
		"enabled":             strconv.FormatBool(aws.ToBool(cfg.Enabled)),
		"ipv6":                strconv.FormatBool(aws.ToBool(cfg.IsIPV6Enabled)),
		"http_version":        string(cfg.HttpVersion),
		"price_class":         string(cfg.PriceClass),
		"default_root_object": aws.ToString(cfg.DefaultRootObject),
		"geo_restriction":     "none",
	}

	var aliases []string
	if cfg.Aliases != nil {
		aliases = append(aliases, cfg.Aliases.Items...)
	}
	sort.Strings(aliases)
	attrs["aliases"] = strings.Join(aliases, ",")

	attrs["origin_id"], attrs["origin_domain_name"], attrs["origin_access_control_id"] = "", "", ""
	if cfg.Origins != nil && len(cfg.Origins.Items) > 0 {
		o := cfg.Origins.Items[0]
		attrs["origin_id"] = aws.ToString(o.Id)
		attrs["origin_domain_name"] = aws.ToString(o.DomainName)
		attrs["origin_access_control_id"] = aws.ToString(o.OriginAccessControlId)
	}

	attrs["certificate_arn"], attrs["ssl_support_method"], attrs["minimum_protocol_version"] = "", "", ""
	if vc := cfg.ViewerCertificate; vc != nil {
		attrs["certificate_arn"] = aws.ToString(vc.ACMCertificateArn)
		attrs["ssl_support_method"] = string(vc.SSLSupportMethod)
		attrs["minimum_protocol_version"] = string(vc.MinimumProtocolVersion)
	}

	dcb := cfg.DefaultCacheBehavior
	if dcb == nil {
		dcb = &cftypes.DefaultCacheBehavior{}
	}
	attrs["viewer_protocol_policy"] = string(dcb.ViewerProtocolPolicy)
	attrs["compress"] = strconv.FormatBool(aws.ToBool(dcb.Compress))
	attrs["min_ttl"] = strconv.FormatInt(aws.ToInt64(dcb.MinTTL), 10)
	attrs["default_ttl"] = strconv.FormatInt(aws.ToInt64(dcb.DefaultTTL), 10)
	attrs["max_ttl"] = strconv.FormatInt(aws.ToInt64(dcb.MaxTTL), 10)
	attrs["allowed_methods"], attrs["cached_methods"] = "", ""
	if am := dcb.AllowedMethods; am != nil {
		attrs["allowed_methods"] = joinMethods(am.Items)
		if am.CachedMethods != nil {
			attrs["cached_methods"] = joinMethods(am.CachedMethods.Items)
		}
	}
	attrs["forward_query_string"], attrs["forward_cookies"] = "false", ""
	if fv := dcb.ForwardedValues; fv != nil {
		attrs["forward_query_string"] = strconv.FormatBool(aws.ToBool(fv.QueryString))
		if fv.Cookies != nil {
			attrs["forward_cookies"] = string(fv.Cookies.Forward)
		}
	}

	var responses []string
	if cfg.CustomErrorResponses != nil {
		for _, r := range cfg.CustomErrorResponses.Items {
			code, _ := strconv.Atoi(aws.ToString(r.ResponseCode))
			responses = append(responses, resource.ErrorResponseAttribute(int(aws.ToInt32(r.ErrorCode)), aws.ToString(r.ResponsePagePath), code))
		}
	}
	sort.Strings(responses)
	attrs["error_responses"] = strings.Join(responses, ",")

	if r := cfg.Restrictions; r != nil && r.GeoRestriction != nil && r.GeoRestriction.RestrictionType != "" {
		attrs["geo_restriction"] = string(r.GeoRestriction.RestrictionType)
	}
	return attrs
}

// joinMethods keeps the order of config.AllowedMethods, which CloudFront
// does not preserve.
func joinMethods(methods []cftypes.Method) string {
	rank := make(map[string]int, len(config.AllowedMethods))
	for i, m := range config.AllowedMethods {
		rank[m] = i
	}
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		out = append(out, string(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, ok := rank[out[i]]
		if !ok {
			ri = len(rank)
		}
		rj, ok := rank[out[j]]
		if !ok {
			rj = len(rank)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return strings.Join(out, ",")
}

func distributionRecord(d *cftypes.Distribution) state.Resource {
	id := aws.ToString(d.Id)
	arn := aws.ToString(d.ARN)
	var attrs map[string]string
	if d.DistributionConfig != nil {
		attrs = flattenDistribution(d.DistributionConfig)
	}
	return state.Resource{
		Kind:       resource.KindDistribution,
		PhysicalID: id,
		ARN:        arn,
		Attributes: attrs,
		Outputs: map[string]string{
			"arn":            arn,
			"domain_name":    aws.ToString(d.DomainName),
			"hosted_zone_id": config.CloudFrontHostedZoneID,
			"status":         aws.ToString(d.Status),
		},
	}
}

func (p *Distribution) get(ctx context.Context, id string) (*cloudfront.GetDistributionOutput, error) {
	return call(ctx, p.opts.Retry, "cloudfront:GetDistribution", func(ctx context.Context) (*cloudfront.GetDistributionOutput, error) {
		return p.client.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
	})
}

// Read looks the distribution up by the id recorded in state. CloudFront has
// no lookup by alias; a distribution already holding the alias surfaces as a
// conflict on Create.
func (p *Distribution) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	if prior.PhysicalID == "" {
		return state.Resource{}, false, nil
	}
	out, err := p.get(ctx, prior.PhysicalID)
	if err != nil {
		if isNoSuchDistribution(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read distribution %s: %w", prior.PhysicalID, err)
	}
	return distributionRecord(out.Distribution), true, nil
}

// Create creates the distribution and waits until it is deployed.
func (p *Distribution) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.DistributionSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	out, err := call(ctx, p.opts.Retry, "cloudfront:CreateDistribution", func(ctx context.Context) (*cloudfront.CreateDistributionOutput, error) {
		return p.client.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
			DistributionConfig: buildDistributionConfig(spec, p.callerReference()),
		})
	})
	if err != nil {
		var cname *cftypes.CNAMEAlreadyExists
		if errors.As(err, &cname) {
			return state.Resource{}, &ConflictError{Node: AddrDistribution, Reason: fmt.Sprintf("alias %s is already used by another distribution", strings.Join(spec.Aliases, ","))}
		}
		return state.Resource{}, fmt.Errorf("failed to create distribution: %w", err)
	}
	id := aws.ToString(out.Distribution.Id)
	p.opts.logger().Info("created distribution", zap.String("distribution_id", id))

	d, err := p.waitDeployed(ctx, id)
	if err != nil {
		return state.Resource{}, &IncompleteError{Record: distributionRecord(out.Distribution), Err: err}
	}
	return distributionRecord(d), nil
}

// Resume waits for a distribution created by an interrupted run to deploy.
func (p *Distribution) Resume(ctx context.Context, rec state.Resource) (state.Resource, error) {
	p.opts.logger().Info("resuming distribution deployment", zap.String("distribution_id", rec.PhysicalID))
	d, err := p.waitDeployed(ctx, rec.PhysicalID)
	if err != nil {
		return state.Resource{}, &IncompleteError{Record: rec, Err: err}
	}
	return distributionRecord(d), nil
}

// Update rewrites the configuration in place, keeping the caller reference
// CloudFront assigned at creation.
func (p *Distribution) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.DistributionSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	id := prior.PhysicalID
	current, err := p.get(ctx, id)
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to read distribution %s: %w", id, err)
	}
	callerRef := p.callerReference()
	if cfg := current.Distribution.DistributionConfig; cfg != nil && cfg.CallerReference != nil {
		callerRef = *cfg.CallerReference
	}

	updated, err := call(ctx, p.opts.Retry, "cloudfront:UpdateDistribution", func(ctx context.Context) (*cloudfront.UpdateDistributionOutput, error) {
		return p.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
			Id:                 aws.String(id),
			IfMatch:            current.ETag,
			DistributionConfig: buildDistributionConfig(spec, callerRef),
		})
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to update distribution %s: %w", id, err)
	}
	p.opts.logger().Info("updated distribution", zap.String("distribution_id", id))

	d, err := p.waitDeployed(ctx, id)
	if err != nil {
		return state.Resource{}, &IncompleteError{Record: distributionRecord(updated.Distribution), Err: err}
	}
	return distributionRecord(d), nil
}

// Delete disables the distribution, waits for the change to deploy and then
// deletes it.
func (p *Distribution) Delete(ctx context.Context, prior state.Resource) error {
	id := prior.PhysicalID
	current, err := p.get(ctx, id)
	if err != nil {
		if isNoSuchDistribution(err) {
			return nil
		}
		return fmt.Errorf("failed to read distribution %s: %w", id, err)
	}

	etag := current.ETag
	settled := aws.ToString(current.Distribution.Status) == distributionDeployed
	cfg := current.Distribution.DistributionConfig
	if cfg != nil && aws.ToBool(cfg.Enabled) {
		cfg.Enabled = aws.Bool(false)
		out, err := call(ctx, p.opts.Retry, "cloudfront:UpdateDistribution", func(ctx context.Context) (*cloudfront.UpdateDistributionOutput, error) {
			return p.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
				Id:                 aws.String(id),
				IfMatch:            etag,
				DistributionConfig: cfg,
			})
		})
		if err != nil {
			return fmt.Errorf("failed to disable distribution %s: %w", id, err)
		}
		etag = out.ETag
		settled = false
		p.opts.logger().Info("disabled distribution", zap.String("distribution_id", id))
	}

	if !settled {
		if _, err := p.waitDeployed(ctx, id); err != nil {
			return err
		}
	}

	_, err = call(ctx, p.opts.Retry, "cloudfront:DeleteDistribution", func(ctx context.Context) (*cloudfront.DeleteDistributionOutput, error) {
		return p.client.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{Id: aws.String(id), IfMatch: etag})
	})
	if err != nil && !isNoSuchDistribution(err) {
		return fmt.Errorf("failed to delete distribution %s: %w", id, err)
	}
	return nil
}

// waitDeployed polls the distribution until its status is Deployed.
func (p *Distribution) waitDeployed(ctx context.Context, id string) (*cftypes.Distribution, error) {
	var last *cftypes.Distribution
	err := Poll(ctx, p.opts.PollInterval, p.opts.deployTimeout(), func(ctx context.Context) (bool, error) {
		out, err := p.get(ctx, id)
		if err != nil {
			return false, err
		}
		last = out.Distribution
		return aws.ToString(last.Status) == distributionDeployed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed waiting for distribution %s to deploy: %w", id, err)
	}
	return last, nil
}
