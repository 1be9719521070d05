package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

// BucketPolicy binds the bucket to the distribution: only requests CloudFront
// signs on behalf of the current distribution may read objects.
type BucketPolicy struct {
	client sitestackaws.S3BucketClient
	opts   Options
}

var _ DriftTolerant = (*BucketPolicy)(nil)

func (p *BucketPolicy) Kind() resource.Kind { return resource.KindBucketPolicy }

func (p *BucketPolicy) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	bucket, err := dependency(deps, AddrBucket)
	if err != nil {
		return nil, err
	}
	dist, err := dependency(deps, AddrDistribution)
	if err != nil {
		return nil, err
	}
	return resource.BucketPolicySpec{
		Bucket:          bucket.PhysicalID,
		Partition:       resource.Partition(p.opts.Region),
		DistributionARN: dist.ARN,
	}, nil
}

func policyRecord(bucket, canonical string) state.Resource {
	return state.Resource{
		Kind:       resource.KindBucketPolicy,
		PhysicalID: bucket,
		Attributes: map[string]string{"bucket": bucket, "policy": canonical},
		Outputs:    map[string]string{"source_arns": strings.Join(resource.PolicySourceARNs(canonical), ",")},
	}
}

func (p *BucketPolicy) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.BucketPolicySpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	out, err := call(ctx, p.opts.Retry, "s3:GetBucketPolicy", func(ctx context.Context) (*s3.GetBucketPolicyOutput, error) {
		return p.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(spec.Bucket)})
	})
	if err != nil {
		if hasCode(err, "NoSuchBucketPolicy") || isNoSuchBucket(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read policy of bucket %s: %w", spec.Bucket, err)
	}
	canonical, err := resource.CanonicalizePolicyJSON(aws.ToString(out.Policy))
	if err != nil {
		return state.Resource{}, false, err
	}
	return policyRecord(spec.Bucket, canonical), true, nil
}

// ExpectedDrift reports whether the live policy is the site policy bound to
// a distribution other than the desired one. That is what a replaced
// distribution leaves behind, and it is rebound rather than reported.
func (p *BucketPolicy) ExpectedDrift(prior, live state.Resource, want resource.Spec) bool {
	spec, ok := want.(resource.BucketPolicySpec)
	if !ok {
		return false
	}
	for _, arn := range resource.PolicySourceARNs(live.Attributes["policy"]) {
		if arn == spec.DistributionARN {
			continue
		}
		stale := resource.BucketPolicySpec{Bucket: spec.Bucket, DistributionARN: arn}
		if stale.Attributes()["policy"] == live.Attributes["policy"] {
			return true
		}
	}
	return false
}

func (p *BucketPolicy) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.BucketPolicySpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	doc, err := spec.Document()
	if err != nil {
		return state.Resource{}, err
	}
	_, err = call(ctx, p.opts.Retry, "s3:PutBucketPolicy", func(ctx context.Context) (*s3.PutBucketPolicyOutput, error) {
		return p.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{Bucket: aws.String(spec.Bucket), Policy: aws.String(doc)})
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to put policy of bucket %s: %w", spec.Bucket, err)
	}
	return policyRecord(spec.Bucket, doc), nil
}

// Update rebinds the policy, typically to a replaced distribution.
func (p *BucketPolicy) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.BucketPolicySpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	if was := prior.Output("source_arns"); was != "" && was != spec.DistributionARN {
		p.opts.logger().Info("rebinding bucket policy",
			zap.String("bucket", spec.Bucket),
			zap.String("from", was),
			zap.String("to", spec.DistributionARN))
	}
	return p.Create(ctx, want)
}

func (p *BucketPolicy) Delete(ctx context.Context, prior state.Resource) error {
	bucket := prior.PhysicalID
	_, err := call(ctx, p.opts.Retry, "s3:DeleteBucketPolicy", func(ctx context.Context) (*s3.DeleteBucketPolicyOutput, error) {
		return p.client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(bucket)})
	})
	if err != nil && !isNoSuchBucket(err) && !hasCode(err, "NoSuchBucketPolicy") {
		return fmt.Errorf("failed to delete policy of bucket %s: %w", bucket, err)
	}
	return nil
}
