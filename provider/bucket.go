package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

// maxDeleteObjects is the number of keys one DeleteObjects call accepts.
const maxDeleteObjects = 1000

func isNoSuchBucket(err error) bool {
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchBucket) || errors.As(err, &notFound) || hasCode(err, "NoSuchBucket", "NotFound")
}

// Bucket provisions the private content bucket.
type Bucket struct {
	client sitestackaws.S3BucketClient
	opts   Options
}

func (p *Bucket) Kind() resource.Kind { return resource.KindBucket }

func (p *Bucket) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	return resource.BucketSpec{Name: p.opts.Domain, Region: p.opts.Region}, nil
}

func bucketRecord(spec resource.BucketSpec) state.Resource {
	arn := resource.BucketARN(resource.Partition(spec.Region), spec.Name)
	return record(spec.Name, arn, spec, map[string]string{
		"arn":                  arn,
		"regional_domain_name": spec.RegionalDomainName(),
	})
}

func (p *Bucket) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.BucketSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	out, err := call(ctx, p.opts.Retry, "s3:HeadBucket", func(ctx context.Context) (*s3.HeadBucketOutput, error) {
		return p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(spec.Name)})
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return state.Resource{}, false, nil
		}
		if hasCode(err, "Forbidden", "AccessDenied") {
			return state.Resource{}, false, &ConflictError{Node: AddrBucket, Reason: fmt.Sprintf("bucket %s exists but is not accessible to this account", spec.Name)}
		}
		return state.Resource{}, false, fmt.Errorf("failed to read bucket %s: %w", spec.Name, err)
	}

	live := spec
	if region := aws.ToString(out.BucketRegion); region != "" {
		live.Region = region
	}
	return bucketRecord(live), true, nil
}

// Create creates the bucket. A bucket that already exists is only adopted
// when overwriting is allowed.
func (p *Bucket) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.BucketSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(spec.Name)}
	// us-east-1 rejects an explicit location constraint
	if spec.Region != "" && spec.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(spec.Region),
		}
	}

	_, err = call(ctx, p.opts.Retry, "s3:CreateBucket", func(ctx context.Context) (*s3.CreateBucketOutput, error) {
		return p.client.CreateBucket(ctx, input)
	})
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		switch {
		case errors.As(err, &owned):
			if !p.opts.AllowOverwrite {
				return state.Resource{}, &ConflictError{Node: AddrBucket, Reason: fmt.Sprintf("bucket %s already exists and is not managed by this state", spec.Name)}
			}
			p.opts.logger().Warn("adopting existing bucket", zap.String("bucket", spec.Name))
		case errors.As(err, &exists):
			return state.Resource{}, &ConflictError{Node: AddrBucket, Reason: fmt.Sprintf("bucket name %s is owned by another account", spec.Name)}
		default:
			return state.Resource{}, fmt.Errorf("failed to create bucket %s: %w", spec.Name, err)
		}
	}
	return bucketRecord(spec), nil
}

// Update has nothing to change: every bucket attribute forces replacement.
func (p *Bucket) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.BucketSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	return bucketRecord(spec), nil
}

// Delete removes the bucket. With ForceDestroy every object version and
// delete marker is removed first; otherwise a non-empty bucket is an error.
func (p *Bucket) Delete(ctx context.Context, prior state.Resource) error {
	name := prior.PhysicalID
	if p.opts.ForceDestroy {
		if err := p.empty(ctx, name); err != nil {
			if isNoSuchBucket(err) {
				return nil
			}
			return err
		}
	}

	_, err := call(ctx, p.opts.Retry, "s3:DeleteBucket", func(ctx context.Context) (*s3.DeleteBucketOutput, error) {
		return p.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return nil
		}
		if hasCode(err, "BucketNotEmpty") {
			return fmt.Errorf("bucket %s is not empty; set force_destroy to delete it with its contents", name)
		}
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

// empty deletes every object version and delete marker of the bucket.
func (p *Bucket) empty(ctx context.Context, name string) error {
	input := &s3.ListObjectVersionsInput{Bucket: aws.String(name)}
	deleted := 0
	for {
		out, err := call(ctx, p.opts.Retry, "s3:ListObjectVersions", func(ctx context.Context) (*s3.ListObjectVersionsOutput, error) {
			return p.client.ListObjectVersions(ctx, input)
		})
		if err != nil {
			return fmt.Errorf("failed to list object versions of %s: %w", name, err)
		}

		ids := make([]s3types.ObjectIdentifier, 0, len(out.Versions)+len(out.DeleteMarkers))
		for _, v := range out.Versions {
			ids = append(ids, s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range out.DeleteMarkers {
			ids = append(ids, s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		for i := 0; i < len(ids); i += maxDeleteObjects {
			end := min(i+maxDeleteObjects, len(ids))
			batch := ids[i:end]
			res, err := call(ctx, p.opts.Retry, "s3:DeleteObjects", func(ctx context.Context) (*s3.DeleteObjectsOutput, error) {
				return p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(name),
					Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
				})
			})
			if err != nil {
				return fmt.Errorf("failed to delete objects of %s: %w", name, err)
			}
			if len(res.Errors) > 0 {
				e := res.Errors[0]
				return fmt.Errorf("failed to delete %s (version %s) from %s: %s", aws.ToString(e.Key), aws.ToString(e.VersionId), name, aws.ToString(e.Message))
			}
			deleted += len(batch)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
	p.opts.logger().Info("emptied bucket", zap.String("bucket", name), zap.Int("versions", deleted))
	return nil
}

// PublicAccessBlock blocks all public access to the bucket. The four flags
// are always set to true.
type PublicAccessBlock struct {
	client sitestackaws.S3BucketClient
	opts   Options
}

func (p *PublicAccessBlock) Kind() resource.Kind { return resource.KindPublicAccessBlock }

func (p *PublicAccessBlock) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	b, err := dependency(deps, AddrBucket)
	if err != nil {
		return nil, err
	}
	return resource.PublicAccessBlockSpec{Bucket: b.PhysicalID}, nil
}

func (p *PublicAccessBlock) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.PublicAccessBlockSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	out, err := call(ctx, p.opts.Retry, "s3:GetPublicAccessBlock", func(ctx context.Context) (*s3.GetPublicAccessBlockOutput, error) {
		return p.client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(spec.Bucket)})
	})
	if err != nil {
		if isNoSuchBucket(err) || hasCode(err, "NoSuchPublicAccessBlockConfiguration") {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read public access block of %s: %w", spec.Bucket, err)
	}

	cfg := out.PublicAccessBlockConfiguration
	if cfg == nil {
		cfg = &s3types.PublicAccessBlockConfiguration{}
	}
	return state.Resource{
		Kind:       resource.KindPublicAccessBlock,
		PhysicalID: spec.Bucket,
		Attributes: map[string]string{
			"bucket":                  spec.Bucket,
			"block_public_acls":       strconv.FormatBool(aws.ToBool(cfg.BlockPublicAcls)),
			"block_public_policy":     strconv.FormatBool(aws.ToBool(cfg.BlockPublicPolicy)),
			"ignore_public_acls":      strconv.FormatBool(aws.ToBool(cfg.IgnorePublicAcls)),
			"restrict_public_buckets": strconv.FormatBool(aws.ToBool(cfg.RestrictPublicBuckets)),
		},
	}, true, nil
}

func (p *PublicAccessBlock) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.PublicAccessBlockSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	_, err = call(ctx, p.opts.Retry, "s3:PutPublicAccessBlock", func(ctx context.Context) (*s3.PutPublicAccessBlockOutput, error) {
		return p.client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: aws.String(spec.Bucket),
			PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		})
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to block public access to %s: %w", spec.Bucket, err)
	}
	return record(spec.Bucket, "", spec, nil), nil
}

func (p *PublicAccessBlock) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return p.Create(ctx, want)
}

func (p *PublicAccessBlock) Delete(ctx context.Context, prior state.Resource) error {
	_, err := call(ctx, p.opts.Retry, "s3:DeletePublicAccessBlock", func(ctx context.Context) (*s3.DeletePublicAccessBlockOutput, error) {
		return p.client.DeletePublicAccessBlock(ctx, &s3.DeletePublicAccessBlockInput{Bucket: aws.String(prior.PhysicalID)})
	})
	if err != nil && !isNoSuchBucket(err) {
		return fmt.Errorf("failed to delete public access block of %s: %w", prior.PhysicalID, err)
	}
	return nil
}

// OwnershipControls pins object ownership to the bucket owner.
type OwnershipControls struct {
	client sitestackaws.S3BucketClient
	opts   Options
}

func (p *OwnershipControls) Kind() resource.Kind { return resource.KindOwnershipControls }

func (p *OwnershipControls) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	b, err := dependency(deps, AddrBucket)
	if err != nil {
		return nil, err
	}
	return resource.OwnershipControlsSpec{Bucket: b.PhysicalID}, nil
}

func (p *OwnershipControls) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.OwnershipControlsSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	out, err := call(ctx, p.opts.Retry, "s3:GetBucketOwnershipControls", func(ctx context.Context) (*s3.GetBucketOwnershipControlsOutput, error) {
		return p.client.GetBucketOwnershipControls(ctx, &s3.GetBucketOwnershipControlsInput{Bucket: aws.String(spec.Bucket)})
	})
	if err != nil {
		if isNoSuchBucket(err) || hasCode(err, "OwnershipControlsNotFoundError") {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read ownership controls of %s: %w", spec.Bucket, err)
	}

	ownership := ""
	if out.OwnershipControls != nil && len(out.OwnershipControls.Rules) > 0 {
		ownership = string(out.OwnershipControls.Rules[0].ObjectOwnership)
	}
	return state.Resource{
		Kind:       resource.KindOwnershipControls,
		PhysicalID: spec.Bucket,
		Attributes: map[string]string{"bucket": spec.Bucket, "object_ownership": ownership},
	}, true, nil
}

func (p *OwnershipControls) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.OwnershipControlsSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	_, err = call(ctx, p.opts.Retry, "s3:PutBucketOwnershipControls", func(ctx context.Context) (*s3.PutBucketOwnershipControlsOutput, error) {
		return p.client.PutBucketOwnershipControls(ctx, &s3.PutBucketOwnershipControlsInput{
			Bucket: aws.String(spec.Bucket),
			OwnershipControls: &s3types.OwnershipControls{
				Rules: []s3types.OwnershipControlsRule{{ObjectOwnership: s3types.ObjectOwnership(config.ObjectOwnership)}},
			},
		})
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to set ownership controls of %s: %w", spec.Bucket, err)
	}
	return record(spec.Bucket, "", spec, nil), nil
}

func (p *OwnershipControls) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return p.Create(ctx, want)
}

func (p *OwnershipControls) Delete(ctx context.Context, prior state.Resource) error {
	_, err := call(ctx, p.opts.Retry, "s3:DeleteBucketOwnershipControls", func(ctx context.Context) (*s3.DeleteBucketOwnershipControlsOutput, error) {
		return p.client.DeleteBucketOwnershipControls(ctx, &s3.DeleteBucketOwnershipControlsInput{Bucket: aws.String(prior.PhysicalID)})
	})
	if err != nil && !isNoSuchBucket(err) {
		return fmt.Errorf("failed to delete ownership controls of %s: %w", prior.PhysicalID, err)
	}
	return nil
}

// Versioning keeps every object version. Deleting it suspends versioning,
// since S3 cannot turn it off once enabled.
type Versioning struct {
	client sitestackaws.S3BucketClient
	opts   Options
}

func (p *Versioning) Kind() resource.Kind { return resource.KindVersioning }

func (p *Versioning) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	b, err := dependency(deps, AddrBucket)
	if err != nil {
		return nil, err
	}
	return resource.VersioningSpec{Bucket: b.PhysicalID}, nil
}

func (p *Versioning) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.VersioningSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	out, err := call(ctx, p.opts.Retry, "s3:GetBucketVersioning", func(ctx context.Context) (*s3.GetBucketVersioningOutput, error) {
		return p.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(spec.Bucket)})
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read versioning of %s: %w", spec.Bucket, err)
	}
	// A bucket that never had versioning reports no status
	if out.Status == "" {
		return state.Resource{}, false, nil
	}
	return state.Resource{
		Kind:       resource.KindVersioning,
		PhysicalID: spec.Bucket,
		Attributes: map[string]string{"bucket": spec.Bucket, "status": string(out.Status)},
	}, true, nil
}

func (p *Versioning) put(ctx context.Context, bucket string, status s3types.BucketVersioningStatus) error {
	_, err := call(ctx, p.opts.Retry, "s3:PutBucketVersioning", func(ctx context.Context) (*s3.PutBucketVersioningOutput, error) {
		return p.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
			Bucket:                  aws.String(bucket),
			VersioningConfiguration: &s3types.VersioningConfiguration{Status: status},
		})
	})
	return err
}

func (p *Versioning) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.VersioningSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	if err := p.put(ctx, spec.Bucket, s3types.BucketVersioningStatusEnabled); err != nil {
		return state.Resource{}, fmt.Errorf("failed to enable versioning of %s: %w", spec.Bucket, err)
	}
	return record(spec.Bucket, "", spec, nil), nil
}

func (p *Versioning) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return p.Create(ctx, want)
}

func (p *Versioning) Delete(ctx context.Context, prior state.Resource) error {
	if err := p.put(ctx, prior.PhysicalID, s3types.BucketVersioningStatusSuspended); err != nil && !isNoSuchBucket(err) {
		return fmt.Errorf("failed to suspend versioning of %s: %w", prior.PhysicalID, err)
	}
	return nil
}
