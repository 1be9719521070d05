package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
)

// OriginAccessControl provisions the signing configuration the distribution
// uses to read the private bucket.
type OriginAccessControl struct {
	client sitestackaws.CloudFrontClient
	opts   Options
}

func (p *OriginAccessControl) Kind() resource.Kind { return resource.KindOriginAccessControl }

func (p *OriginAccessControl) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	return resource.OriginAccessControlSpec{
		Name:        resource.OriginAccessControlName(p.opts.Domain),
		Description: "Origin access control for " + p.opts.Domain,
	}, nil
}

func isNoSuchOAC(err error) bool {
	var e *cftypes.NoSuchOriginAccessControl
	return errors.As(err, &e) || hasCode(err, "NoSuchOriginAccessControl")
}

func oacRecord(id string, cfg *cftypes.OriginAccessControlConfig) state.Resource {
	spec := resource.OriginAccessControlSpec{Name: aws.ToString(cfg.Name), Description: aws.ToString(cfg.Description)}
	attrs := spec.Attributes()
	attrs["origin_type"] = string(cfg.OriginAccessControlOriginType)
	attrs["signing_behavior"] = string(cfg.SigningBehavior)
	attrs["signing_protocol"] = string(cfg.SigningProtocol)
	return state.Resource{
		Kind:       resource.KindOriginAccessControl,
		PhysicalID: id,
		Attributes: attrs,
		Outputs:    map[string]string{"id": id},
	}
}

func oacConfig(spec resource.OriginAccessControlSpec) *cftypes.OriginAccessControlConfig {
	return &cftypes.OriginAccessControlConfig{
		Name:                          aws.String(spec.Name),
		Description:                   aws.String(spec.Description),
		OriginAccessControlOriginType: cftypes.OriginAccessControlOriginTypesS3,
		SigningBehavior:               cftypes.OriginAccessControlSigningBehaviorsAlways,
		SigningProtocol:               cftypes.OriginAccessControlSigningProtocolsSigv4,
	}
}

// Read looks the OAC up by the id recorded in state, or by name when there
// is no record.
func (p *OriginAccessControl) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.OriginAccessControlSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}

	id := prior.PhysicalID
	if id == "" {
		found, err := p.findByName(ctx, spec.Name)
		if err != nil {
			return state.Resource{}, false, err
		}
		if found == "" {
			return state.Resource{}, false, nil
		}
		id = found
	}

	out, err := p.get(ctx, id)
	if err != nil {
		if isNoSuchOAC(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read origin access control %s: %w", id, err)
	}
	return oacRecord(id, out.OriginAccessControl.OriginAccessControlConfig), true, nil
}

func (p *OriginAccessControl) get(ctx context.Context, id string) (*cloudfront.GetOriginAccessControlOutput, error) {
	return call(ctx, p.opts.Retry, "cloudfront:GetOriginAccessControl", func(ctx context.Context) (*cloudfront.GetOriginAccessControlOutput, error) {
		return p.client.GetOriginAccessControl(ctx, &cloudfront.GetOriginAccessControlInput{Id: aws.String(id)})
	})
}

func (p *OriginAccessControl) findByName(ctx context.Context, name string) (string, error) {
	input := &cloudfront.ListOriginAccessControlsInput{}
	for {
		out, err := call(ctx, p.opts.Retry, "cloudfront:ListOriginAccessControls", func(ctx context.Context) (*cloudfront.ListOriginAccessControlsOutput, error) {
			return p.client.ListOriginAccessControls(ctx, input)
		})
		if err != nil {
			return "", fmt.Errorf("failed to list origin access controls: %w", err)
		}
		list := out.OriginAccessControlList
		if list == nil {
			return "", nil
		}
		for _, item := range list.Items {
			if aws.ToString(item.Name) == name {
				return aws.ToString(item.Id), nil
			}
		}
		if !aws.ToBool(list.IsTruncated) || list.NextMarker == nil {
			return "", nil
		}
		input.Marker = list.NextMarker
	}
}

func (p *OriginAccessControl) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.OriginAccessControlSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	out, err := call(ctx, p.opts.Retry, "cloudfront:CreateOriginAccessControl", func(ctx context.Context) (*cloudfront.CreateOriginAccessControlOutput, error) {
		return p.client.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
			OriginAccessControlConfig: oacConfig(spec),
		})
	})
	if err != nil {
		var exists *cftypes.OriginAccessControlAlreadyExists
		if errors.As(err, &exists) {
			return state.Resource{}, &ConflictError{Node: AddrOriginAccessControl, Reason: fmt.Sprintf("origin access control %s already exists and is not managed by this state", spec.Name)}
		}
		return state.Resource{}, fmt.Errorf("failed to create origin access control %s: %w", spec.Name, err)
	}
	oac := out.OriginAccessControl
	return oacRecord(aws.ToString(oac.Id), oac.OriginAccessControlConfig), nil
}

func (p *OriginAccessControl) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.OriginAccessControlSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	current, err := p.get(ctx, prior.PhysicalID)
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to read origin access control %s: %w", prior.PhysicalID, err)
	}
	out, err := call(ctx, p.opts.Retry, "cloudfront:UpdateOriginAccessControl", func(ctx context.Context) (*cloudfront.UpdateOriginAccessControlOutput, error) {
		return p.client.UpdateOriginAccessControl(ctx, &cloudfront.UpdateOriginAccessControlInput{
			Id:                        aws.String(prior.PhysicalID),
			IfMatch:                   current.ETag,
			OriginAccessControlConfig: oacConfig(spec),
		})
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to update origin access control %s: %w", prior.PhysicalID, err)
	}
	return oacRecord(prior.PhysicalID, out.OriginAccessControl.OriginAccessControlConfig), nil
}

func (p *OriginAccessControl) Delete(ctx context.Context, prior state.Resource) error {
	current, err := p.get(ctx, prior.PhysicalID)
	if err != nil {
		if isNoSuchOAC(err) {
			return nil
		}
		return fmt.Errorf("failed to read origin access control %s: %w", prior.PhysicalID, err)
	}
	_, err = call(ctx, p.opts.Retry, "cloudfront:DeleteOriginAccessControl", func(ctx context.Context) (*cloudfront.DeleteOriginAccessControlOutput, error) {
		return p.client.DeleteOriginAccessControl(ctx, &cloudfront.DeleteOriginAccessControlInput{
			Id:      aws.String(prior.PhysicalID),
			IfMatch: current.ETag,
		})
	})
	if err != nil && !isNoSuchOAC(err) {
		return fmt.Errorf("failed to delete origin access control %s: %w", prior.PhysicalID, err)
	}
	return nil
}
