package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
)

// Zone resolves the existing public hosted zone of the domain. It never
// changes the zone.
type Zone struct {
	client sitestackaws.Route53Client
	opts   Options
}

func (p *Zone) Kind() resource.Kind { return resource.KindZone }

func (p *Zone) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	return resource.ZoneSpec{Domain: p.opts.Domain}, nil
}

// Read finds the public zone whose name equals the domain. A missing zone is
// an error rather than an absent resource because it cannot be created.
func (p *Zone) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.ZoneSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	name := fqdn(spec.Domain)

	input := &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(name),
		MaxItems: aws.Int32(100),
	}
	for {
		out, err := call(ctx, p.opts.Retry, "route53:ListHostedZonesByName", func(ctx context.Context) (*route53.ListHostedZonesByNameOutput, error) {
			return p.client.ListHostedZonesByName(ctx, input)
		})
		if err != nil {
			return state.Resource{}, false, fmt.Errorf("failed to list hosted zones: %w", err)
		}

		for _, z := range out.HostedZones {
			zoneName := strings.ToLower(aws.ToString(z.Name))
			if zoneName != name {
				// Listing starts at DNSName in reversed-label order, so zones
				// of that name come first.
				return state.Resource{}, false, fmt.Errorf("%w: no public hosted zone named %s", ErrNotFound, spec.Domain)
			}
			if z.Config != nil && z.Config.PrivateZone {
				continue
			}
			id := bareZoneID(aws.ToString(z.Id))
			return record(id, "", want, map[string]string{
				"zone_id": id,
				"name":    strings.TrimSuffix(zoneName, "."),
			}), true, nil
		}

		if !out.IsTruncated || out.NextDNSName == nil {
			break
		}
		input.DNSName = out.NextDNSName
		input.HostedZoneId = out.NextHostedZoneId
	}
	return state.Resource{}, false, fmt.Errorf("%w: no public hosted zone named %s", ErrNotFound, spec.Domain)
}

func (p *Zone) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	return state.Resource{}, fmt.Errorf("hosted zone %s: %w", p.opts.Domain, ErrReadOnly)
}

func (p *Zone) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return state.Resource{}, fmt.Errorf("hosted zone %s: %w", p.opts.Domain, ErrReadOnly)
}

// Delete forgets the zone without touching it.
func (p *Zone) Delete(ctx context.Context, prior state.Resource) error {
	return nil
}

// fqdn lower-cases name and adds the trailing dot Route 53 reports.
func fqdn(name string) string {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

func bareZoneID(id string) string {
	return strings.TrimPrefix(id, "/hostedzone/")
}
