package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
)

// AliasRecord points the apex domain at the distribution.
type AliasRecord struct {
	client sitestackaws.Route53Client
	opts   Options
}

func (p *AliasRecord) Kind() resource.Kind { return resource.KindAliasRecord }

func (p *AliasRecord) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	zone, err := dependency(deps, AddrZone)
	if err != nil {
		return nil, err
	}
	dist, err := dependency(deps, AddrDistribution)
	if err != nil {
		return nil, err
	}
	target := dist.Output("hosted_zone_id")
	if target == "" {
		target = config.CloudFrontHostedZoneID
	}
	return resource.AliasRecordSpec{
		ZoneID:        zone.PhysicalID,
		Name:          p.opts.Domain,
		TargetDNSName: dist.Output("domain_name"),
		TargetZoneID:  target,
	}, nil
}

func aliasRecordSet(spec resource.AliasRecordSpec) *r53types.ResourceRecordSet {
	return &r53types.ResourceRecordSet{
		Name: aws.String(fqdn(spec.Name)),
		Type: r53types.RRTypeA,
		AliasTarget: &r53types.AliasTarget{
			DNSName:              aws.String(spec.TargetDNSName),
			HostedZoneId:         aws.String(spec.TargetZoneID),
			EvaluateTargetHealth: config.EvaluateTargetHealth,
		},
	}
}

func aliasRecord(spec resource.AliasRecordSpec) state.Resource {
	return record(spec.ZoneID+"_"+spec.Name+"_A", "", spec, map[string]string{"fqdn": spec.Name})
}

func (p *AliasRecord) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.AliasRecordSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	rr, ok, err := findRecord(ctx, p.client, p.opts.Retry, spec.ZoneID, spec.Name, r53types.RRTypeA)
	if err != nil || !ok {
		return state.Resource{}, false, err
	}

	live := resource.AliasRecordSpec{ZoneID: spec.ZoneID, Name: spec.Name}
	evaluate := false
	if at := rr.AliasTarget; at != nil {
		live.TargetDNSName = strings.TrimSuffix(aws.ToString(at.DNSName), ".")
		live.TargetZoneID = aws.ToString(at.HostedZoneId)
		evaluate = at.EvaluateTargetHealth
	}
	r := aliasRecord(live)
	r.Attributes["evaluate_target_health"] = strconv.FormatBool(evaluate)
	return r, true, nil
}

// Create upserts the alias and waits for it to propagate.
func (p *AliasRecord) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.AliasRecordSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	changes := []r53types.Change{{Action: r53types.ChangeActionUpsert, ResourceRecordSet: aliasRecordSet(spec)}}
	if err := changeRecords(ctx, p.client, p.opts, spec.ZoneID, "sitestack apex alias", changes, true); err != nil {
		return state.Resource{}, err
	}
	return aliasRecord(spec), nil
}

func (p *AliasRecord) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return p.Create(ctx, want)
}

// Delete removes the live alias record. Route 53 only deletes a record set
// that matches exactly, so the live one is read first.
func (p *AliasRecord) Delete(ctx context.Context, prior state.Resource) error {
	zoneID, name := prior.Attributes["zone_id"], prior.Attributes["name"]
	rr, ok, err := findRecord(ctx, p.client, p.opts.Retry, zoneID, name, r53types.RRTypeA)
	if err != nil {
		var noZone *r53types.NoSuchHostedZone
		if errors.As(err, &noZone) {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}
	changes := []r53types.Change{{Action: r53types.ChangeActionDelete, ResourceRecordSet: &rr}}
	if err := changeRecords(ctx, p.client, p.opts, zoneID, "sitestack apex alias cleanup", changes, false); err != nil {
		return fmt.Errorf("failed to delete alias %s: %w", name, err)
	}
	return nil
}
