package mock

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
)

type hostedZone struct {
	id      string
	name    string // with trailing dot
	private bool
	records map[string]types.ResourceRecordSet
}

func recordKey(name string, rrType types.RRType) string {
	return fqdn(name) + "|" + string(rrType)
}

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

// AddHostedZone creates a hosted zone and returns its id (without the
// /hostedzone/ prefix).
func (a *Account) AddHostedZone(name string, private bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID("Z")
	a.zones[id] = &hostedZone{
		id:      id,
		name:    fqdn(name),
		private: private,
		records: make(map[string]types.ResourceRecordSet),
	}
	return id
}

// Record returns a record set of a zone.
func (a *Account) Record(zoneID, name string, rrType types.RRType) (types.ResourceRecordSet, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	z, ok := a.zones[bareZoneID(zoneID)]
	if !ok {
		return types.ResourceRecordSet{}, false
	}
	rr, ok := z.records[recordKey(name, rrType)]
	return rr, ok
}

// PutRecord writes a record set directly, bypassing the API.
func (a *Account) PutRecord(zoneID string, rr types.ResourceRecordSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if z, ok := a.zones[bareZoneID(zoneID)]; ok {
		rr.Name = aws.String(fqdn(aws.ToString(rr.Name)))
		z.records[recordKey(*rr.Name, rr.Type)] = rr
	}
}

// recordExists reports whether a public zone holds the record. Callers hold
// a.mu.
func (a *Account) recordExists(name string, rrType types.RRType, value string) bool {
	for _, z := range a.zones {
		if z.private {
			continue
		}
		rr, ok := z.records[recordKey(name, rrType)]
		if !ok {
			continue
		}
		for _, v := range rr.ResourceRecords {
			if aws.ToString(v.Value) == value {
				return true
			}
		}
	}
	return false
}

// Route53Client is a mock implementation of aws.Route53Client.
type Route53Client struct {
	a *Account
}

// Route53 returns the Route 53 client of the account.
func (a *Account) Route53() *Route53Client {
	return &Route53Client{a: a}
}

func (c *Route53Client) ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error) {
	if err := c.a.begin(ctx, "route53:ListHostedZonesByName"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	start := ""
	if params.DNSName != nil {
		start = zoneOrder(*params.DNSName)
	}
	zones := make([]*hostedZone, 0, len(c.a.zones))
	for _, z := range c.a.zones {
		if zoneOrder(z.name) >= start {
			zones = append(zones, z)
		}
	}
	sort.Slice(zones, func(i, j int) bool {
		if ki, kj := zoneOrder(zones[i].name), zoneOrder(zones[j].name); ki != kj {
			return ki < kj
		}
		return zones[i].id < zones[j].id
	})
	limit := len(zones)
	if params.MaxItems != nil && int(*params.MaxItems) < limit {
		limit = int(*params.MaxItems)
	}

	out := &route53.ListHostedZonesByNameOutput{DNSName: params.DNSName, IsTruncated: limit < len(zones)}
	for _, z := range zones[:limit] {
		out.HostedZones = append(out.HostedZones, types.HostedZone{
			Id:     aws.String("/hostedzone/" + z.id),
			Name:   aws.String(z.name),
			Config: &types.HostedZoneConfig{PrivateZone: z.private},
		})
	}
	if out.IsTruncated {
		out.NextDNSName = aws.String(zones[limit].name)
		out.NextHostedZoneId = aws.String("/hostedzone/" + zones[limit].id)
	}
	return out, nil
}

// zoneOrder is the sort key Route 53 lists zones by: the labels of the name
// in reverse order, so example.org sorts as org.example.
func zoneOrder(name string) string {
	labels := strings.Split(strings.TrimSuffix(fqdn(name), "."), ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

func (c *Route53Client) ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	if err := c.a.begin(ctx, "route53:ListResourceRecordSets"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	z, ok := c.a.zones[bareZoneID(aws.ToString(params.HostedZoneId))]
	if !ok {
		return nil, &types.NoSuchHostedZone{Message: aws.String("no such hosted zone")}
	}

	start := ""
	if params.StartRecordName != nil {
		start = recordKey(*params.StartRecordName, params.StartRecordType)
	}
	keys := make([]string, 0, len(z.records))
	for k := range z.records {
		if k >= start {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	limit := len(keys)
	if params.MaxItems != nil && int(*params.MaxItems) < limit {
		limit = int(*params.MaxItems)
	}

	out := &route53.ListResourceRecordSetsOutput{IsTruncated: limit < len(keys)}
	for _, k := range keys[:limit] {
		out.ResourceRecordSets = append(out.ResourceRecordSets, z.records[k])
	}
	if out.IsTruncated {
		next := z.records[keys[limit]]
		out.NextRecordName = next.Name
		out.NextRecordType = next.Type
	}
	return out, nil
}

func (c *Route53Client) ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	if err := c.a.begin(ctx, "route53:ChangeResourceRecordSets"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	z, ok := c.a.zones[bareZoneID(aws.ToString(params.HostedZoneId))]
	if !ok {
		return nil, &types.NoSuchHostedZone{Message: aws.String("no such hosted zone")}
	}
	if params.ChangeBatch == nil || len(params.ChangeBatch.Changes) == 0 {
		return nil, &types.InvalidChangeBatch{Message: aws.String("empty change batch")}
	}

	// Validate the whole batch before applying any of it.
	for _, ch := range params.ChangeBatch.Changes {
		if ch.ResourceRecordSet == nil || ch.ResourceRecordSet.Name == nil {
			return nil, &types.InvalidInput{Message: aws.String("record set name is required")}
		}
		key := recordKey(*ch.ResourceRecordSet.Name, ch.ResourceRecordSet.Type)
		_, exists := z.records[key]
		switch ch.Action {
		case types.ChangeActionCreate:
			if exists {
				return nil, &types.InvalidChangeBatch{Message: aws.String("record already exists: " + key)}
			}
		case types.ChangeActionDelete:
			if !exists {
				return nil, &types.InvalidChangeBatch{Message: aws.String("record not found: " + key)}
			}
		}
	}
	for _, ch := range params.ChangeBatch.Changes {
		rr := *ch.ResourceRecordSet
		rr.Name = aws.String(fqdn(*rr.Name))
		key := recordKey(*rr.Name, rr.Type)
		if ch.Action == types.ChangeActionDelete {
			delete(z.records, key)
		} else {
			z.records[key] = rr
		}
	}
	c.a.mutated("route53:ChangeResourceRecordSets")

	id := "/change/" + c.a.nextID("C")
	c.a.changes[id] = 0
	return &route53.ChangeResourceRecordSetsOutput{
		ChangeInfo: &types.ChangeInfo{Id: aws.String(id), Status: types.ChangeStatusPending},
	}, nil
}

func (c *Route53Client) GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error) {
	if err := c.a.begin(ctx, "route53:GetChange"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	id := aws.ToString(params.Id)
	if !strings.HasPrefix(id, "/change/") {
		id = "/change/" + id
	}
	polls, ok := c.a.changes[id]
	if !ok {
		return nil, &types.NoSuchChange{Message: aws.String("no such change")}
	}
	polls++
	c.a.changes[id] = polls

	status := types.ChangeStatusPending
	if polls > c.a.ChangePolls {
		status = types.ChangeStatusInsync
	}
	return &route53.GetChangeOutput{
		ChangeInfo: &types.ChangeInfo{Id: aws.String(id), Status: status},
	}, nil
}
