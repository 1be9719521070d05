package provider

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/gurre/sitestack/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasRecord_ReplacesPlainRecord(t *testing.T) {
	ctx := context.Background()
	acct, opts := newSite(t)
	applied := applyUntil(t, ctx, SiteNodes(acct.Clients(), opts), AddrDistribution)
	zoneID := applied[AddrZone].PhysicalID

	acct.PutRecord(zoneID, r53types.ResourceRecordSet{
		Name:            aws.String("example.org"),
		Type:            r53types.RRTypeA,
		TTL:             aws.Int64(300),
		ResourceRecords: []r53types.ResourceRecord{{Value: aws.String("192.0.2.10")}},
	})

	p := &AliasRecord{client: acct.Route53(), opts: opts}
	want, err := p.Desired(applied)
	require.NoError(t, err)
	live, ok, err := p.Read(ctx, want, applied[AddrAliasRecord])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, resource.Changed(want.Attributes(), live.Attributes), "target_dns_name")

	updated, err := p.Update(ctx, live, want)
	require.NoError(t, err)
	rr, ok := acct.Record(zoneID, "example.org", r53types.RRTypeA)
	require.True(t, ok)
	require.NotNil(t, rr.AliasTarget)
	assert.Equal(t, applied[AddrDistribution].Output("domain_name"), aws.ToString(rr.AliasTarget.DNSName))
	assert.False(t, rr.AliasTarget.EvaluateTargetHealth)

	require.NoError(t, p.Delete(ctx, updated))
	_, ok = acct.Record(zoneID, "example.org", r53types.RRTypeA)
	assert.False(t, ok)
	require.NoError(t, p.Delete(ctx, updated), "deleting twice is a no-op")
}
