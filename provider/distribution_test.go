package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFlattenDistribution_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		label := rapid.StringMatching(`[a-z][a-z0-9-]{0,20}`)
		aliases := rapid.SliceOfNDistinct(label, 1, 4, rapid.ID[string]).Draw(t, "aliases")
		for i := range aliases {
			aliases[i] += ".example.org"
		}
		spec := resource.DistributionSpec{
			Aliases:               aliases,
			OriginID:              "S3-" + label.Draw(t, "bucket"),
			OriginDomainName:      label.Draw(t, "origin") + ".s3.us-east-1.amazonaws.com",
			OriginAccessControlID: rapid.StringMatching(`E[A-Z0-9]{12}`).Draw(t, "oac"),
			CertificateARN:        "arn:aws:acm:us-east-1:123456789012:certificate/" + label.Draw(t, "cert"),
			Comment:               rapid.String().Draw(t, "comment"),
		}

		got := flattenDistribution(buildDistributionConfig(spec, "sitestack-test"))
		if changed := resource.Changed(spec.Attributes(), got); len(changed) > 0 {
			t.Fatalf("flatten(build(spec)) differs in %v", changed)
		}
	})
}

func TestDistribution_RequiresIssuedCertificate(t *testing.T) {
	acct, opts := newSite(t)
	p := &Distribution{client: acct.CloudFront(), opts: opts}

	deps := map[string]state.Resource{
		AddrBucket:                {PhysicalID: "example.org", Outputs: map[string]string{"regional_domain_name": "example.org.s3.us-east-1.amazonaws.com"}},
		AddrPublicAccessBlock:     {PhysicalID: "example.org"},
		AddrOriginAccessControl:   {PhysicalID: "E2OAC000001"},
		AddrCertificateValidation: {PhysicalID: "arn:aws:acm:us-east-1:123456789012:certificate/x", Status: state.StatusApplied},
	}
	_, err := p.Desired(deps)
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	issued := deps[AddrCertificateValidation]
	issued.Status = state.StatusIssued
	deps[AddrCertificateValidation] = issued
	want, err := p.Desired(deps)
	require.NoError(t, err)
	spec := want.(resource.DistributionSpec)
	assert.Equal(t, issued.PhysicalID, spec.CertificateARN)
	assert.Equal(t, "S3-example.org", spec.OriginID)
	assert.Equal(t, []string{"example.org"}, spec.Aliases)
}

func TestDistribution_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	acct, opts := newSite(t)
	acct.DeployPolls = 2
	applied := applyUntil(t, ctx, SiteNodes(acct.Clients(), opts), AddrDistribution)
	dist := applied[AddrDistribution]

	p := &Distribution{client: acct.CloudFront(), opts: opts}
	want, err := p.Desired(applied)
	require.NoError(t, err)
	spec := want.(resource.DistributionSpec)
	spec.Comment = "Static site example.org (updated)"

	updated, err := p.Update(ctx, dist, spec)
	require.NoError(t, err)
	assert.Equal(t, dist.PhysicalID, updated.PhysicalID)
	assert.Equal(t, spec.Comment, updated.Attributes["comment"])
	assert.Equal(t, "Deployed", updated.Output("status"))

	require.NoError(t, p.Delete(ctx, updated))
	_, ok := acct.Distribution(dist.PhysicalID)
	assert.False(t, ok, "distribution should be deleted")

	_, ok, err = p.Read(ctx, want, dist)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, p.Delete(ctx, dist), "deleting twice is a no-op")
}

func TestDistribution_AliasConflict(t *testing.T) {
	ctx := context.Background()
	acct, opts := newSite(t)
	applied := applyUntil(t, ctx, SiteNodes(acct.Clients(), opts), AddrDistribution)

	other := opts
	other.RunID = "01J9ZQ3T5Y8W2K6M4N7P0R1S2X"
	p := &Distribution{client: acct.CloudFront(), opts: other}
	want, err := p.Desired(applied)
	require.NoError(t, err)

	_, err = p.Create(ctx, want)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)
	assert.Equal(t, AddrDistribution, conflict.Node)
}

func TestDistribution_DeployTimeoutKeepsID(t *testing.T) {
	ctx := context.Background()
	acct, opts := newSite(t)
	applied := applyUntil(t, ctx, SiteNodes(acct.Clients(), opts), AddrCertificateValidation)

	acct.DeployPolls = 1 << 20
	opts.DeployTimeout = 10 * time.Millisecond
	p := &Distribution{client: acct.CloudFront(), opts: opts}
	want, err := p.Desired(applied)
	require.NoError(t, err)

	_, err = p.Create(ctx, want)
	require.ErrorIs(t, err, ErrPollTimeout)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	dists := acct.Distributions()
	require.Len(t, dists, 1)
	assert.Equal(t, dists[0].ID, incomplete.Record.PhysicalID)
	assert.Equal(t, dists[0].ARN, incomplete.Record.ARN)

	acct.DeployPolls = 0
	r, err := p.Resume(ctx, incomplete.Record)
	require.NoError(t, err)
	assert.Equal(t, dists[0].ID, r.PhysicalID)
	assert.Equal(t, "Deployed", r.Output("status"))
	assert.Len(t, acct.Distributions(), 1)
}
