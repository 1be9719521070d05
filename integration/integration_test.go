package integration

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/integration/mock"
	"github.com/gurre/sitestack/journal"
	"github.com/gurre/sitestack/provider"
	"github.com/gurre/sitestack/reconciler"
	"github.com/gurre/sitestack/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const domain = "example.org"

func siteConfig(stateURI string) *config.Config {
	return &config.Config{
		Domain:            domain,
		Region:            "us-east-1",
		StateURI:          stateURI,
		MaxParallel:       4,
		MaxRetries:        3,
		ValidationTimeout: 2 * time.Second,
		PollInterval:      time.Millisecond,
		LogLevel:          "debug",
		LogFormat:         "console",
	}
}

type env struct {
	acct   *mock.Account
	zoneID string
	cfg    *config.Config
	store  state.Store
	locker state.Locker
}

// newS3Env keeps the snapshot in an S3 bucket of the mock account and locks
// it with a DynamoDB table.
func newS3Env(t *testing.T) *env {
	t.Helper()
	acct := mock.NewAccount()
	zoneID := acct.AddHostedZone(domain, false)
	acct.AddBucket("tfstate")
	acct.AddTable("locks")

	cfg := siteConfig("s3://tfstate/sites/example.org.json")
	cfg.LockTable = "locks"
	store, err := state.NewStore(cfg.StateURI, acct.S3())
	require.NoError(t, err)
	return &env{
		acct:   acct,
		zoneID: zoneID,
		cfg:    cfg,
		store:  store,
		locker: state.NewDynamoDBLocker(acct.DynamoDB(), cfg.LockTable),
	}
}

func newFileEnv(t *testing.T) *env {
	t.Helper()
	acct := mock.NewAccount()
	zoneID := acct.AddHostedZone(domain, false)

	cfg := siteConfig("file://" + filepath.Join(t.TempDir(), "state", "site.json"))
	store, err := state.NewStore(cfg.StateURI, acct.S3())
	require.NoError(t, err)
	return &env{acct: acct, zoneID: zoneID, cfg: cfg, store: store}
}

func (e *env) reconciler(t *testing.T) *reconciler.Reconciler {
	t.Helper()
	r, err := reconciler.New(e.cfg, reconciler.Deps{
		Clients: e.acct.Clients(),
		Store:   e.store,
		Locker:  e.locker,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

func (e *env) snapshot(t *testing.T) state.Snapshot {
	t.Helper()
	snap, err := e.store.Load(context.Background())
	require.NoError(t, err)
	return snap
}

// providerMutations drops state and lock writes from the mutation counts.
func (e *env) providerMutations() map[string]int {
	out := make(map[string]int)
	for op, n := range e.acct.Mutations() {
		if strings.HasPrefix(op, "dynamodb:") || op == "s3:PutObject" {
			continue
		}
		out[op] = n
	}
	return out
}

func TestExampleOrgSite(t *testing.T) {
	e := newS3Env(t)
	ctx := context.Background()

	res, err := e.reconciler(t).Apply(ctx)
	require.NoError(t, err)

	// Bucket: private, owner preferred, versioned.
	bucket, ok := e.acct.Bucket(domain)
	require.True(t, ok)
	assert.Equal(t, s3types.BucketVersioningStatusEnabled, bucket.Versioning)
	assert.Equal(t, s3types.ObjectOwnershipBucketOwnerPreferred, bucket.Ownership)
	require.NotNil(t, bucket.PublicAccessBlock)
	assert.True(t, aws.ToBool(bucket.PublicAccessBlock.BlockPublicAcls))
	assert.True(t, aws.ToBool(bucket.PublicAccessBlock.IgnorePublicAcls))
	assert.True(t, aws.ToBool(bucket.PublicAccessBlock.BlockPublicPolicy))
	assert.True(t, aws.ToBool(bucket.PublicAccessBlock.RestrictPublicBuckets))

	// Certificate: one SAN, one validation record published in the zone.
	certs := e.acct.Certificates()
	require.Len(t, certs, 1)
	assert.Equal(t, domain, certs[0].Domain)
	assert.Equal(t, "ISSUED", certs[0].Status)
	require.Len(t, certs[0].Records, 1)
	for name, value := range certs[0].Records {
		rr, ok := e.acct.Record(e.zoneID, name, r53types.RRTypeCname)
		require.True(t, ok, "validation record %s", name)
		require.Len(t, rr.ResourceRecords, 1)
		assert.Equal(t, value, aws.ToString(rr.ResourceRecords[0].Value))
	}

	// Distribution: serves the bucket through the OAC with the certificate.
	dists := e.acct.Distributions()
	require.Len(t, dists, 1)
	dist := dists[0]
	assert.Equal(t, []string{domain}, dist.Aliases)
	assert.Equal(t, certs[0].ARN, dist.CertificateARN)
	assert.NotEmpty(t, dist.OACID)
	assert.Equal(t, "index.html", aws.ToString(dist.Config.DefaultRootObject))

	// Policy bound to the distribution, alias pointing at it.
	assert.Contains(t, bucket.Policy, dist.ARN)
	assert.Contains(t, bucket.Policy, "cloudfront.amazonaws.com")
	alias, ok := e.acct.Record(e.zoneID, domain, r53types.RRTypeA)
	require.True(t, ok)
	require.NotNil(t, alias.AliasTarget)
	assert.Equal(t, dist.DomainName, strings.TrimSuffix(aws.ToString(alias.AliasTarget.DNSName), "."))
	assert.False(t, alias.AliasTarget.EvaluateTargetHealth)

	assert.Equal(t, map[string]string{
		reconciler.OutputBucketName:       domain,
		reconciler.OutputCloudFrontDomain: dist.DomainName,
		reconciler.OutputSiteURL:          "https://example.org",
	}, res.Outputs)
	assert.Zero(t, e.acct.TableItems("locks"))

	// A second run against the persisted snapshot changes nothing.
	e.acct.ResetCounters()
	res, err = e.reconciler(t).Apply(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.providerMutations())
	assert.Equal(t, int64(0), res.Report.Mutations)
}

func TestDistributionReplacementRebindsPolicy(t *testing.T) {
	e := newFileEnv(t)
	ctx := context.Background()

	_, err := e.reconciler(t).Apply(ctx)
	require.NoError(t, err)
	before := e.acct.Distributions()[0]
	e.acct.RemoveDistribution(before.ID)
	e.acct.ResetCounters()

	// Until the next apply the bucket grants nothing to a live distribution.
	bucket, _ := e.acct.Bucket(domain)
	assert.Contains(t, bucket.Policy, before.ARN)

	res, err := e.reconciler(t).Apply(ctx)
	require.NoError(t, err)

	after := e.acct.Distributions()
	require.Len(t, after, 1)
	assert.NotEqual(t, before.ARN, after[0].ARN)

	bucket, _ = e.acct.Bucket(domain)
	assert.Contains(t, bucket.Policy, after[0].ARN)
	assert.NotContains(t, bucket.Policy, before.ARN)
	assert.Equal(t, after[0].DomainName, res.Outputs[reconciler.OutputCloudFrontDomain])

	// Nothing but the distribution chain was touched.
	assert.Zero(t, e.acct.Calls("s3:CreateBucket"))
	assert.Zero(t, e.acct.Calls("acm:RequestCertificate"))
}

func TestValidationTimeoutThenResume(t *testing.T) {
	e := newS3Env(t)
	e.acct.HoldValidation = true
	e.cfg.ValidationTimeout = 50 * time.Millisecond
	ctx := context.Background()

	_, err := e.reconciler(t).Apply(ctx)
	var timeout *provider.ValidationTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Len(t, timeout.Pending, 1)
	assert.Empty(t, e.acct.Distributions())
	assert.Zero(t, e.acct.TableItems("locks"), "a failed run releases the lock")

	_, ok := e.snapshot(t).Get(provider.AddrCertificate)
	require.True(t, ok)

	e.acct.HoldValidation = false
	e.cfg.ValidationTimeout = 2 * time.Second
	e.acct.ResetCounters()

	_, err = e.reconciler(t).Apply(ctx)
	require.NoError(t, err)
	assert.Zero(t, e.acct.Calls("acm:RequestCertificate"), "the pending certificate is reused")
	assert.Zero(t, e.acct.Calls("s3:CreateBucket"))
	assert.Len(t, e.acct.Distributions(), 1)
}

func TestZoneMissing(t *testing.T) {
	acct := mock.NewAccount()
	acct.AddHostedZone(domain, true) // private zones do not count
	cfg := siteConfig("s3://tfstate/example.org.json")
	acct.AddBucket("tfstate")
	store, err := state.NewStore(cfg.StateURI, acct.S3())
	require.NoError(t, err)

	r, err := reconciler.New(cfg, reconciler.Deps{Clients: acct.Clients(), Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	_, err = r.Apply(context.Background())
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Zero(t, acct.Calls("route53:ChangeResourceRecordSets"))
	assert.Empty(t, acct.Distributions())
}

func TestInterruptedRun(t *testing.T) {
	e := newS3Env(t)
	e.acct.HoldValidation = true
	e.cfg.ValidationTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.acct.OnCall("acm:DescribeCertificate", func(n int) {
		if n >= 5 {
			cancel()
		}
	})

	_, err := e.reconciler(t).Apply(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.acct.TableItems("locks"))

	snap := e.snapshot(t)
	_, ok := snap.Get(provider.AddrValidationRecords)
	assert.True(t, ok, "nodes applied before the interruption stay recorded")
	_, ok = snap.Get(provider.AddrDistribution)
	assert.False(t, ok)
}

func TestInterruptedDistributionDeploy(t *testing.T) {
	e := newS3Env(t)
	e.acct.DeployPolls = 1 << 20
	e.cfg.MaxParallel = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.acct.OnCall("cloudfront:GetDistribution", func(n int) {
		if n >= 3 {
			cancel()
		}
	})

	_, err := e.reconciler(t).Apply(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, e.acct.Distributions(), 1)
	created := e.acct.Distributions()[0]

	rec, ok := e.snapshot(t).Get(provider.AddrDistribution)
	require.True(t, ok, "the created distribution is recorded")
	assert.Equal(t, created.ID, rec.PhysicalID)
	assert.Equal(t, state.StatusCreating, rec.Status)

	e.acct.DeployPolls = 0
	e.acct.ResetCounters()
	res, err := e.reconciler(t).Apply(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.acct.Calls("cloudfront:CreateDistribution"))
	require.Len(t, e.acct.Distributions(), 1)
	assert.Equal(t, created.ID, e.acct.Distributions()[0].ID)
	rec, _ = e.snapshot(t).Get(provider.AddrDistribution)
	assert.Equal(t, state.StatusApplied, rec.Status)
	assert.Equal(t, "Deployed", rec.Output("status"))
	assert.Equal(t, created.DomainName, res.Outputs[reconciler.OutputCloudFrontDomain])

	bucket, _ := e.acct.Bucket(domain)
	assert.Contains(t, bucket.Policy, created.ARN)
	_, ok = e.acct.Record(e.zoneID, domain, r53types.RRTypeA)
	assert.True(t, ok)
}

func TestInterruptedCertificateRequest(t *testing.T) {
	e := newS3Env(t)
	e.acct.RecordPolls = 1 << 20
	e.cfg.MaxParallel = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.acct.OnCall("acm:DescribeCertificate", func(n int) {
		if n >= 3 {
			cancel()
		}
	})

	_, err := e.reconciler(t).Apply(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, e.acct.Certificates(), 1)
	requested := e.acct.Certificates()[0]

	rec, ok := e.snapshot(t).Get(provider.AddrCertificate)
	require.True(t, ok, "the requested certificate is recorded")
	assert.Equal(t, requested.ARN, rec.PhysicalID)
	assert.Equal(t, state.StatusCreating, rec.Status)
	_, ok = e.snapshot(t).Get(provider.AddrValidationRecords)
	assert.False(t, ok)

	e.acct.RecordPolls = 0
	e.acct.ResetCounters()
	_, err = e.reconciler(t).Apply(context.Background())
	require.NoError(t, err)

	assert.Zero(t, e.acct.Calls("acm:RequestCertificate"))
	certs := e.acct.Certificates()
	require.Len(t, certs, 1)
	assert.Equal(t, requested.ARN, certs[0].ARN)
	assert.Equal(t, "ISSUED", certs[0].Status)
	dists := e.acct.Distributions()
	require.Len(t, dists, 1)
	assert.Equal(t, requested.ARN, dists[0].CertificateARN)
}

func TestCertificateRecordsTimeoutThenResume(t *testing.T) {
	e := newFileEnv(t)
	e.acct.RecordPolls = 1 << 20
	e.cfg.ValidationTimeout = 20 * time.Millisecond

	_, err := e.reconciler(t).Apply(context.Background())
	require.ErrorIs(t, err, provider.ErrPollTimeout)
	var incomplete *provider.IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Len(t, e.acct.Certificates(), 1)
	assert.Equal(t, e.acct.Certificates()[0].ARN, incomplete.Record.PhysicalID)

	e.acct.RecordPolls = 0
	e.cfg.ValidationTimeout = 2 * time.Second
	_, err = e.reconciler(t).Apply(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.acct.Certificates(), 1)
	assert.Len(t, e.acct.Distributions(), 1)
}

func TestThrottledAccount(t *testing.T) {
	e := newFileEnv(t)
	e.acct.Throttle("route53:ChangeResourceRecordSets", 2)
	e.acct.Throttle("cloudfront:CreateOriginAccessControl", 1)
	e.acct.FailNext("s3:PutBucketPolicy", &smithy.GenericAPIError{Code: "SlowDown", Message: "Please reduce your request rate."}, 1)

	res, err := e.reconciler(t).Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Report.Retries)
	assert.Len(t, e.acct.Distributions(), 1)
}

func TestUnmanagedBucket(t *testing.T) {
	e := newFileEnv(t)
	e.acct.AddBucket(domain)

	plan, err := e.reconciler(t).Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Conflicts(), 1)
	assert.Contains(t, plan.String(), "already exists and is not managed")

	_, err = e.reconciler(t).Apply(context.Background())
	var conflict *provider.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, provider.AddrBucket, conflict.Node)
	assert.Empty(t, e.acct.Distributions())
}

func TestConcurrentRunsAreSerialised(t *testing.T) {
	e := newS3Env(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		r := e.reconciler(t)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Apply(ctx)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, state.ErrLocked)
	}
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Len(t, e.acct.Distributions(), 1)
	assert.Len(t, e.acct.Certificates(), 1)
	assert.Zero(t, e.acct.TableItems("locks"))
}

func TestDestroyAndHistory(t *testing.T) {
	e := newS3Env(t)
	e.acct.AddBucket("ops")
	e.cfg.JournalURI = "s3://ops/journal/"
	ctx := context.Background()

	applyRun := e.reconciler(t)
	_, err := applyRun.Apply(ctx)
	require.NoError(t, err)
	e.acct.PutObjectDirect(domain, "index.html", []byte("<h1>example</h1>"))
	e.acct.PutObjectDirect(domain, "index.html", []byte("<h1>example v2</h1>"))

	e.cfg.ForceDestroy = true
	destroyRun := e.reconciler(t)
	res, err := destroyRun.Destroy(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Changes, 11)

	_, ok := e.acct.Bucket(domain)
	assert.False(t, ok)
	assert.Empty(t, e.acct.Distributions())
	assert.Empty(t, e.acct.Certificates())
	_, ok = e.acct.Record(e.zoneID, domain, r53types.RRTypeA)
	assert.False(t, ok)
	assert.True(t, e.snapshot(t).IsEmpty())
	assert.Equal(t, destroyRun.RunID(), e.snapshot(t).LastRunID)

	for _, tc := range []struct {
		runID     string
		action    string
		mutations bool
	}{
		{applyRun.RunID(), "create", true},
		{destroyRun.RunID(), "delete", true},
	} {
		var events []journal.Event
		err := journal.Read(ctx, e.acct.S3(), e.cfg.JournalURI, tc.runID, func(ev journal.Event) error {
			events = append(events, ev)
			return nil
		})
		require.NoError(t, err, tc.runID)

		summary := journal.Summarize(events)
		assert.Equal(t, tc.runID, summary.RunID)
		assert.False(t, summary.Failed)
		assert.Equal(t, tc.mutations, summary.Mutations > 0)

		actions := make(map[string]int)
		for _, n := range summary.Nodes {
			actions[n.Action]++
		}
		assert.Equal(t, 11, actions[tc.action], "run %s: %v", tc.runID, actions)
	}

	// A missing journal is an error, not an empty history.
	err = journal.Read(ctx, e.acct.S3(), e.cfg.JournalURI, "01UNKNOWN", func(journal.Event) error { return nil })
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
