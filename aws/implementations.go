package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Observer is notified after every call issued through the wrappers in this
// file. Mutating reports whether the call changes live cloud state.
type Observer interface {
	ObserveCall(service, operation string, mutating bool, err error)
}

// Observers fans every call out to each observer in the list.
type Observers []Observer

func (o Observers) ObserveCall(service, operation string, mutating bool, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveCall(service, operation, mutating, err)
		}
	}
}

func observe[T any](o Observer, service, operation string, mutating bool, out T, err error) (T, error) {
	if o != nil {
		o.ObserveCall(service, operation, mutating, err)
	}
	return out, err
}

// Route53ClientImpl implements Route53Client on top of another Route53Client,
// reporting each call to an Observer.
type Route53ClientImpl struct {
	client Route53Client
	obs    Observer
}

// NewRoute53Client creates a new Route53ClientImpl instance
func NewRoute53Client(client Route53Client, obs Observer) *Route53ClientImpl {
	return &Route53ClientImpl{client: client, obs: obs}
}

func (c *Route53ClientImpl) ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error) {
	out, err := c.client.ListHostedZonesByName(ctx, params, optFns...)
	return observe(c.obs, "route53", "ListHostedZonesByName", false, out, err)
}

func (c *Route53ClientImpl) ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	out, err := c.client.ListResourceRecordSets(ctx, params, optFns...)
	return observe(c.obs, "route53", "ListResourceRecordSets", false, out, err)
}

func (c *Route53ClientImpl) ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	out, err := c.client.ChangeResourceRecordSets(ctx, params, optFns...)
	return observe(c.obs, "route53", "ChangeResourceRecordSets", true, out, err)
}

func (c *Route53ClientImpl) GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error) {
	out, err := c.client.GetChange(ctx, params, optFns...)
	return observe(c.obs, "route53", "GetChange", false, out, err)
}

// S3ClientImpl implements S3Client, reporting each call to an Observer.
type S3ClientImpl struct {
	client S3Client
	obs    Observer
}

// NewS3Client creates a new S3ClientImpl instance
func NewS3Client(client S3Client, obs Observer) *S3ClientImpl {
	return &S3ClientImpl{client: client, obs: obs}
}

func (c *S3ClientImpl) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	out, err := c.client.GetObject(ctx, params, optFns...)
	return observe(c.obs, "s3", "GetObject", false, out, err)
}

// PutObject is only used for sitestack's own state, journal and reports, so
// it is not counted as a mutation of the managed site.
func (c *S3ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	out, err := c.client.PutObject(ctx, params, optFns...)
	return observe(c.obs, "s3", "PutObject", false, out, err)
}

func (c *S3ClientImpl) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	out, err := c.client.HeadObject(ctx, params, optFns...)
	return observe(c.obs, "s3", "HeadObject", false, out, err)
}

func (c *S3ClientImpl) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	out, err := c.client.HeadBucket(ctx, params, optFns...)
	return observe(c.obs, "s3", "HeadBucket", false, out, err)
}

func (c *S3ClientImpl) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	out, err := c.client.CreateBucket(ctx, params, optFns...)
	return observe(c.obs, "s3", "CreateBucket", true, out, err)
}

func (c *S3ClientImpl) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	out, err := c.client.DeleteBucket(ctx, params, optFns...)
	return observe(c.obs, "s3", "DeleteBucket", true, out, err)
}

func (c *S3ClientImpl) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	out, err := c.client.GetPublicAccessBlock(ctx, params, optFns...)
	return observe(c.obs, "s3", "GetPublicAccessBlock", false, out, err)
}

func (c *S3ClientImpl) PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	out, err := c.client.PutPublicAccessBlock(ctx, params, optFns...)
	return observe(c.obs, "s3", "PutPublicAccessBlock", true, out, err)
}

func (c *S3ClientImpl) DeletePublicAccessBlock(ctx context.Context, params *s3.DeletePublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.DeletePublicAccessBlockOutput, error) {
	out, err := c.client.DeletePublicAccessBlock(ctx, params, optFns...)
	return observe(c.obs, "s3", "DeletePublicAccessBlock", true, out, err)
}

func (c *S3ClientImpl) GetBucketOwnershipControls(ctx context.Context, params *s3.GetBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.GetBucketOwnershipControlsOutput, error) {
	out, err := c.client.GetBucketOwnershipControls(ctx, params, optFns...)
	return observe(c.obs, "s3", "GetBucketOwnershipControls", false, out, err)
}

func (c *S3ClientImpl) PutBucketOwnershipControls(ctx context.Context, params *s3.PutBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.PutBucketOwnershipControlsOutput, error) {
	out, err := c.client.PutBucketOwnershipControls(ctx, params, optFns...)
	return observe(c.obs, "s3", "PutBucketOwnershipControls", true, out, err)
}

func (c *S3ClientImpl) DeleteBucketOwnershipControls(ctx context.Context, params *s3.DeleteBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOwnershipControlsOutput, error) {
	out, err := c.client.DeleteBucketOwnershipControls(ctx, params, optFns...)
	return observe(c.obs, "s3", "DeleteBucketOwnershipControls", true, out, err)
}

func (c *S3ClientImpl) GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	out, err := c.client.GetBucketVersioning(ctx, params, optFns...)
	return observe(c.obs, "s3", "GetBucketVersioning", false, out, err)
}

func (c *S3ClientImpl) PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	out, err := c.client.PutBucketVersioning(ctx, params, optFns...)
	return observe(c.obs, "s3", "PutBucketVersioning", true, out, err)
}

func (c *S3ClientImpl) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	out, err := c.client.GetBucketPolicy(ctx, params, optFns...)
	return observe(c.obs, "s3", "GetBucketPolicy", false, out, err)
}

func (c *S3ClientImpl) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	out, err := c.client.PutBucketPolicy(ctx, params, optFns...)
	return observe(c.obs, "s3", "PutBucketPolicy", true, out, err)
}

func (c *S3ClientImpl) DeleteBucketPolicy(ctx context.Context, params *s3.DeleteBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	out, err := c.client.DeleteBucketPolicy(ctx, params, optFns...)
	return observe(c.obs, "s3", "DeleteBucketPolicy", true, out, err)
}

func (c *S3ClientImpl) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	out, err := c.client.ListObjectVersions(ctx, params, optFns...)
	return observe(c.obs, "s3", "ListObjectVersions", false, out, err)
}

func (c *S3ClientImpl) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	out, err := c.client.DeleteObjects(ctx, params, optFns...)
	return observe(c.obs, "s3", "DeleteObjects", true, out, err)
}

// CloudFrontClientImpl implements CloudFrontClient, reporting each call to an Observer.
type CloudFrontClientImpl struct {
	client CloudFrontClient
	obs    Observer
}

// NewCloudFrontClient creates a new CloudFrontClientImpl instance
func NewCloudFrontClient(client CloudFrontClient, obs Observer) *CloudFrontClientImpl {
	return &CloudFrontClientImpl{client: client, obs: obs}
}

func (c *CloudFrontClientImpl) CreateOriginAccessControl(ctx context.Context, params *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error) {
	out, err := c.client.CreateOriginAccessControl(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "CreateOriginAccessControl", true, out, err)
}

func (c *CloudFrontClientImpl) GetOriginAccessControl(ctx context.Context, params *cloudfront.GetOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetOriginAccessControlOutput, error) {
	out, err := c.client.GetOriginAccessControl(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "GetOriginAccessControl", false, out, err)
}

func (c *CloudFrontClientImpl) UpdateOriginAccessControl(ctx context.Context, params *cloudfront.UpdateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateOriginAccessControlOutput, error) {
	out, err := c.client.UpdateOriginAccessControl(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "UpdateOriginAccessControl", true, out, err)
}

func (c *CloudFrontClientImpl) DeleteOriginAccessControl(ctx context.Context, params *cloudfront.DeleteOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteOriginAccessControlOutput, error) {
	out, err := c.client.DeleteOriginAccessControl(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "DeleteOriginAccessControl", true, out, err)
}

func (c *CloudFrontClientImpl) ListOriginAccessControls(ctx context.Context, params *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error) {
	out, err := c.client.ListOriginAccessControls(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "ListOriginAccessControls", false, out, err)
}

func (c *CloudFrontClientImpl) CreateDistribution(ctx context.Context, params *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error) {
	out, err := c.client.CreateDistribution(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "CreateDistribution", true, out, err)
}

func (c *CloudFrontClientImpl) GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	out, err := c.client.GetDistribution(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "GetDistribution", false, out, err)
}

func (c *CloudFrontClientImpl) UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	out, err := c.client.UpdateDistribution(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "UpdateDistribution", true, out, err)
}

func (c *CloudFrontClientImpl) DeleteDistribution(ctx context.Context, params *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error) {
	out, err := c.client.DeleteDistribution(ctx, params, optFns...)
	return observe(c.obs, "cloudfront", "DeleteDistribution", true, out, err)
}

// ACMClientImpl implements ACMClient, reporting each call to an Observer.
type ACMClientImpl struct {
	client ACMClient
	obs    Observer
}

// NewACMClient creates a new ACMClientImpl instance
func NewACMClient(client ACMClient, obs Observer) *ACMClientImpl {
	return &ACMClientImpl{client: client, obs: obs}
}

func (c *ACMClientImpl) RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error) {
	out, err := c.client.RequestCertificate(ctx, params, optFns...)
	return observe(c.obs, "acm", "RequestCertificate", true, out, err)
}

func (c *ACMClientImpl) DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	out, err := c.client.DescribeCertificate(ctx, params, optFns...)
	return observe(c.obs, "acm", "DescribeCertificate", false, out, err)
}

func (c *ACMClientImpl) DeleteCertificate(ctx context.Context, params *acm.DeleteCertificateInput, optFns ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error) {
	out, err := c.client.DeleteCertificate(ctx, params, optFns...)
	return observe(c.obs, "acm", "DeleteCertificate", true, out, err)
}

// DynamoDBClientImpl implements DynamoDBClient, reporting each call to an Observer.
// Lock items are sitestack's own bookkeeping, so none of them count as mutations.
type DynamoDBClientImpl struct {
	client DynamoDBClient
	obs    Observer
}

// NewDynamoDBClient creates a new DynamoDBClientImpl instance
func NewDynamoDBClient(client DynamoDBClient, obs Observer) *DynamoDBClientImpl {
	return &DynamoDBClientImpl{client: client, obs: obs}
}

func (c *DynamoDBClientImpl) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	out, err := c.client.PutItem(ctx, params, optFns...)
	return observe(c.obs, "dynamodb", "PutItem", false, out, err)
}

func (c *DynamoDBClientImpl) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	out, err := c.client.GetItem(ctx, params, optFns...)
	return observe(c.obs, "dynamodb", "GetItem", false, out, err)
}

func (c *DynamoDBClientImpl) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	out, err := c.client.DeleteItem(ctx, params, optFns...)
	return observe(c.obs, "dynamodb", "DeleteItem", false, out, err)
}

// IAMClientImpl implements IAMClient, reporting each call to an Observer.
type IAMClientImpl struct {
	client IAMClient
	obs    Observer
}

// NewIAMClient creates a new IAMClientImpl instance
func NewIAMClient(client IAMClient, obs Observer) *IAMClientImpl {
	return &IAMClientImpl{client: client, obs: obs}
}

// SimulatePrincipalPolicy implements the IAMClient interface for permission simulation
func (c *IAMClientImpl) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	out, err := c.client.SimulatePrincipalPolicy(ctx, params, optFns...)
	return observe(c.obs, "iam", "SimulatePrincipalPolicy", false, out, err)
}

// STSClientImpl implements STSClient, reporting each call to an Observer.
type STSClientImpl struct {
	client STSClient
	obs    Observer
}

// NewSTSClient creates a new STSClientImpl instance
func NewSTSClient(client STSClient, obs Observer) *STSClientImpl {
	return &STSClientImpl{client: client, obs: obs}
}

func (c *STSClientImpl) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	out, err := c.client.GetCallerIdentity(ctx, params, optFns...)
	return observe(c.obs, "sts", "GetCallerIdentity", false, out, err)
}

// Clients bundles every service client the reconciler needs.
type Clients struct {
	Route53    Route53Client
	S3         S3Client
	CloudFront CloudFrontClient
	ACM        ACMClient
	DynamoDB   DynamoDBClient
	IAM        IAMClient
	STS        STSClient
}

// Observed wraps every client in c so that calls are reported to obs.
func (c Clients) Observed(obs Observer) Clients {
	return Clients{
		Route53:    NewRoute53Client(c.Route53, obs),
		S3:         NewS3Client(c.S3, obs),
		CloudFront: NewCloudFrontClient(c.CloudFront, obs),
		ACM:        NewACMClient(c.ACM, obs),
		DynamoDB:   NewDynamoDBClient(c.DynamoDB, obs),
		IAM:        NewIAMClient(c.IAM, obs),
		STS:        NewSTSClient(c.STS, obs),
	}
}
