package mock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type objectVersion struct {
	id   string
	data []byte
	etag string
}

type bucket struct {
	name       string
	region     string
	pab        *types.PublicAccessBlockConfiguration
	ownership  *types.OwnershipControls
	versioning types.BucketVersioningStatus
	policy     *string
	objects    map[string][]objectVersion
}

// BucketView is a snapshot of a bucket's configuration.
type BucketView struct {
	Name              string
	Region            string
	PublicAccessBlock *types.PublicAccessBlockConfiguration
	Ownership         types.ObjectOwnership
	Versioning        types.BucketVersioningStatus
	Policy            string
	Objects           int
}

// AddBucket creates a bucket directly, bypassing the API. It is used for
// buckets that exist before a run, such as the state bucket.
func (a *Account) AddBucket(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.buckets[name]; !ok {
		a.buckets[name] = &bucket{name: name, region: a.Region, objects: make(map[string][]objectVersion)}
	}
}

// Bucket returns the configuration of a bucket.
func (a *Account) Bucket(name string) (BucketView, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[name]
	if !ok {
		return BucketView{}, false
	}
	v := BucketView{
		Name:              b.name,
		Region:            b.region,
		PublicAccessBlock: b.pab,
		Versioning:        b.versioning,
	}
	if b.ownership != nil && len(b.ownership.Rules) > 0 {
		v.Ownership = b.ownership.Rules[0].ObjectOwnership
	}
	if b.policy != nil {
		v.Policy = *b.policy
	}
	for _, versions := range b.objects {
		v.Objects += len(versions)
	}
	return v, true
}

// SetBucketPolicy replaces a bucket policy directly, bypassing the API.
func (a *Account) SetBucketPolicy(name, policy string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[name]; ok {
		b.policy = aws.String(policy)
	}
}

// SetVersioning changes a bucket's versioning status directly.
func (a *Account) SetVersioning(name string, status types.BucketVersioningStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[name]; ok {
		b.versioning = status
	}
}

// PutObjectDirect stores an object directly, bypassing the API.
func (a *Account) PutObjectDirect(bucketName, key string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[bucketName]; ok {
		a.putObject(b, key, data)
	}
}

// Object returns the latest version of an object.
func (a *Account) Object(bucketName, key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[bucketName]
	if !ok {
		return nil, false
	}
	versions := b.objects[key]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1].data, true
}

// ObjectKeys returns the keys of a bucket with the given prefix, sorted.
func (a *Account) ObjectKeys(bucketName, prefix string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[bucketName]
	if !ok {
		return nil
	}
	var keys []string
	for k, v := range b.objects {
		if len(v) > 0 && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// putObject stores data as a new version. Callers hold a.mu.
func (a *Account) putObject(b *bucket, key string, data []byte) objectVersion {
	v := objectVersion{
		id:   "null",
		data: append([]byte(nil), data...),
		etag: fmt.Sprintf("\"%x\"", len(data)),
	}
	if b.versioning == types.BucketVersioningStatusEnabled {
		v.id = a.nextID("v")
		b.objects[key] = append(b.objects[key], v)
	} else {
		b.objects[key] = []objectVersion{v}
	}
	return v
}

// S3Client is a mock implementation of aws.S3Client. It also satisfies the
// client interface of s3streamer so journals can be streamed back.
type S3Client struct {
	a *Account
}

// S3 returns the S3 client of the account.
func (a *Account) S3() *S3Client {
	return &S3Client{a: a}
}

func noSuchBucket(name string) error {
	return &types.NoSuchBucket{Message: aws.String("The specified bucket does not exist: " + name)}
}

// lookup returns the bucket or NoSuchBucket. Callers hold a.mu.
func (c *S3Client) lookup(name *string) (*bucket, error) {
	b, ok := c.a.buckets[aws.ToString(name)]
	if !ok {
		return nil, noSuchBucket(aws.ToString(name))
	}
	return b, nil
}

func (c *S3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := c.a.begin(ctx, "s3:GetObject"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	versions := b.objects[aws.ToString(params.Key)]
	if len(versions) == 0 {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist: " + aws.ToString(params.Key))}
	}
	v := versions[len(versions)-1]
	content := v.data
	total := int64(len(content))

	out := &s3.GetObjectOutput{ETag: aws.String(v.etag)}
	if params.Range != nil {
		start, end, ok := parseRange(*params.Range, total)
		if !ok {
			return nil, apiError("InvalidRange", "The requested range is not satisfiable")
		}
		content = content[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}
	length := int64(len(content))
	out.ContentLength = &length
	out.Body = io.NopCloser(bytes.NewReader(content))
	return out, nil
}

// parseRange handles the single "bytes=start-end" form.
func parseRange(r string, total int64) (int64, int64, bool) {
	spec, ok := strings.CutPrefix(r, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= total {
		return 0, 0, false
	}
	end := total - 1
	if to != "" {
		e, err := strconv.ParseInt(to, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	return start, end, true
}

func (c *S3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := c.a.begin(ctx, "s3:PutObject"); err != nil {
		return nil, err
	}
	var data []byte
	if params.Body != nil {
		var err error
		if data, err = io.ReadAll(params.Body); err != nil {
			return nil, err
		}
	}

	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	v := c.a.putObject(b, aws.ToString(params.Key), data)
	c.a.mutated("s3:PutObject")
	out := &s3.PutObjectOutput{ETag: aws.String(v.etag)}
	if v.id != "null" {
		out.VersionId = aws.String(v.id)
	}
	return out, nil
}

func (c *S3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := c.a.begin(ctx, "s3:HeadObject"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	versions := b.objects[aws.ToString(params.Key)]
	if len(versions) == 0 {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	v := versions[len(versions)-1]
	length := int64(len(v.data))
	return &s3.HeadObjectOutput{ETag: aws.String(v.etag), ContentLength: &length}, nil
}

func (c *S3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if err := c.a.begin(ctx, "s3:HeadBucket"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, ok := c.a.buckets[aws.ToString(params.Bucket)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("Not Found")}
	}
	return &s3.HeadBucketOutput{BucketRegion: aws.String(b.region)}, nil
}

func (c *S3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if err := c.a.begin(ctx, "s3:CreateBucket"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	name := aws.ToString(params.Bucket)
	if _, ok := c.a.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{Message: aws.String("Your previous request to create the named bucket succeeded and you already own it.")}
	}
	region := "us-east-1"
	if params.CreateBucketConfiguration != nil && params.CreateBucketConfiguration.LocationConstraint != "" {
		region = string(params.CreateBucketConfiguration.LocationConstraint)
	}
	c.a.buckets[name] = &bucket{name: name, region: region, objects: make(map[string][]objectVersion)}
	c.a.mutated("s3:CreateBucket")
	return &s3.CreateBucketOutput{Location: aws.String("/" + name)}, nil
}

func (c *S3Client) DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	if err := c.a.begin(ctx, "s3:DeleteBucket"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	for _, versions := range b.objects {
		if len(versions) > 0 {
			return nil, apiError("BucketNotEmpty", "The bucket you tried to delete is not empty")
		}
	}
	delete(c.a.buckets, b.name)
	c.a.mutated("s3:DeleteBucket")
	return &s3.DeleteBucketOutput{}, nil
}

func (c *S3Client) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	if err := c.a.begin(ctx, "s3:GetPublicAccessBlock"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if b.pab == nil {
		return nil, apiError("NoSuchPublicAccessBlockConfiguration", "The public access block configuration was not found")
	}
	cfg := *b.pab
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: &cfg}, nil
}

func (c *S3Client) PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	if err := c.a.begin(ctx, "s3:PutPublicAccessBlock"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if params.PublicAccessBlockConfiguration == nil {
		return nil, apiError("MalformedXML", "missing configuration")
	}
	cfg := *params.PublicAccessBlockConfiguration
	b.pab = &cfg
	c.a.mutated("s3:PutPublicAccessBlock")
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (c *S3Client) DeletePublicAccessBlock(ctx context.Context, params *s3.DeletePublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.DeletePublicAccessBlockOutput, error) {
	if err := c.a.begin(ctx, "s3:DeletePublicAccessBlock"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	b.pab = nil
	c.a.mutated("s3:DeletePublicAccessBlock")
	return &s3.DeletePublicAccessBlockOutput{}, nil
}

func (c *S3Client) GetBucketOwnershipControls(ctx context.Context, params *s3.GetBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.GetBucketOwnershipControlsOutput, error) {
	if err := c.a.begin(ctx, "s3:GetBucketOwnershipControls"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if b.ownership == nil {
		return nil, apiError("OwnershipControlsNotFoundError", "The bucket ownership controls were not found")
	}
	oc := *b.ownership
	return &s3.GetBucketOwnershipControlsOutput{OwnershipControls: &oc}, nil
}

func (c *S3Client) PutBucketOwnershipControls(ctx context.Context, params *s3.PutBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.PutBucketOwnershipControlsOutput, error) {
	if err := c.a.begin(ctx, "s3:PutBucketOwnershipControls"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if params.OwnershipControls == nil {
		return nil, apiError("MalformedXML", "missing ownership controls")
	}
	oc := *params.OwnershipControls
	b.ownership = &oc
	c.a.mutated("s3:PutBucketOwnershipControls")
	return &s3.PutBucketOwnershipControlsOutput{}, nil
}

func (c *S3Client) DeleteBucketOwnershipControls(ctx context.Context, params *s3.DeleteBucketOwnershipControlsInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOwnershipControlsOutput, error) {
	if err := c.a.begin(ctx, "s3:DeleteBucketOwnershipControls"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	b.ownership = nil
	c.a.mutated("s3:DeleteBucketOwnershipControls")
	return &s3.DeleteBucketOwnershipControlsOutput{}, nil
}

func (c *S3Client) GetBucketVersioning(ctx context.Context, params *s3.GetBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.GetBucketVersioningOutput, error) {
	if err := c.a.begin(ctx, "s3:GetBucketVersioning"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	return &s3.GetBucketVersioningOutput{Status: b.versioning}, nil
}

func (c *S3Client) PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	if err := c.a.begin(ctx, "s3:PutBucketVersioning"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if params.VersioningConfiguration == nil {
		return nil, apiError("MalformedXML", "missing versioning configuration")
	}
	b.versioning = params.VersioningConfiguration.Status
	c.a.mutated("s3:PutBucketVersioning")
	return &s3.PutBucketVersioningOutput{}, nil
}

func (c *S3Client) GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error) {
	if err := c.a.begin(ctx, "s3:GetBucketPolicy"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if b.policy == nil {
		return nil, apiError("NoSuchBucketPolicy", "The bucket policy does not exist")
	}
	return &s3.GetBucketPolicyOutput{Policy: aws.String(*b.policy)}, nil
}

func (c *S3Client) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	if err := c.a.begin(ctx, "s3:PutBucketPolicy"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if b.pab != nil && aws.ToBool(b.pab.BlockPublicPolicy) && strings.Contains(aws.ToString(params.Policy), `"Principal":"*"`) {
		return nil, apiError("AccessDenied", "public policies are blocked")
	}
	b.policy = aws.String(aws.ToString(params.Policy))
	c.a.mutated("s3:PutBucketPolicy")
	return &s3.PutBucketPolicyOutput{}, nil
}

func (c *S3Client) DeleteBucketPolicy(ctx context.Context, params *s3.DeleteBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketPolicyOutput, error) {
	if err := c.a.begin(ctx, "s3:DeleteBucketPolicy"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	b.policy = nil
	c.a.mutated("s3:DeleteBucketPolicy")
	return &s3.DeleteBucketPolicyOutput{}, nil
}

func (c *S3Client) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if err := c.a.begin(ctx, "s3:ListObjectVersions"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		for i, v := range b.objects[k] {
			out.Versions = append(out.Versions, types.ObjectVersion{
				Key:       aws.String(k),
				VersionId: aws.String(v.id),
				IsLatest:  aws.Bool(i == len(b.objects[k])-1),
				ETag:      aws.String(v.etag),
			})
		}
	}
	return out, nil
}

func (c *S3Client) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	if err := c.a.begin(ctx, "s3:DeleteObjects"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	b, err := c.lookup(params.Bucket)
	if err != nil {
		return nil, err
	}
	if params.Delete == nil {
		return nil, apiError("MalformedXML", "missing delete")
	}
	out := &s3.DeleteObjectsOutput{}
	for _, obj := range params.Delete.Objects {
		key := aws.ToString(obj.Key)
		versions := b.objects[key]
		if obj.VersionId == nil {
			delete(b.objects, key)
		} else {
			kept := versions[:0]
			for _, v := range versions {
				if v.id != *obj.VersionId {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(b.objects, key)
			} else {
				b.objects[key] = kept
			}
		}
		out.Deleted = append(out.Deleted, types.DeletedObject{Key: obj.Key, VersionId: obj.VersionId})
	}
	c.a.mutated("s3:DeleteObjects")
	return out, nil
}

// CreateMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (c *S3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CreateMultipartUpload not implemented in mock")
}

// UploadPart is a stub implementation for the s3streamer.S3Client interface
func (c *S3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, fmt.Errorf("UploadPart not implemented in mock")
}

// CompleteMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (c *S3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("CompleteMultipartUpload not implemented in mock")
}

// AbortMultipartUpload is a stub implementation for the s3streamer.S3Client interface
func (c *S3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, fmt.Errorf("AbortMultipartUpload not implemented in mock")
}
