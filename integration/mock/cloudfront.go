package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	json "github.com/goccy/go-json"
)

type originAccessControl struct {
	id     string
	etag   string
	config *types.OriginAccessControlConfig
}

type distribution struct {
	id       string
	arn      string
	domain   string
	etag     string
	status   string
	polls    int
	modified time.Time
	config   *types.DistributionConfig
}

// DistributionView is a snapshot of a distribution.
type DistributionView struct {
	ID             string
	ARN            string
	DomainName     string
	Status         string
	Enabled        bool
	Aliases        []string
	CertificateARN string
	OACID          string
	Config         *types.DistributionConfig
}

// copyOf deep-copies an SDK structure through its JSON form.
func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock: copy failed: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("mock: copy failed: %v", err))
	}
	return out
}

// Distribution returns a distribution by id.
func (a *Account) Distribution(id string) (DistributionView, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.distributions[id]
	if !ok {
		return DistributionView{}, false
	}
	return d.view(), true
}

// Distributions returns every distribution, ordered by id.
func (a *Account) Distributions() []DistributionView {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DistributionView, 0, len(a.distributions))
	for _, d := range a.distributions {
		out = append(out, d.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveDistribution deletes a distribution directly, as an operator would
// from the console.
func (a *Account) RemoveDistribution(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.distributions, id)
}

// OriginAccessControlCount returns the number of OACs.
func (a *Account) OriginAccessControlCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.oacs)
}

func (d *distribution) view() DistributionView {
	v := DistributionView{
		ID:         d.id,
		ARN:        d.arn,
		DomainName: d.domain,
		Status:     d.status,
		Enabled:    aws.ToBool(d.config.Enabled),
		Config:     copyOf(d.config),
	}
	if d.config.Aliases != nil {
		v.Aliases = append(v.Aliases, d.config.Aliases.Items...)
	}
	if d.config.ViewerCertificate != nil {
		v.CertificateARN = aws.ToString(d.config.ViewerCertificate.ACMCertificateArn)
	}
	if d.config.Origins != nil && len(d.config.Origins.Items) > 0 {
		v.OACID = aws.ToString(d.config.Origins.Items[0].OriginAccessControlId)
	}
	return v
}

func (d *distribution) output() *types.Distribution {
	return &types.Distribution{
		Id:                            aws.String(d.id),
		ARN:                           aws.String(d.arn),
		DomainName:                    aws.String(d.domain),
		Status:                        aws.String(d.status),
		LastModifiedTime:              aws.Time(d.modified),
		InProgressInvalidationBatches: aws.Int32(0),
		DistributionConfig:            copyOf(d.config),
	}
}

// CloudFrontClient is a mock implementation of aws.CloudFrontClient.
type CloudFrontClient struct {
	a *Account
}

// CloudFront returns the CloudFront client of the account.
func (a *Account) CloudFront() *CloudFrontClient {
	return &CloudFrontClient{a: a}
}

func checkIfMatch(ifMatch *string, etag string) error {
	if ifMatch == nil {
		return &types.InvalidIfMatchVersion{Message: aws.String("The If-Match version is missing")}
	}
	if *ifMatch != etag {
		return &types.PreconditionFailed{Message: aws.String("The precondition given in one or more of the request header fields evaluated to false")}
	}
	return nil
}

func (c *CloudFrontClient) CreateOriginAccessControl(ctx context.Context, params *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:CreateOriginAccessControl"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	cfg := params.OriginAccessControlConfig
	if cfg == nil || cfg.Name == nil {
		return nil, &types.InvalidArgument{Message: aws.String("name is required")}
	}
	for _, o := range c.a.oacs {
		if aws.ToString(o.config.Name) == *cfg.Name {
			return nil, &types.OriginAccessControlAlreadyExists{Message: aws.String("An origin access control with the same name already exists")}
		}
	}
	o := &originAccessControl{id: c.a.nextID("E2OAC"), etag: c.a.nextID("ETAG"), config: copyOf(cfg)}
	c.a.oacs[o.id] = o
	c.a.mutated("cloudfront:CreateOriginAccessControl")
	return &cloudfront.CreateOriginAccessControlOutput{
		ETag:                aws.String(o.etag),
		OriginAccessControl: &types.OriginAccessControl{Id: aws.String(o.id), OriginAccessControlConfig: copyOf(o.config)},
	}, nil
}

func (c *CloudFrontClient) GetOriginAccessControl(ctx context.Context, params *cloudfront.GetOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetOriginAccessControlOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:GetOriginAccessControl"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	o, ok := c.a.oacs[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchOriginAccessControl{Message: aws.String("The origin access control does not exist")}
	}
	return &cloudfront.GetOriginAccessControlOutput{
		ETag:                aws.String(o.etag),
		OriginAccessControl: &types.OriginAccessControl{Id: aws.String(o.id), OriginAccessControlConfig: copyOf(o.config)},
	}, nil
}

func (c *CloudFrontClient) UpdateOriginAccessControl(ctx context.Context, params *cloudfront.UpdateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateOriginAccessControlOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:UpdateOriginAccessControl"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	o, ok := c.a.oacs[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchOriginAccessControl{Message: aws.String("The origin access control does not exist")}
	}
	if err := checkIfMatch(params.IfMatch, o.etag); err != nil {
		return nil, err
	}
	if params.OriginAccessControlConfig == nil {
		return nil, &types.InvalidArgument{Message: aws.String("configuration is required")}
	}
	o.config = copyOf(params.OriginAccessControlConfig)
	o.etag = c.a.nextID("ETAG")
	c.a.mutated("cloudfront:UpdateOriginAccessControl")
	return &cloudfront.UpdateOriginAccessControlOutput{
		ETag:                aws.String(o.etag),
		OriginAccessControl: &types.OriginAccessControl{Id: aws.String(o.id), OriginAccessControlConfig: copyOf(o.config)},
	}, nil
}

func (c *CloudFrontClient) DeleteOriginAccessControl(ctx context.Context, params *cloudfront.DeleteOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteOriginAccessControlOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:DeleteOriginAccessControl"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	o, ok := c.a.oacs[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchOriginAccessControl{Message: aws.String("The origin access control does not exist")}
	}
	if err := checkIfMatch(params.IfMatch, o.etag); err != nil {
		return nil, err
	}
	for _, d := range c.a.distributions {
		if d.view().OACID == o.id {
			return nil, &types.OriginAccessControlInUse{Message: aws.String("The origin access control is in use")}
		}
	}
	delete(c.a.oacs, o.id)
	c.a.mutated("cloudfront:DeleteOriginAccessControl")
	return &cloudfront.DeleteOriginAccessControlOutput{}, nil
}

func (c *CloudFrontClient) ListOriginAccessControls(ctx context.Context, params *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:ListOriginAccessControls"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	ids := make([]string, 0, len(c.a.oacs))
	for id := range c.a.oacs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := &types.OriginAccessControlList{IsTruncated: aws.Bool(false), Quantity: aws.Int32(int32(len(ids)))}
	for _, id := range ids {
		o := c.a.oacs[id]
		list.Items = append(list.Items, types.OriginAccessControlSummary{
			Id:                            aws.String(o.id),
			Name:                          o.config.Name,
			Description:                   o.config.Description,
			OriginAccessControlOriginType: o.config.OriginAccessControlOriginType,
			SigningBehavior:               o.config.SigningBehavior,
			SigningProtocol:               o.config.SigningProtocol,
		})
	}
	return &cloudfront.ListOriginAccessControlsOutput{OriginAccessControlList: list}, nil
}

// validateDistribution checks the references of a distribution config.
// Callers hold a.mu.
func (c *CloudFrontClient) validateDistribution(selfID string, cfg *types.DistributionConfig) error {
	if cfg == nil || cfg.CallerReference == nil || cfg.Origins == nil || len(cfg.Origins.Items) == 0 {
		return &types.InvalidArgument{Message: aws.String("caller reference and at least one origin are required")}
	}
	if vc := cfg.ViewerCertificate; vc != nil && vc.ACMCertificateArn != nil {
		cert, ok := c.a.certificates[*vc.ACMCertificateArn]
		if !ok || cert.status != "ISSUED" {
			return &types.InvalidViewerCertificate{Message: aws.String("The specified SSL certificate doesn't exist, isn't in us-east-1 region, isn't valid, or doesn't include a valid certificate chain.")}
		}
	}
	for _, origin := range cfg.Origins.Items {
		if id := aws.ToString(origin.OriginAccessControlId); id != "" {
			if _, ok := c.a.oacs[id]; !ok {
				return &types.NoSuchOriginAccessControl{Message: aws.String("The origin access control does not exist")}
			}
		}
	}
	if cfg.Aliases != nil {
		for _, alias := range cfg.Aliases.Items {
			for _, d := range c.a.distributions {
				if d.id == selfID || d.config.Aliases == nil {
					continue
				}
				for _, other := range d.config.Aliases.Items {
					if strings.EqualFold(alias, other) {
						return &types.CNAMEAlreadyExists{Message: aws.String("One or more of the CNAMEs you provided are already associated with a different resource.")}
					}
				}
			}
		}
	}
	return nil
}

func (c *CloudFrontClient) CreateDistribution(ctx context.Context, params *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:CreateDistribution"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	cfg := params.DistributionConfig
	if cfg != nil && cfg.CallerReference != nil {
		for _, d := range c.a.distributions {
			if aws.ToString(d.config.CallerReference) == *cfg.CallerReference {
				return &cloudfront.CreateDistributionOutput{Distribution: d.output(), ETag: aws.String(d.etag)}, nil
			}
		}
	}
	if err := c.validateDistribution("", cfg); err != nil {
		return nil, err
	}

	id := c.a.nextID("E1DIST")
	d := &distribution{
		id:       id,
		arn:      fmt.Sprintf("arn:aws:cloudfront::%s:distribution/%s", AccountID, id),
		domain:   "d" + strings.ToLower(id) + ".cloudfront.net",
		etag:     c.a.nextID("ETAG"),
		status:   "InProgress",
		modified: time.Now(),
		config:   copyOf(cfg),
	}
	c.a.distributions[id] = d
	c.a.mutated("cloudfront:CreateDistribution")
	return &cloudfront.CreateDistributionOutput{
		Distribution: d.output(),
		ETag:         aws.String(d.etag),
		Location:     aws.String("https://cloudfront.amazonaws.com/2020-05-31/distribution/" + id),
	}, nil
}

func (c *CloudFrontClient) GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:GetDistribution"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	d, ok := c.a.distributions[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchDistribution{Message: aws.String("The specified distribution does not exist.")}
	}
	if d.status != "Deployed" {
		d.polls++
		if d.polls > c.a.DeployPolls {
			d.status = "Deployed"
		}
	}
	return &cloudfront.GetDistributionOutput{Distribution: d.output(), ETag: aws.String(d.etag)}, nil
}

func (c *CloudFrontClient) UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:UpdateDistribution"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	d, ok := c.a.distributions[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchDistribution{Message: aws.String("The specified distribution does not exist.")}
	}
	if err := checkIfMatch(params.IfMatch, d.etag); err != nil {
		return nil, err
	}
	if err := c.validateDistribution(d.id, params.DistributionConfig); err != nil {
		return nil, err
	}
	if aws.ToString(params.DistributionConfig.CallerReference) != aws.ToString(d.config.CallerReference) {
		return nil, &types.IllegalUpdate{Message: aws.String("The caller reference cannot be changed")}
	}
	d.config = copyOf(params.DistributionConfig)
	d.etag = c.a.nextID("ETAG")
	d.status = "InProgress"
	d.polls = 0
	d.modified = time.Now()
	c.a.mutated("cloudfront:UpdateDistribution")
	return &cloudfront.UpdateDistributionOutput{Distribution: d.output(), ETag: aws.String(d.etag)}, nil
}

func (c *CloudFrontClient) DeleteDistribution(ctx context.Context, params *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error) {
	if err := c.a.begin(ctx, "cloudfront:DeleteDistribution"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	d, ok := c.a.distributions[aws.ToString(params.Id)]
	if !ok {
		return nil, &types.NoSuchDistribution{Message: aws.String("The specified distribution does not exist.")}
	}
	if err := checkIfMatch(params.IfMatch, d.etag); err != nil {
		return nil, err
	}
	if aws.ToBool(d.config.Enabled) || d.status != "Deployed" {
		return nil, &types.DistributionNotDisabled{Message: aws.String("The distribution you are trying to delete has not been disabled.")}
	}
	delete(c.a.distributions, d.id)
	c.a.mutated("cloudfront:DeleteDistribution")
	return &cloudfront.DeleteDistributionOutput{}, nil
}
