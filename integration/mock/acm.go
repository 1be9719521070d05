package mock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/acm/types"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

type validationOption struct {
	domain string
	name   string
	value  string
	status types.DomainStatus
}

type certificate struct {
	arn       string
	domain    string
	sans      []string
	token     string
	status    string
	polls     int
	seenPolls int
	options   []*validationOption
	created   time.Time
	issued    time.Time
}

// CertificateView is a snapshot of a certificate.
type CertificateView struct {
	ARN     string
	Domain  string
	Status  string
	Records map[string]string // record name -> value
}

// Certificate returns a certificate by ARN.
func (a *Account) Certificate(arn string) (CertificateView, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.certificates[arn]
	if !ok {
		return CertificateView{}, false
	}
	return c.view(), true
}

// Certificates returns every certificate, ordered by ARN.
func (a *Account) Certificates() []CertificateView {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CertificateView, 0, len(a.certificates))
	for _, c := range a.certificates {
		out = append(out, c.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ARN < out[j].ARN })
	return out
}

// FailCertificate moves a certificate to FAILED.
func (a *Account) FailCertificate(arn string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.certificates[arn]; ok {
		c.status = string(types.CertificateStatusFailed)
		for _, o := range c.options {
			o.status = types.DomainStatusFailed
		}
	}
}

func (c *certificate) view() CertificateView {
	v := CertificateView{ARN: c.arn, Domain: c.domain, Status: c.status, Records: make(map[string]string)}
	for _, o := range c.options {
		v.Records[o.name] = o.value
	}
	return v
}

// ACMClient is a mock implementation of aws.ACMClient.
type ACMClient struct {
	a *Account
}

// ACM returns the ACM client of the account.
func (a *Account) ACM() *ACMClient {
	return &ACMClient{a: a}
}

func hashLabel(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("_%x", sum[:16])
}

func (c *ACMClient) RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error) {
	if err := c.a.begin(ctx, "acm:RequestCertificate"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	domain := strings.ToLower(aws.ToString(params.DomainName))
	if domain == "" {
		return nil, &types.InvalidParameterException{Message: aws.String("DomainName is required")}
	}
	if params.ValidationMethod != types.ValidationMethodDns {
		return nil, &types.InvalidParameterException{Message: aws.String("only DNS validation is supported")}
	}
	token := aws.ToString(params.IdempotencyToken)
	if token != "" {
		for _, cert := range c.a.certificates {
			if cert.token == token && cert.domain == domain {
				return &acm.RequestCertificateOutput{CertificateArn: aws.String(cert.arn)}, nil
			}
		}
	}

	arn := fmt.Sprintf("arn:aws:acm:us-east-1:%s:certificate/%s", AccountID, c.a.nextID("cert-"))
	cert := &certificate{
		arn:     arn,
		domain:  domain,
		token:   token,
		status:  string(types.CertificateStatusPendingValidation),
		created: time.Now(),
	}
	domains := []string{domain}
	for _, san := range params.SubjectAlternativeNames {
		san = strings.ToLower(san)
		if san != domain {
			domains = append(domains, san)
		}
	}
	cert.sans = domains
	for _, d := range domains {
		// A wildcard shares the record of its base domain.
		base := strings.TrimPrefix(d, "*.")
		cert.options = append(cert.options, &validationOption{
			domain: d,
			name:   hashLabel(arn, base) + "." + base + ".",
			value:  hashLabel("value", arn, base) + ".acm-validations.aws.",
			status: types.DomainStatusPendingValidation,
		})
	}
	c.a.certificates[arn] = cert
	c.a.mutated("acm:RequestCertificate")
	return &acm.RequestCertificateOutput{CertificateArn: aws.String(arn)}, nil
}

func (c *ACMClient) DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	if err := c.a.begin(ctx, "acm:DescribeCertificate"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	cert, ok := c.a.certificates[aws.ToString(params.CertificateArn)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Could not find certificate " + aws.ToString(params.CertificateArn))}
	}
	cert.polls++
	c.a.advanceValidation(cert)

	detail := &types.CertificateDetail{
		CertificateArn:          aws.String(cert.arn),
		DomainName:              aws.String(cert.domain),
		SubjectAlternativeNames: append([]string(nil), cert.sans...),
		Status:                  types.CertificateStatus(cert.status),
		Type:                    types.CertificateTypeAmazonIssued,
		CreatedAt:               aws.Time(cert.created),
	}
	if !cert.issued.IsZero() {
		detail.IssuedAt = aws.Time(cert.issued)
	}
	for _, d := range c.a.distributions {
		if d.view().CertificateARN == cert.arn {
			detail.InUseBy = append(detail.InUseBy, d.arn)
		}
	}
	for _, o := range cert.options {
		dv := types.DomainValidation{
			DomainName:       aws.String(o.domain),
			ValidationDomain: aws.String(o.domain),
			ValidationMethod: types.ValidationMethodDns,
			ValidationStatus: o.status,
		}
		if cert.polls > c.a.RecordPolls {
			dv.ResourceRecord = &types.ResourceRecord{
				Name:  aws.String(o.name),
				Type:  types.RecordTypeCname,
				Value: aws.String(o.value),
			}
		}
		detail.DomainValidationOptions = append(detail.DomainValidationOptions, dv)
	}
	return &acm.DescribeCertificateOutput{Certificate: detail}, nil
}

// advanceValidation issues a pending certificate once all of its validation
// records are published. Callers hold a.mu.
func (a *Account) advanceValidation(cert *certificate) {
	if cert.status != string(types.CertificateStatusPendingValidation) || a.HoldValidation {
		return
	}
	allSeen := true
	for _, o := range cert.options {
		if a.recordExists(o.name, r53types.RRTypeCname, o.value) {
			o.status = types.DomainStatusSuccess
		} else {
			allSeen = false
		}
	}
	if !allSeen {
		return
	}
	cert.seenPolls++
	if cert.seenPolls > a.ValidationPolls {
		cert.status = string(types.CertificateStatusIssued)
		cert.issued = time.Now()
	}
}

func (c *ACMClient) DeleteCertificate(ctx context.Context, params *acm.DeleteCertificateInput, optFns ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error) {
	if err := c.a.begin(ctx, "acm:DeleteCertificate"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	arn := aws.ToString(params.CertificateArn)
	if _, ok := c.a.certificates[arn]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Could not find certificate " + arn)}
	}
	for _, d := range c.a.distributions {
		if d.view().CertificateARN == arn {
			return nil, &types.ResourceInUseException{Message: aws.String("Certificate " + arn + " is in use by " + d.arn)}
		}
	}
	delete(c.a.certificates, arn)
	c.a.mutated("acm:DeleteCertificate")
	return &acm.DeleteCertificateOutput{}, nil
}
