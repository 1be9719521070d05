package resource

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gurre/sitestack/config"
)

// ZoneSpec looks up an existing public hosted zone. It is read-only.
type ZoneSpec struct {
	Domain string
}

func (s ZoneSpec) Kind() Kind { return KindZone }

func (s ZoneSpec) Attributes() map[string]string {
	return map[string]string{"name": s.Domain}
}

func (s ZoneSpec) ForceNew() []string { return nil }

// BucketSpec is the private content bucket. Its name is the site domain.
type BucketSpec struct {
	Name   string
	Region string
}

func (s BucketSpec) Kind() Kind { return KindBucket }

func (s BucketSpec) Attributes() map[string]string {
	return map[string]string{"name": s.Name, "region": s.Region}
}

func (s BucketSpec) ForceNew() []string { return []string{"name", "region"} }

// RegionalDomainName is the S3 endpoint CloudFront uses as origin.
func (s BucketSpec) RegionalDomainName() string {
	return BucketRegionalDomainName(s.Name, s.Region)
}

// Partition returns the AWS partition region belongs to.
func Partition(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	default:
		return "aws"
	}
}

// BucketARN returns the ARN of bucket in partition.
func BucketARN(partition, bucket string) string {
	if partition == "" {
		partition = "aws"
	}
	return fmt.Sprintf("arn:%s:s3:::%s", partition, bucket)
}

// BucketRegionalDomainName returns <bucket>.s3.<region>.amazonaws.com.
func BucketRegionalDomainName(bucket, region string) string {
	return fmt.Sprintf("%s.s3.%s.amazonaws.com", bucket, region)
}

// PublicAccessBlockSpec blocks every form of public access on the bucket.
// The four flags are not inputs: Attributes always reports them as true.
type PublicAccessBlockSpec struct {
	Bucket string
}

func (s PublicAccessBlockSpec) Kind() Kind { return KindPublicAccessBlock }

func (s PublicAccessBlockSpec) Attributes() map[string]string {
	return map[string]string{
		"bucket":                  s.Bucket,
		"block_public_acls":       "true",
		"block_public_policy":     "true",
		"ignore_public_acls":      "true",
		"restrict_public_buckets": "true",
	}
}

func (s PublicAccessBlockSpec) ForceNew() []string { return []string{"bucket"} }

// OwnershipControlsSpec pins object ownership to BucketOwnerPreferred.
type OwnershipControlsSpec struct {
	Bucket string
}

func (s OwnershipControlsSpec) Kind() Kind { return KindOwnershipControls }

func (s OwnershipControlsSpec) Attributes() map[string]string {
	return map[string]string{
		"bucket":           s.Bucket,
		"object_ownership": config.ObjectOwnership,
	}
}

func (s OwnershipControlsSpec) ForceNew() []string { return []string{"bucket"} }

// VersioningSpec enables object versioning.
type VersioningSpec struct {
	Bucket string
}

func (s VersioningSpec) Kind() Kind { return KindVersioning }

func (s VersioningSpec) Attributes() map[string]string {
	return map[string]string{"bucket": s.Bucket, "status": "Enabled"}
}

func (s VersioningSpec) ForceNew() []string { return []string{"bucket"} }

// OriginAccessControlSpec lets the distribution sign its requests to the
// bucket.
type OriginAccessControlSpec struct {
	Name        string
	Description string
}

// OriginAccessControlName returns the OAC name used for a domain.
func OriginAccessControlName(domain string) string {
	return domain + "-oac"
}

func (s OriginAccessControlSpec) Kind() Kind { return KindOriginAccessControl }

func (s OriginAccessControlSpec) Attributes() map[string]string {
	return map[string]string{
		"name":             s.Name,
		"description":      s.Description,
		"origin_type":      "s3",
		"signing_behavior": "always",
		"signing_protocol": "sigv4",
	}
}

func (s OriginAccessControlSpec) ForceNew() []string { return nil }

// CertificateSpec requests a DNS-validated certificate.
type CertificateSpec struct {
	DomainName              string
	SubjectAlternativeNames []string
}

func (s CertificateSpec) Kind() Kind { return KindCertificate }

func (s CertificateSpec) Attributes() map[string]string {
	sans := append([]string(nil), s.SubjectAlternativeNames...)
	sort.Strings(sans)
	return map[string]string{
		"domain_name":               s.DomainName,
		"subject_alternative_names": strings.Join(sans, ","),
		"validation_method":         "DNS",
	}
}

func (s CertificateSpec) ForceNew() []string {
	return []string{"domain_name", "subject_alternative_names", "validation_method"}
}

// ValidationRecordsSpec publishes the DNS records proving domain ownership
// for a certificate.
type ValidationRecordsSpec struct {
	ZoneID  string
	Records map[string]ValidationRecord
}

func (s ValidationRecordsSpec) Kind() Kind { return KindValidationRecords }

func (s ValidationRecordsSpec) Attributes() map[string]string {
	attrs := map[string]string{
		"zone_id": s.ZoneID,
		"ttl":     strconv.FormatInt(config.ValidationRecordTTL, 10),
	}
	for domain, r := range s.Records {
		attrs[RecordAttributeKey(domain)] = r.attributeValue()
	}
	return attrs
}

func (s ValidationRecordsSpec) ForceNew() []string { return []string{"zone_id"} }

// CertificateValidationSpec waits for the certificate to be issued.
type CertificateValidationSpec struct {
	CertificateARN string
	RecordFQDNs    []string
}

func (s CertificateValidationSpec) Kind() Kind { return KindCertificateValidation }

func (s CertificateValidationSpec) Attributes() map[string]string {
	fqdns := append([]string(nil), s.RecordFQDNs...)
	sort.Strings(fqdns)
	return map[string]string{
		"certificate_arn":         s.CertificateARN,
		"validation_record_fqdns": strings.Join(fqdns, ","),
	}
}

func (s CertificateValidationSpec) ForceNew() []string { return []string{"certificate_arn"} }

// DistributionSpec is the CDN distribution fronting the bucket. Everything
// besides its references is a fixed design constant.
type DistributionSpec struct {
	Aliases               []string
	OriginID              string
	OriginDomainName      string
	OriginAccessControlID string
	CertificateARN        string
	Comment               string
}

func (s DistributionSpec) Kind() Kind { return KindDistribution }

func (s DistributionSpec) Attributes() map[string]string {
	aliases := append([]string(nil), s.Aliases...)
	sort.Strings(aliases)
	methods := strings.Join(config.AllowedMethods, ",")
	return map[string]string{
		"aliases":                  strings.Join(aliases, ","),
		"comment":                  s.Comment,
		"origin_id":                s.OriginID,
		"origin_domain_name":       s.OriginDomainName,
		"origin_access_control_id": s.OriginAccessControlID,
		"certificate_arn":          s.CertificateARN,
		"enabled":                  "true",
		"ipv6":                     strconv.FormatBool(config.IPv6Enabled),
		"http_version":             config.HTTPVersion,
		"price_class":              config.PriceClass,
		"default_root_object":      config.DefaultRootObject,
		"minimum_protocol_version": config.MinimumProtocolVersion,
		"ssl_support_method":       config.SSLSupportMethod,
		"viewer_protocol_policy":   config.ViewerProtocolPolicy,
		"allowed_methods":          methods,
		"cached_methods":           methods,
		"compress":                 strconv.FormatBool(config.CompressObjects),
		"forward_query_string":     strconv.FormatBool(config.ForwardQueryString),
		"forward_cookies":          "none",
		"min_ttl":                  strconv.FormatInt(config.MinTTL, 10),
		"default_ttl":              strconv.FormatInt(config.DefaultTTL, 10),
		"max_ttl":                  strconv.FormatInt(config.MaxTTL, 10),
		"error_responses":          ErrorResponseAttribute(config.ErrorPageCode, config.ErrorPagePath, config.ErrorPageCode),
		"geo_restriction":          "none",
	}
}

func (s DistributionSpec) ForceNew() []string { return nil }

// ErrorResponseAttribute encodes one custom error response.
func ErrorResponseAttribute(errorCode int, pagePath string, responseCode int) string {
	return fmt.Sprintf("%d:%s:%d", errorCode, pagePath, responseCode)
}

// BucketPolicySpec grants the distribution read access to the bucket.
type BucketPolicySpec struct {
	Bucket          string
	Partition       string // Partition of the bucket, aws when empty
	DistributionARN string
}

func (s BucketPolicySpec) Kind() Kind { return KindBucketPolicy }

// Attributes renders the policy document in canonical form. A document
// that cannot be rendered leaves the policy attribute empty, which never
// matches a live policy.
func (s BucketPolicySpec) Attributes() map[string]string {
	policy, _ := s.Document()
	return map[string]string{"bucket": s.Bucket, "policy": policy}
}

func (s BucketPolicySpec) ForceNew() []string { return []string{"bucket"} }

// Document returns the canonical JSON policy document.
func (s BucketPolicySpec) Document() (string, error) {
	return CanonicalPolicy(SitePolicy(BucketARN(s.Partition, s.Bucket), s.DistributionARN))
}

// AliasRecordSpec points the apex domain at the distribution.
type AliasRecordSpec struct {
	ZoneID        string
	Name          string
	TargetDNSName string
	TargetZoneID  string
}

func (s AliasRecordSpec) Kind() Kind { return KindAliasRecord }

func (s AliasRecordSpec) Attributes() map[string]string {
	return map[string]string{
		"zone_id":                s.ZoneID,
		"name":                   s.Name,
		"type":                   "A",
		"target_dns_name":        s.TargetDNSName,
		"target_zone_id":         s.TargetZoneID,
		"evaluate_target_health": strconv.FormatBool(config.EvaluateTargetHealth),
	}
}

func (s AliasRecordSpec) ForceNew() []string { return []string{"zone_id", "name"} }
