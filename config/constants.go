package config

import "time"

// Fixed values of the site design. They are not exposed as configuration.
const (
	PriceClass             = "PriceClass_100"
	MinimumProtocolVersion = "TLSv1.2_2021"
	SSLSupportMethod       = "sni-only"
	DefaultRootObject      = "index.html"
	ErrorPagePath          = "/404.html"
	ErrorPageCode          = 404
	ViewerProtocolPolicy   = "redirect-to-https"
	HTTPVersion            = "http2"
	CompressObjects        = true
	IPv6Enabled            = true
	ForwardQueryString     = false
	EvaluateTargetHealth   = false

	MinTTL     int64 = 0
	DefaultTTL int64 = 3600
	MaxTTL     int64 = 86400

	// ValidationRecordTTL is the TTL in seconds of published certificate
	// validation records.
	ValidationRecordTTL int64 = 60

	// CertificateRegion is where the certificate is requested. CloudFront
	// only accepts certificates issued in us-east-1.
	CertificateRegion = "us-east-1"

	// CloudFrontHostedZoneID is the hosted zone id used by every alias
	// record targeting a CloudFront distribution.
	CloudFrontHostedZoneID = "Z2FDTNDATAQYW2"

	// ObjectOwnership is the ownership mode of the site bucket.
	ObjectOwnership = "BucketOwnerPreferred"
)

// AllowedMethods are both the allowed and the cached methods of the default
// cache behaviour.
var AllowedMethods = []string{"GET", "HEAD"}

// DeployPollLimit bounds how long a distribution delete waits for the
// disabled distribution to redeploy.
const DeployPollLimit = 30 * time.Minute
