// Package preflight verifies, before anything is changed, that the identity a
// run executes as is allowed to call every AWS action the site graph needs.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gurre/sitestack/aws"
	"go.uber.org/zap"
)

// ErrPermissionDenied is returned when the caller lacks required actions.
var ErrPermissionDenied = errors.New("missing required permissions")

// DeniedError lists the actions the principal may not call.
type DeniedError struct {
	Principal string
	Actions   []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: %s is denied %s", ErrPermissionDenied, e.Principal, strings.Join(e.Actions, ", "))
}

func (e *DeniedError) Unwrap() error { return ErrPermissionDenied }

// Actions needed to read and apply the site graph.
var applyActions = []string{
	"route53:ListHostedZonesByName",
	"route53:ListResourceRecordSets",
	"route53:ChangeResourceRecordSets",
	"route53:GetChange",
	"s3:ListBucket",
	"s3:CreateBucket",
	"s3:GetBucketPublicAccessBlock",
	"s3:PutBucketPublicAccessBlock",
	"s3:GetBucketOwnershipControls",
	"s3:PutBucketOwnershipControls",
	"s3:GetBucketVersioning",
	"s3:PutBucketVersioning",
	"s3:GetBucketPolicy",
	"s3:PutBucketPolicy",
	"cloudfront:ListOriginAccessControls",
	"cloudfront:GetOriginAccessControl",
	"cloudfront:CreateOriginAccessControl",
	"cloudfront:UpdateOriginAccessControl",
	"cloudfront:GetDistribution",
	"cloudfront:CreateDistribution",
	"cloudfront:UpdateDistribution",
	"acm:RequestCertificate",
	"acm:DescribeCertificate",
}

// Actions needed to delete replaced or orphaned resources.
var deleteActions = []string{
	"s3:DeleteBucket",
	"s3:DeleteBucketPolicy",
	"s3:PutBucketPublicAccessBlock",
	"s3:PutBucketOwnershipControls",
	"cloudfront:DeleteOriginAccessControl",
	"cloudfront:DeleteDistribution",
	"acm:DeleteCertificate",
}

// Actions needed to empty a bucket before deleting it.
var emptyBucketActions = []string{
	"s3:ListBucketVersions",
	"s3:DeleteObject",
	"s3:DeleteObjectVersion",
}

// Actions destroy needs to find what it deletes.
var destroyReadActions = []string{
	"route53:ListResourceRecordSets",
	"route53:ChangeResourceRecordSets",
	"route53:GetChange",
	"s3:ListBucket",
	"s3:GetBucketPolicy",
	"cloudfront:GetOriginAccessControl",
	"cloudfront:GetDistribution",
	"cloudfront:UpdateDistribution",
	"acm:DescribeCertificate",
}

// RequiredActions returns the sorted IAM actions operation needs. operation
// is apply or destroy. Apply includes the delete actions because replaced
// resources are deleted at the end of the run.
func RequiredActions(operation string, forceDestroy bool) []string {
	groups := [][]string{deleteActions}
	if operation == "destroy" {
		groups = append(groups, destroyReadActions)
	} else {
		groups = append(groups, applyActions)
	}
	if forceDestroy {
		groups = append(groups, emptyBucketActions)
	}

	set := make(map[string]struct{})
	for _, g := range groups {
		for _, a := range g {
			set[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// PrincipalARN maps a caller identity ARN to the IAM principal policy
// simulation accepts. Assumed-role sessions map to their role. The boolean is
// false for principals that cannot be simulated, such as the account root and
// federated users.
func PrincipalARN(callerARN string) (string, bool) {
	// arn:partition:service::account:resource
	parts := strings.SplitN(callerARN, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return "", false
	}
	partition, service, account, res := parts[1], parts[2], parts[4], parts[5]

	switch {
	case service == "sts" && strings.HasPrefix(res, "assumed-role/"):
		segments := strings.Split(res, "/")
		if len(segments) < 3 {
			return "", false
		}
		return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, segments[1]), true
	case service == "iam" && (strings.HasPrefix(res, "user/") || strings.HasPrefix(res, "role/")):
		return callerARN, true
	default:
		return "", false
	}
}

// PartitionOf returns the partition of arn, or "" when arn is malformed.
func PartitionOf(arn string) string {
	parts := strings.SplitN(arn, ":", 3)
	if len(parts) != 3 || parts[0] != "arn" {
		return ""
	}
	return parts[1]
}

// Result describes a completed check.
type Result struct {
	Account   string
	CallerARN string
	Partition string // Partition of the caller
	Principal string   // Simulated principal, empty when skipped
	Skipped   bool     // Principal cannot be simulated
	Actions   []string // Actions that were simulated
}

// Checker runs the permission preflight.
type Checker struct {
	sts    aws.STSClient
	iam    aws.IAMClient
	logger *zap.Logger
}

// NewChecker creates a Checker.
func NewChecker(stsClient aws.STSClient, iamClient aws.IAMClient, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{sts: stsClient, iam: iamClient, logger: logger}
}

// Check resolves the caller and simulates actions against its policies. A
// *DeniedError is returned when any action is not allowed.
func (c *Checker) Check(ctx context.Context, actions []string) (Result, error) {
	identity, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve caller identity: %w", err)
	}

	res := Result{Actions: actions}
	if identity.Account != nil {
		res.Account = *identity.Account
	}
	if identity.Arn != nil {
		res.CallerARN = *identity.Arn
	}
	res.Partition = PartitionOf(res.CallerARN)

	principal, ok := PrincipalARN(res.CallerARN)
	if !ok {
		c.logger.Warn("Skipping permission preflight for unsupported principal",
			zap.String("caller", res.CallerARN))
		res.Skipped = true
		return res, nil
	}
	res.Principal = principal

	denied, err := c.simulate(ctx, principal, actions)
	if err != nil {
		return res, err
	}
	if len(denied) > 0 {
		return res, &DeniedError{Principal: principal, Actions: denied}
	}

	c.logger.Info("Permission preflight passed",
		zap.String("principal", principal),
		zap.Int("actions", len(actions)))
	return res, nil
}

func (c *Checker) simulate(ctx context.Context, principal string, actions []string) ([]string, error) {
	var denied []string
	var marker *string
	for {
		out, err := c.iam.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
			PolicySourceArn: &principal,
			ActionNames:     actions,
			Marker:          marker,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to simulate permissions for %s: %w", principal, err)
		}
		for _, r := range out.EvaluationResults {
			if r.EvalDecision == iamtypes.PolicyEvaluationDecisionTypeAllowed {
				continue
			}
			if r.EvalActionName != nil {
				denied = append(denied, *r.EvalActionName)
			}
		}
		if !out.IsTruncated || out.Marker == nil {
			break
		}
		marker = out.Marker
	}
	sort.Strings(denied)
	return denied, nil
}
