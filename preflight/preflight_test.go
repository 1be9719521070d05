package preflight

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/gurre/sitestack/integration/mock"
	"go.uber.org/zap/zaptest"
)

func TestPrincipalARN(t *testing.T) {
	testCases := []struct {
		name      string
		caller    string
		principal string
		ok        bool
	}{
		{"assumed role", "arn:aws:sts::123456789012:assumed-role/deployer/ci-session", "arn:aws:iam::123456789012:role/deployer", true},
		{"china partition", "arn:aws-cn:sts::123456789012:assumed-role/deployer/s", "arn:aws-cn:iam::123456789012:role/deployer", true},
		{"iam user", "arn:aws:iam::123456789012:user/alice", "arn:aws:iam::123456789012:user/alice", true},
		{"iam role", "arn:aws:iam::123456789012:role/admin", "arn:aws:iam::123456789012:role/admin", true},
		{"root", "arn:aws:iam::123456789012:root", "", false},
		{"federated", "arn:aws:sts::123456789012:federated-user/bob", "", false},
		{"malformed", "not-an-arn", "", false},
		{"truncated assumed role", "arn:aws:sts::123456789012:assumed-role/deployer", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			principal, ok := PrincipalARN(tc.caller)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if principal != tc.principal {
				t.Errorf("expected %q, got %q", tc.principal, principal)
			}
		})
	}
}

func TestRequiredActions(t *testing.T) {
	apply := RequiredActions("apply", false)
	if !sort.StringsAreSorted(apply) {
		t.Error("expected sorted actions")
	}
	if !contains(apply, "cloudfront:CreateDistribution") || !contains(apply, "acm:DeleteCertificate") {
		t.Errorf("apply actions incomplete: %v", apply)
	}
	if contains(apply, "s3:DeleteObjectVersion") {
		t.Error("did not expect bucket emptying actions without force destroy")
	}

	destroy := RequiredActions("destroy", true)
	if contains(destroy, "cloudfront:CreateDistribution") {
		t.Error("did not expect create actions for destroy")
	}
	if !contains(destroy, "s3:DeleteObjectVersion") || !contains(destroy, "s3:DeleteBucket") {
		t.Errorf("destroy actions incomplete: %v", destroy)
	}

	seen := make(map[string]bool)
	for _, a := range destroy {
		if seen[a] {
			t.Errorf("duplicate action %s", a)
		}
		seen[a] = true
	}
}

func TestCheckAllowed(t *testing.T) {
	acct := mock.NewAccount()
	c := NewChecker(acct.STS(), acct.IAM(), zaptest.NewLogger(t))

	res, err := c.Check(context.Background(), RequiredActions("apply", false))
	if err != nil {
		t.Fatalf("expected check to pass, got: %v", err)
	}
	if res.Principal != "arn:aws:iam::"+mock.AccountID+":role/deployer" {
		t.Errorf("unexpected principal %s", res.Principal)
	}
	if res.Account != mock.AccountID {
		t.Errorf("expected account %s, got %s", mock.AccountID, res.Account)
	}
	if res.Skipped {
		t.Error("did not expect the check to be skipped")
	}
	if res.Partition != "aws" {
		t.Errorf("expected partition aws, got %q", res.Partition)
	}
}

func TestPartitionOf(t *testing.T) {
	testCases := map[string]string{
		"arn:aws:sts::123456789012:assumed-role/deployer/s":        "aws",
		"arn:aws-cn:iam::123456789012:user/alice":                  "aws-cn",
		"arn:aws-us-gov:sts::123456789012:assumed-role/deployer/s": "aws-us-gov",
		"not-an-arn": "",
	}
	for arn, want := range testCases {
		if got := PartitionOf(arn); got != want {
			t.Errorf("PartitionOf(%q) = %q, want %q", arn, got, want)
		}
	}
}

func TestCheckDenied(t *testing.T) {
	acct := mock.NewAccount()
	acct.DenyActions("cloudfront:CreateDistribution", "acm:RequestCertificate")
	c := NewChecker(acct.STS(), acct.IAM(), zaptest.NewLogger(t))

	_, err := c.Check(context.Background(), RequiredActions("apply", false))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got: %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected *DeniedError, got %T", err)
	}
	expected := []string{"acm:RequestCertificate", "cloudfront:CreateDistribution"}
	if len(denied.Actions) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, denied.Actions)
	}
	for i := range expected {
		if denied.Actions[i] != expected[i] {
			t.Errorf("expected %v, got %v", expected, denied.Actions)
		}
	}
}

func TestCheckSkipsRoot(t *testing.T) {
	acct := mock.NewAccount()
	acct.SetCaller("arn:aws:iam::" + mock.AccountID + ":root")
	acct.DenyActions("s3:CreateBucket")
	c := NewChecker(acct.STS(), acct.IAM(), zaptest.NewLogger(t))

	res, err := c.Check(context.Background(), RequiredActions("apply", false))
	if err != nil {
		t.Fatalf("expected root to be skipped, got: %v", err)
	}
	if !res.Skipped {
		t.Error("expected result to be marked skipped")
	}
	if acct.Calls("iam:SimulatePrincipalPolicy") != 0 {
		t.Error("did not expect a simulation for the root principal")
	}
}

func TestCheckIdentityError(t *testing.T) {
	acct := mock.NewAccount()
	acct.FailNext("sts:GetCallerIdentity", errors.New("expired token"), 1)
	c := NewChecker(acct.STS(), acct.IAM(), nil)

	if _, err := c.Check(context.Background(), []string{"s3:CreateBucket"}); err == nil {
		t.Error("expected identity error")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
