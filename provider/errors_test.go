package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/gurre/sitestack/resource"
)

func TestIsTransient(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling", &smithy.GenericAPIError{Code: "Throttling"}, true},
		{"wrapped throttling", fmt.Errorf("call failed: %w", &smithy.GenericAPIError{Code: "ThrottlingException"}), true},
		{"prior request", &smithy.GenericAPIError{Code: "PriorRequestNotComplete"}, true},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain error", errors.New("boom"), false},
		{"not found", ErrNotFound, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NoSuchBucketPolicy"})
	if !hasCode(err, "NoSuchBucket", "NoSuchBucketPolicy") {
		t.Error("expected code to match")
	}
	if hasCode(err, "NoSuchBucket") {
		t.Error("expected code not to match")
	}
	if hasCode(errors.New("plain"), "") {
		t.Error("expected plain error to carry no code")
	}
}

func TestConflictError(t *testing.T) {
	var err error = &ConflictError{Node: AddrBucket, Reason: "bucket example.org already exists"}
	want := "conflict on bucket.site: bucket example.org already exists"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	var conflict *ConflictError
	if !errors.As(fmt.Errorf("apply: %w", err), &conflict) {
		t.Fatal("expected wrapped conflict to be found")
	}
	if conflict.Node != AddrBucket {
		t.Errorf("Node mismatch: got %s", conflict.Node)
	}
}

func TestValidationTimeoutError(t *testing.T) {
	err := &ValidationTimeoutError{
		CertificateARN: "arn:aws:acm:us-east-1:123456789012:certificate/abc",
		Timeout:        45 * time.Minute,
		Pending: []resource.ValidationRecord{{
			Domain: "example.org",
			Name:   "_x.example.org.",
			Type:   "CNAME",
			Value:  "_y.acm-validations.aws.",
		}},
	}
	msg := err.Error()
	for _, part := range []string{"certificate/abc", "45m0s", "_x.example.org. CNAME _y.acm-validations.aws."} {
		if !strings.Contains(msg, part) {
			t.Errorf("expected %q in %q", part, msg)
		}
	}

	empty := &ValidationTimeoutError{CertificateARN: "arn", Timeout: time.Minute}
	if strings.Contains(empty.Error(), "unconfirmed") {
		t.Errorf("expected no record list, got %q", empty.Error())
	}
}
