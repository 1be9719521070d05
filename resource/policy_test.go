package resource

import (
	"strings"
	"testing"
)

const distARN = "arn:aws:cloudfront::123456789012:distribution/E1ABCDEF"

func TestSitePolicyDocument(t *testing.T) {
	doc, err := BucketPolicySpec{Bucket: "example.org", DistributionARN: distARN}.Document()
	if err != nil {
		t.Fatalf("failed to render policy: %v", err)
	}

	for _, want := range []string{
		`"Sid":"AllowCloudFrontServicePrincipalReadOnly"`,
		`"Service":"cloudfront.amazonaws.com"`,
		`"Action":"s3:GetObject"`,
		`"Resource":"arn:aws:s3:::example.org/*"`,
		`"AWS:SourceArn":"` + distARN + `"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("policy %s does not contain %s", doc, want)
		}
	}
}

func TestSitePolicyPartition(t *testing.T) {
	testCases := []struct {
		region string
		want   string
	}{
		{"us-east-1", "arn:aws:s3:::example.org/*"},
		{"cn-north-1", "arn:aws-cn:s3:::example.org/*"},
		{"us-gov-west-1", "arn:aws-us-gov:s3:::example.org/*"},
	}

	for _, tc := range testCases {
		t.Run(tc.region, func(t *testing.T) {
			spec := BucketPolicySpec{Bucket: "example.org", Partition: Partition(tc.region), DistributionARN: distARN}
			doc, err := spec.Document()
			if err != nil {
				t.Fatalf("failed to render policy: %v", err)
			}
			if !strings.Contains(doc, `"Resource":"`+tc.want+`"`) {
				t.Errorf("policy %s does not grant %s", doc, tc.want)
			}
		})
	}
}

func TestCanonicalizePolicyJSON(t *testing.T) {
	ours, err := BucketPolicySpec{Bucket: "example.org", DistributionARN: distARN}.Document()
	if err != nil {
		t.Fatalf("failed to render policy: %v", err)
	}

	// S3 returns the document with its own key order and array wrapping
	live := `{
	  "Statement": [{
	    "Resource": ["arn:aws:s3:::example.org/*"],
	    "Condition": {"StringEquals": {"AWS:SourceArn": "` + distARN + `"}},
	    "Action": ["s3:GetObject"],
	    "Principal": {"Service": "cloudfront.amazonaws.com"},
	    "Effect": "Allow",
	    "Sid": "AllowCloudFrontServicePrincipalReadOnly"
	  }],
	  "Version": "2012-10-17"
	}`
	canonical, err := CanonicalizePolicyJSON(live)
	if err != nil {
		t.Fatalf("failed to canonicalize: %v", err)
	}
	if canonical != ours {
		t.Errorf("expected canonical forms to match:\n%s\n%s", canonical, ours)
	}

	if _, err := CanonicalizePolicyJSON("{not json"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestPolicyDriftChangesAttributes(t *testing.T) {
	a := BucketPolicySpec{Bucket: "example.org", DistributionARN: distARN}.Attributes()
	b := BucketPolicySpec{Bucket: "example.org", DistributionARN: distARN + "2"}.Attributes()
	changed := Changed(a, b)
	if len(changed) != 1 || changed[0] != "policy" {
		t.Errorf("expected only policy to change, got %v", changed)
	}
	if RequiresReplacement(BucketPolicySpec{}, changed) {
		t.Error("expected a rebinding to be an in-place update")
	}
}

func TestPolicySourceARNs(t *testing.T) {
	doc, _ := BucketPolicySpec{Bucket: "example.org", DistributionARN: distARN}.Document()
	arns := PolicySourceARNs(doc)
	if len(arns) != 1 || arns[0] != distARN {
		t.Errorf("expected [%s], got %v", distARN, arns)
	}

	multi := `{"Statement":{"Condition":{"StringEquals":{"AWS:SourceArn":["b","a"]}}}}`
	arns = PolicySourceARNs(multi)
	if strings.Join(arns, ",") != "a,b" {
		t.Errorf("expected [a b], got %v", arns)
	}

	if PolicySourceARNs("garbage") != nil {
		t.Error("expected nil for invalid document")
	}
}
