package resource

import (
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
)

// PolicySid is the statement id of the site bucket policy.
const PolicySid = "AllowCloudFrontServicePrincipalReadOnly"

// PolicyDocument is an IAM policy document.
type PolicyDocument struct {
	Version   string            `json:"Version"`
	Statement []PolicyStatement `json:"Statement"`
}

// PolicyStatement is one statement of a PolicyDocument.
type PolicyStatement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// SitePolicy grants the CloudFront service principal read access to every
// object of the bucket, restricted to requests made on behalf of
// distributionARN.
func SitePolicy(bucketARN, distributionARN string) PolicyDocument {
	return PolicyDocument{
		Version: "2012-10-17",
		Statement: []PolicyStatement{{
			Sid:       PolicySid,
			Effect:    "Allow",
			Principal: map[string]string{"Service": "cloudfront.amazonaws.com"},
			Action:    "s3:GetObject",
			Resource:  bucketARN + "/*",
			Condition: map[string]map[string]string{
				"StringEquals": {"AWS:SourceArn": distributionARN},
			},
		}},
	}
}

// CanonicalPolicy renders doc in canonical form.
func CanonicalPolicy(doc PolicyDocument) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return CanonicalizePolicyJSON(string(data))
}

// CanonicalizePolicyJSON normalises a policy document so that semantically
// equal documents compare equal as strings: object keys are sorted,
// whitespace is dropped and single-element arrays collapse to their element.
func CanonicalizePolicyJSON(raw string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", fmt.Errorf("failed to decode policy: %w", err)
	}
	data, err := json.Marshal(canonicalValue(v))
	if err != nil {
		return "", fmt.Errorf("failed to encode policy: %w", err)
	}
	return string(data), nil
}

func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalValue(val)
		}
		return out
	case []any:
		if len(t) == 1 {
			return canonicalValue(t[0])
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalValue(val)
		}
		return out
	default:
		return v
	}
}

// PolicySourceARNs returns the sorted AWS:SourceArn values referenced by a
// policy document. It is used to report which distribution a live policy
// is bound to.
func PolicySourceARNs(raw string) []string {
	var doc struct {
		Statement json.RawMessage `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	var statements []map[string]any
	if err := json.Unmarshal(doc.Statement, &statements); err != nil {
		var single map[string]any
		if err := json.Unmarshal(doc.Statement, &single); err != nil {
			return nil
		}
		statements = []map[string]any{single}
	}

	seen := make(map[string]struct{})
	for _, st := range statements {
		cond, _ := st["Condition"].(map[string]any)
		for _, op := range cond {
			kv, _ := op.(map[string]any)
			switch arn := kv["AWS:SourceArn"].(type) {
			case string:
				seen[arn] = struct{}{}
			case []any:
				for _, a := range arn {
					if s, ok := a.(string); ok {
						seen[s] = struct{}{}
					}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for arn := range seen {
		out = append(out, arn)
	}
	sort.Strings(out)
	return out
}
