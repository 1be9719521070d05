package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/sitestack/integration/mock"
)

func TestMetricsHappyPath(t *testing.T) {
	m := NewMetrics()

	m.ObserveCall("s3", "CreateBucket", true, nil)
	m.ObserveCall("s3", "HeadBucket", false, nil)
	m.ObserveCall("cloudfront", "CreateDistribution", true, errors.New("throttled"))
	m.RecordRetry("cloudfront:CreateDistribution", 1, errors.New("throttled"))
	m.ObserveCall("cloudfront", "CreateDistribution", true, nil)

	m.RecordNode("create", nil)
	m.RecordNode("create", nil)
	m.RecordNode("noop", nil)
	m.RecordNode("read", nil)
	m.RecordNode("update", nil)
	m.RecordNode("replace", nil)
	m.RecordNode("delete", nil)
	m.RecordNode("create", errors.New("boom"))

	time.Sleep(10 * time.Millisecond)

	report := m.GenerateReport("01J9ZQ3T5Y8W2K6M4N7P0R1S2T", "example.org", "apply", nil)

	if report.APICalls != 4 {
		t.Errorf("expected 4 API calls, got %d", report.APICalls)
	}
	if report.Mutations != 2 {
		t.Errorf("expected 2 mutations, got %d", report.Mutations)
	}
	if report.APIErrors != 1 {
		t.Errorf("expected 1 API error, got %d", report.APIErrors)
	}
	if report.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", report.Retries)
	}
	if report.Created != 2 || report.Unchanged != 2 || report.Updated != 1 || report.Replaced != 1 || report.Deleted != 1 {
		t.Errorf("unexpected node counts: %+v", report)
	}
	if report.Failed != 1 {
		t.Errorf("expected 1 failed node, got %d", report.Failed)
	}
	if report.Calls["cloudfront:CreateDistribution"] != 2 {
		t.Errorf("expected 2 CreateDistribution calls, got %d", report.Calls["cloudfront:CreateDistribution"])
	}
	if report.Duration < 10*time.Millisecond {
		t.Errorf("expected duration >= 10ms, got %v", report.Duration)
	}
	if m.Mutations() != 2 {
		t.Errorf("expected Mutations() to return 2, got %d", m.Mutations())
	}

	str := report.String()
	if !strings.Contains(str, "apply of example.org completed") {
		t.Errorf("unexpected summary: %s", str)
	}
	if !strings.Contains(str, "2 created") {
		t.Errorf("expected created count in summary: %s", str)
	}
}

func TestReportFailedRun(t *testing.T) {
	m := NewMetrics()
	report := m.GenerateReport("run", "example.org", "destroy", errors.New("lock held"))
	if report.Error != "lock held" {
		t.Errorf("expected error to be recorded, got %q", report.Error)
	}
	if !strings.Contains(report.String(), "failed") {
		t.Errorf("expected failed summary, got %s", report.String())
	}
}

func TestConcurrentObservations(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.ObserveCall("route53", "GetChange", false, nil)
			}
		}()
	}
	wg.Wait()

	report := m.GenerateReport("run", "example.org", "apply", nil)
	if report.APICalls != 800 {
		t.Errorf("expected 800 calls, got %d", report.APICalls)
	}
	if report.Calls["route53:GetChange"] != 800 {
		t.Errorf("expected 800 GetChange calls, got %d", report.Calls["route53:GetChange"])
	}
}

func TestReportJSON(t *testing.T) {
	report := Report{
		RunID:    "run",
		Domain:   "example.org",
		Duration: 1500 * time.Millisecond,
		Calls:    map[string]int64{"s3:CreateBucket": 1},
	}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal report: %v", err)
	}
	if decoded["duration"] != "1.5s" {
		t.Errorf("expected duration string 1.5s, got %v", decoded["duration"])
	}
	if _, ok := decoded["error"]; ok {
		t.Error("expected error to be omitted for a successful run")
	}
}

func TestTopCalls(t *testing.T) {
	report := Report{Calls: map[string]int64{
		"route53:GetChange":       5,
		"acm:DescribeCertificate": 9,
		"s3:HeadBucket":           1,
		"s3:CreateBucket":         1,
	}}
	top := report.TopCalls(3)
	expected := []string{"acm:DescribeCertificate", "route53:GetChange", "s3:CreateBucket"}
	if len(top) != len(expected) {
		t.Fatalf("expected %d entries, got %d", len(expected), len(top))
	}
	for i := range expected {
		if top[i] != expected[i] {
			t.Errorf("position %d: expected %s, got %s", i, expected[i], top[i])
		}
	}
}

func TestUpload(t *testing.T) {
	acct := mock.NewAccount()
	acct.AddBucket("reports")

	m := NewMetrics()
	m.RecordNode("create", nil)
	report := m.GenerateReport("run-1", "example.org", "apply", nil)

	ctx := context.Background()
	if err := Upload(ctx, acct.S3(), "s3://reports/runs/run-1.json", report); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, ok := acct.Object("reports", "runs/run-1.json")
	if !ok {
		t.Fatal("expected report object to exist")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("uploaded report is not JSON: %v", err)
	}
	if raw["runId"] != "run-1" {
		t.Errorf("expected runId run-1, got %v", raw["runId"])
	}

	if err := Upload(ctx, acct.S3(), "s3://reports", report); err == nil {
		t.Error("expected error for URI without key")
	}
	if err := Upload(ctx, acct.S3(), "s3://missing-bucket/report.json", report); err == nil {
		t.Error("expected error for missing bucket")
	}
}
