package journal

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/sitestack/integration/mock"
)

const runID = "01J9ZQ3T5Y8W2K6M4N7P0R1S2T"

func TestRecordFillsRunAndTime(t *testing.T) {
	j := New(runID)
	j.Record(Event{Node: "bucket.site", Kind: "bucket", Action: "create", Outcome: OutcomeOK})

	events := j.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].RunID != runID {
		t.Errorf("expected run id %s, got %s", runID, events[0].RunID)
	}
	if events[0].Time.IsZero() {
		t.Error("expected time to be set")
	}
}

func TestObserveCallJournalsMutationsOnly(t *testing.T) {
	j := New(runID)
	j.ObserveCall("s3", "HeadBucket", false, nil)
	j.ObserveCall("s3", "CreateBucket", true, nil)
	j.ObserveCall("cloudfront", "CreateDistribution", true, errors.New("CNAMEAlreadyExists"))

	events := j.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != "s3:CreateBucket" || events[0].Outcome != OutcomeOK {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Outcome != OutcomeFailed || events[1].Error == "" {
		t.Errorf("expected failed event with error, got %+v", events[1])
	}
}

func TestEncodeWritesGzipJSONLines(t *testing.T) {
	j := New(runID)
	j.Record(Event{Node: "data.zone", Kind: "zone", Action: "read", Outcome: OutcomeOK})
	j.Record(Event{Node: "bucket.site", Kind: "bucket", Action: "create", Outcome: OutcomeOK, DurationMS: 12})

	var buf bytes.Buffer
	if err := j.Encode(&buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	gz, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("output is not gzip: %v", err)
	}
	scanner := bufio.NewScanner(gz)
	var lines int
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not JSON: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestObjectKey(t *testing.T) {
	testCases := []struct {
		prefix string
		bucket string
		key    string
	}{
		{"s3://journals", "journals", runID + ".jsonl.gz"},
		{"s3://journals/", "journals", runID + ".jsonl.gz"},
		{"s3://journals/sites/example.org", "journals", "sites/example.org/" + runID + ".jsonl.gz"},
		{"s3://journals/sites/example.org/", "journals", "sites/example.org/" + runID + ".jsonl.gz"},
	}

	for _, tc := range testCases {
		t.Run(tc.prefix, func(t *testing.T) {
			bucket, key, err := ObjectKey(tc.prefix, runID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bucket != tc.bucket || key != tc.key {
				t.Errorf("expected %s/%s, got %s/%s", tc.bucket, tc.key, bucket, key)
			}
		})
	}

	if _, _, err := ObjectKey("file:///tmp", runID); err == nil {
		t.Error("expected error for non-s3 prefix")
	}
	if _, _, err := ObjectKey("s3://journals", ""); err == nil {
		t.Error("expected error for empty run id")
	}
}

func TestFlushAndRead(t *testing.T) {
	acct := mock.NewAccount()
	acct.AddBucket("journals")
	ctx := context.Background()

	j := New(runID)
	j.Record(Event{Node: "bucket.site", Kind: "bucket", Action: "create", Outcome: OutcomeStarted})
	j.ObserveCall("s3", "CreateBucket", true, nil)
	j.Record(Event{Node: "bucket.site", Kind: "bucket", Action: "create", Outcome: OutcomeOK, DurationMS: 40})

	uri, err := j.Flush(ctx, acct.S3(), "s3://journals/example.org")
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if uri != "s3://journals/example.org/"+runID+".jsonl.gz" {
		t.Errorf("unexpected journal URI %s", uri)
	}

	var read []Event
	err = Read(ctx, acct.S3(), "s3://journals/example.org", runID, func(e Event) error {
		read = append(read, e)
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read) != 3 {
		t.Fatalf("expected 3 events, got %d", len(read))
	}
	if read[1].Action != "s3:CreateBucket" {
		t.Errorf("expected events in recording order, got %+v", read)
	}

	if err := Read(ctx, acct.S3(), "s3://journals/example.org", "01J9ZQ000000000000000000", func(Event) error { return nil }); err == nil {
		t.Error("expected error for a missing journal")
	}
}

func TestFlushMissingBucket(t *testing.T) {
	acct := mock.NewAccount()
	j := New(runID)
	if _, err := j.Flush(context.Background(), acct.S3(), "s3://nowhere/journal"); err == nil {
		t.Error("expected error when the bucket does not exist")
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{RunID: runID, Time: base, Node: "bucket.site", Action: "create", Outcome: OutcomeStarted},
		{RunID: runID, Time: base.Add(time.Second), Kind: KindAPI, Action: "s3:CreateBucket", Outcome: OutcomeOK},
		{RunID: runID, Time: base.Add(2 * time.Second), Node: "bucket.site", Action: "create", Outcome: OutcomeOK},
		{RunID: runID, Time: base.Add(3 * time.Second), Node: "certificate.site", Action: "create", Outcome: OutcomeFailed, Error: "boom"},
	}

	s := Summarize(events)
	if s.RunID != runID {
		t.Errorf("expected run id %s, got %s", runID, s.RunID)
	}
	if len(s.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(s.Nodes))
	}
	if s.Nodes[0].Outcome != OutcomeOK {
		t.Errorf("expected final bucket outcome ok, got %s", s.Nodes[0].Outcome)
	}
	if s.Mutations != 1 {
		t.Errorf("expected 1 mutation, got %d", s.Mutations)
	}
	if !s.Failed {
		t.Error("expected summary to be marked failed")
	}
	if s.Finished.Sub(s.Started) != 3*time.Second {
		t.Errorf("expected 3s span, got %v", s.Finished.Sub(s.Started))
	}
}
