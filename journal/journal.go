// Package journal records what a run did, node by node, and keeps the record
// next to the state as gzip-compressed JSON lines. One object is written per
// run under a configurable S3 prefix and can be streamed back later to show
// the history of a site.
package journal

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/s3streamer"
	"github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/state"
)

// Outcomes of an event.
const (
	OutcomeStarted = "started"
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
)

// KindAPI marks events produced by mutating AWS calls rather than by nodes.
const KindAPI = "api"

// Event is one line of the journal.
// Example:
//
//	{"runId":"01J9ZQ3T5Y8W2K6M4N7P0R1S2T","time":"2026-10-18T09:12:01Z",
//	 "node":"bucket.site","kind":"bucket","action":"create","outcome":"ok","durationMs":412}
type Event struct {
	RunID      string    `json:"runId"`
	Time       time.Time `json:"time"`
	Node       string    `json:"node,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

// Journal collects the events of one run. It implements aws.Observer so
// that every mutating call is journaled alongside the node decisions.
type Journal struct {
	mu     sync.Mutex
	runID  string
	events []Event
	now    func() time.Time
}

var _ aws.Observer = (*Journal)(nil)

// New creates an empty journal for runID.
func New(runID string) *Journal {
	return &Journal{runID: runID, now: time.Now}
}

// RunID returns the run the journal belongs to.
func (j *Journal) RunID() string {
	return j.runID
}

// Record appends e, filling in the run id and time when they are unset.
func (j *Journal) Record(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if e.RunID == "" {
		e.RunID = j.runID
	}
	if e.Time.IsZero() {
		e.Time = j.now().UTC()
	}
	j.events = append(j.events, e)
}

// ObserveCall journals mutating calls. Reads are left to the metrics.
func (j *Journal) ObserveCall(service, operation string, mutating bool, err error) {
	if !mutating {
		return
	}
	e := Event{
		Kind:    KindAPI,
		Action:  service + ":" + operation,
		Outcome: OutcomeOK,
	}
	if err != nil {
		e.Outcome = OutcomeFailed
		e.Error = err.Error()
	}
	j.Record(e)
}

// Events returns a copy of the recorded events in recording order.
func (j *Journal) Events() []Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Event, len(j.events))
	copy(out, j.events)
	return out
}

// Encode writes the events to w as gzip-compressed JSON lines.
func (j *Journal) Encode(w io.Writer) error {
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, e := range j.Events() {
		if err := enc.Encode(e); err != nil {
			_ = gz.Close()
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish journal: %w", err)
	}
	return nil
}

// Flush uploads the journal below prefixURI and returns the object URI.
func (j *Journal) Flush(ctx context.Context, client aws.S3ObjectClient, prefixURI string) (string, error) {
	bucket, key, err := ObjectKey(prefixURI, j.runID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := j.Encode(&buf); err != nil {
		return "", err
	}

	contentType := "application/x-ndjson"
	contentEncoding := "gzip"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          &bucket,
		Key:             &key,
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     &contentType,
		ContentEncoding: &contentEncoding,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload journal: %w", err)
	}
	return "s3://" + bucket + "/" + key, nil
}

// ObjectKey returns the bucket and key of the journal of runID below
// prefixURI.
func ObjectKey(prefixURI, runID string) (bucket, key string, err error) {
	if runID == "" {
		return "", "", fmt.Errorf("run id is required")
	}
	bucket, prefix, err := state.ParseS3URI(prefixURI)
	if err != nil {
		return "", "", err
	}
	key = runID + ".jsonl.gz"
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return bucket, key, nil
}

// Read streams the journal of runID back, calling fn for every event in
// recording order.
func Read(ctx context.Context, streamer s3streamer.Streamer, prefixURI, runID string, fn func(Event) error) error {
	bucket, key, err := ObjectKey(prefixURI, runID)
	if err != nil {
		return err
	}
	err = streamer.Stream(ctx, bucket, key, 0, func(line []byte, offset int64) error {
		if len(bytes.TrimSpace(line)) == 0 {
			return nil
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt journal line at offset %d: %w", offset, err)
		}
		return fn(e)
	})
	if err != nil {
		return fmt.Errorf("failed to read journal %s: %w", key, err)
	}
	return nil
}

// Summary condenses a journal into per-node outcomes for display.
type Summary struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Nodes     []Event // Final event of every node, in completion order
	Mutations int     // Successful mutating calls
	Failed    bool
}

// Summarize reduces events to a Summary. Started events are superseded by
// the node's final event.
func Summarize(events []Event) Summary {
	var s Summary
	index := make(map[string]int)
	for _, e := range events {
		if s.RunID == "" {
			s.RunID = e.RunID
		}
		if s.Started.IsZero() || e.Time.Before(s.Started) {
			s.Started = e.Time
		}
		if e.Time.After(s.Finished) {
			s.Finished = e.Time
		}
		if e.Outcome == OutcomeFailed {
			s.Failed = true
		}
		if e.Kind == KindAPI {
			if e.Outcome == OutcomeOK {
				s.Mutations++
			}
			continue
		}
		if e.Outcome == OutcomeStarted || e.Node == "" {
			continue
		}
		if i, ok := index[e.Node]; ok {
			s.Nodes[i] = e
			continue
		}
		index[e.Node] = len(s.Nodes)
		s.Nodes = append(s.Nodes, e)
	}
	return s
}
