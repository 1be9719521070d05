// Package metrics counts what a reconciler run did: the AWS calls it issued,
// how many of them changed the account, how often transient errors were
// retried and the outcome of every node. At the end of the run the counters
// become a Report printed to the console and optionally uploaded to S3.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/state"
)

// Metrics collects the counters of one run. It implements aws.Observer and
// is safe for concurrent use by the node workers.
type Metrics struct {
	mu sync.RWMutex

	apiCalls  int64 // Every AWS call issued
	mutations int64 // Successful calls that changed the account
	apiErrors int64 // Calls that returned an error
	retries   int64 // Retries of transient errors

	// Node outcomes
	created   int64
	updated   int64
	replaced  int64
	deleted   int64
	unchanged int64
	failed    int64

	calls     map[string]int64 // Calls by service:Operation
	startTime time.Time
}

var _ aws.Observer = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance with initialized counters
func NewMetrics() *Metrics {
	return &Metrics{
		calls:     make(map[string]int64),
		startTime: time.Now(),
	}
}

// ObserveCall counts one AWS call.
func (m *Metrics) ObserveCall(service, operation string, mutating bool, err error) {
	atomic.AddInt64(&m.apiCalls, 1)
	if err != nil {
		atomic.AddInt64(&m.apiErrors, 1)
	} else if mutating {
		atomic.AddInt64(&m.mutations, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[service+":"+operation]++
}

// RecordRetry counts one retry. Its signature matches provider.Retrier.OnRetry.
func (m *Metrics) RecordRetry(op string, attempt int, err error) {
	atomic.AddInt64(&m.retries, 1)
}

// RecordNode counts the outcome of one node. action is one of create,
// update, replace, delete, noop and read; a non-nil err counts as failed
// whatever the action.
func (m *Metrics) RecordNode(action string, err error) {
	if err != nil {
		atomic.AddInt64(&m.failed, 1)
		return
	}
	switch action {
	case "create":
		atomic.AddInt64(&m.created, 1)
	case "update":
		atomic.AddInt64(&m.updated, 1)
	case "replace":
		atomic.AddInt64(&m.replaced, 1)
	case "delete":
		atomic.AddInt64(&m.deleted, 1)
	default:
		atomic.AddInt64(&m.unchanged, 1)
	}
}

// Mutations returns the number of successful mutating calls so far.
func (m *Metrics) Mutations() int64 {
	return atomic.LoadInt64(&m.mutations)
}

// Report is the summary of a run.
type Report struct {
	RunID     string           `json:"runId"`     // Run the report belongs to
	Domain    string           `json:"domain"`    // Site domain
	Operation string           `json:"operation"` // apply or destroy
	StartTime time.Time        `json:"startTime"` // When the run started
	EndTime   time.Time        `json:"endTime"`   // When the report was generated
	Duration  time.Duration    `json:"duration"`  // Total duration of the run
	APICalls  int64            `json:"apiCalls"`  // AWS calls issued
	Mutations int64            `json:"mutations"` // Calls that changed the account
	APIErrors int64            `json:"apiErrors"` // Calls that failed
	Retries   int64            `json:"retries"`   // Retried transient errors
	Created   int64            `json:"created"`   // Nodes created
	Updated   int64            `json:"updated"`   // Nodes updated in place
	Replaced  int64            `json:"replaced"`  // Nodes replaced
	Deleted   int64            `json:"deleted"`   // Nodes deleted
	Unchanged int64            `json:"unchanged"` // Nodes left as they were
	Failed    int64            `json:"failed"`    // Nodes that failed
	Calls     map[string]int64 `json:"calls"`     // Calls by service:Operation
	Error     string           `json:"error,omitempty"`
}

// GenerateReport snapshots the counters into a Report.
func (m *Metrics) GenerateReport(runID, domain, operation string, runErr error) Report {
	endTime := time.Now()

	m.mu.RLock()
	calls := make(map[string]int64, len(m.calls))
	for k, v := range m.calls {
		calls[k] = v
	}
	m.mu.RUnlock()

	r := Report{
		RunID:     runID,
		Domain:    domain,
		Operation: operation,
		StartTime: m.startTime,
		EndTime:   endTime,
		Duration:  endTime.Sub(m.startTime),
		APICalls:  atomic.LoadInt64(&m.apiCalls),
		Mutations: atomic.LoadInt64(&m.mutations),
		APIErrors: atomic.LoadInt64(&m.apiErrors),
		Retries:   atomic.LoadInt64(&m.retries),
		Created:   atomic.LoadInt64(&m.created),
		Updated:   atomic.LoadInt64(&m.updated),
		Replaced:  atomic.LoadInt64(&m.replaced),
		Deleted:   atomic.LoadInt64(&m.deleted),
		Unchanged: atomic.LoadInt64(&m.unchanged),
		Failed:    atomic.LoadInt64(&m.failed),
		Calls:     calls,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// MarshalJSON renders the duration in its string form.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns the console summary of the report.
func (r Report) String() string {
	status := "completed"
	if r.Error != "" {
		status = "failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s of %s %s in %s\n", r.Operation, r.Domain, status, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Nodes: %d created, %d updated, %d replaced, %d deleted, %d unchanged, %d failed\n",
		r.Created, r.Updated, r.Replaced, r.Deleted, r.Unchanged, r.Failed)
	fmt.Fprintf(&b, "API calls: %d (%d mutating, %d errors, %d retries)", r.APICalls, r.Mutations, r.APIErrors, r.Retries)
	if r.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", r.Error)
	}
	return b.String()
}

// TopCalls returns the n most frequent operations, most frequent first.
func (r Report) TopCalls(n int) []string {
	ops := make([]string, 0, len(r.Calls))
	for op := range r.Calls {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if r.Calls[ops[i]] != r.Calls[ops[j]] {
			return r.Calls[ops[i]] > r.Calls[ops[j]]
		}
		return ops[i] < ops[j]
	})
	if n < len(ops) {
		ops = ops[:n]
	}
	return ops
}

// Upload writes the report as JSON to the s3://bucket/key uri.
func Upload(ctx context.Context, client aws.S3ObjectClient, uri string, r Report) error {
	bucket, key, err := state.ParseS3URI(uri)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("report URI must include an object key: %s", uri)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	contentType := "application/json"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload report: %w", err)
	}
	return nil
}
