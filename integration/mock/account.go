// Package mock is an in-memory AWS account for tests. One Account backs the
// Route 53, S3, CloudFront, ACM, DynamoDB, IAM and STS clients so that
// cross-service behaviour is observable: ACM issues a certificate only once
// its validation CNAMEs exist in a hosted zone, CloudFront refuses
// certificates that are not issued, and so on. Every call is counted, calls
// that change the account are counted as mutations, and faults can be
// injected per operation.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/smithy-go"
	sitestackaws "github.com/gurre/sitestack/aws"
)

// AccountID is the account every ARN of the mock belongs to.
const AccountID = "123456789012"

// Account holds the state of all mocked services.
type Account struct {
	mu sync.Mutex

	Region string

	zones         map[string]*hostedZone
	changes       map[string]int
	buckets       map[string]*bucket
	oacs          map[string]*originAccessControl
	distributions map[string]*distribution
	certificates  map[string]*certificate
	tables        map[string]map[string]map[string]any
	deniedActions map[string]bool
	callerARN     string

	// ValidationPolls is the number of DescribeCertificate calls, after the
	// validation records became visible, before the certificate is issued.
	ValidationPolls int
	// RecordPolls is the number of DescribeCertificate calls before ACM
	// attaches resource records to the validation options.
	RecordPolls int
	// HoldValidation keeps certificates pending forever.
	HoldValidation bool
	// ChangePolls is the number of GetChange calls before a change is INSYNC.
	ChangePolls int
	// DeployPolls is the number of GetDistribution calls before a created or
	// updated distribution is Deployed.
	DeployPolls int

	seq       int
	calls     map[string]int
	mutations map[string]int
	faults    map[string][]error
	hooks     map[string][]func(n int)
}

// NewAccount creates an empty account in us-east-1.
func NewAccount() *Account {
	return &Account{
		Region:        "us-east-1",
		zones:         make(map[string]*hostedZone),
		changes:       make(map[string]int),
		buckets:       make(map[string]*bucket),
		oacs:          make(map[string]*originAccessControl),
		distributions: make(map[string]*distribution),
		certificates:  make(map[string]*certificate),
		tables:        make(map[string]map[string]map[string]any),
		deniedActions: make(map[string]bool),
		callerARN:     fmt.Sprintf("arn:aws:sts::%s:assumed-role/deployer/ci-session", AccountID),
		calls:         make(map[string]int),
		mutations:     make(map[string]int),
		faults:        make(map[string][]error),
		hooks:         make(map[string][]func(n int)),
	}
}

// Clients returns every service client of the account.
func (a *Account) Clients() sitestackaws.Clients {
	return sitestackaws.Clients{
		Route53:    a.Route53(),
		S3:         a.S3(),
		CloudFront: a.CloudFront(),
		ACM:        a.ACM(),
		DynamoDB:   a.DynamoDB(),
		IAM:        a.IAM(),
		STS:        a.STS(),
	}
}

// FailNext makes the next n calls of op fail with err. op has the form
// "service:Operation", for example "cloudfront:CreateDistribution".
func (a *Account) FailNext(op string, err error, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.faults[op] = append(a.faults[op], err)
	}
}

// Throttle makes the next n calls of op fail with a Throttling error.
func (a *Account) Throttle(op string, n int) {
	a.FailNext(op, &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}, n)
}

// OnCall registers fn to run before every call of op. fn receives the
// 1-based call number and runs without the account lock held.
func (a *Account) OnCall(op string, fn func(n int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks[op] = append(a.hooks[op], fn)
}

// Calls returns how many times op was called, including failed calls.
func (a *Account) Calls(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// MutationCount returns the number of successful mutating calls.
func (a *Account) MutationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.mutations {
		n += c
	}
	return n
}

// Mutations returns the successful mutating calls by operation.
func (a *Account) Mutations() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.mutations))
	for k, v := range a.mutations {
		out[k] = v
	}
	return out
}

// MutatingOperations returns the operations that mutated the account, sorted.
func (a *Account) MutatingOperations() []string {
	m := a.Mutations()
	out := make([]string, 0, len(m))
	for op := range m {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// ResetCounters clears call and mutation counters.
func (a *Account) ResetCounters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = make(map[string]int)
	a.mutations = make(map[string]int)
}

// begin accounts for a call of op. It returns the context error, or an
// injected fault, before the call touches any state.
func (a *Account) begin(ctx context.Context, op string) error {
	a.mu.Lock()
	a.calls[op]++
	n := a.calls[op]
	hooks := append([]func(int){}, a.hooks[op]...)
	a.mu.Unlock()

	for _, fn := range hooks {
		fn(n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if queue := a.faults[op]; len(queue) > 0 {
		a.faults[op] = queue[1:]
		return queue[0]
	}
	return nil
}

// mutated records a successful mutating call. Callers hold a.mu.
func (a *Account) mutated(op string) {
	a.mutations[op]++
}

// nextID returns a fresh identifier with the given prefix. Callers hold a.mu.
func (a *Account) nextID(prefix string) string {
	a.seq++
	return fmt.Sprintf("%s%06d", prefix, a.seq)
}

func apiError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf(format, args...)}
}
