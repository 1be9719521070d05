package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
)

var (
	// ErrNotFound is returned when a referenced resource, such as the hosted
	// zone, does not exist. It is never retried.
	ErrNotFound = errors.New("not found")

	// ErrValidationFailed is returned when ACM gives up on a certificate.
	ErrValidationFailed = errors.New("certificate validation failed")

	// ErrPreconditionFailed is returned when a node is asked to act before an
	// ordering requirement holds.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrReadOnly is returned by Create and Update of data sources.
	ErrReadOnly = errors.New("resource is read-only")

	// ErrDependencyPending is returned by Desired when a dependency has not
	// been applied yet, so the desired state is only known after apply.
	ErrDependencyPending = errors.New("dependency not applied yet")

	// ErrPollTimeout is returned by Poll when the condition did not hold in
	// time.
	ErrPollTimeout = errors.New("timed out waiting for condition")
)

// ValidationTimeoutError is returned when a certificate is not issued within
// the validation timeout. Pending lists the records ACM has not confirmed,
// so an operator can check them in DNS.
type ValidationTimeoutError struct {
	CertificateARN string
	Timeout        time.Duration
	Pending        []resource.ValidationRecord
}

func (e *ValidationTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "certificate %s was not issued within %s", e.CertificateARN, e.Timeout)
	if len(e.Pending) > 0 {
		b.WriteString("; unconfirmed validation records:")
		for _, r := range e.Pending {
			b.WriteString(" [")
			b.WriteString(r.String())
			b.WriteString("]")
		}
	}
	return b.String()
}

// IncompleteError is returned when a resource was created but a run stopped
// waiting for it to settle. Record identifies the resource so that the next
// run resumes the wait instead of creating a second one.
type IncompleteError struct {
	Record state.Resource
	Err    error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s %s is not ready: %v", e.Record.Kind, e.Record.PhysicalID, e.Err)
}

func (e *IncompleteError) Unwrap() error { return e.Err }

// ConflictError reports a live resource that does not match what sitestack
// last applied, or that exists without ever having been applied.
type ConflictError struct {
	Node   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Node, e.Reason)
}

// transientCodes are API error codes that indicate a temporary condition.
var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
	"PriorRequestNotComplete":  true,
	"ServiceUnavailable":       true,
	"InternalError":            true,
	"InternalFailure":          true,
	"SlowDown":                 true,
	"OperationAborted":         true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
}

// IsTransient reports whether err is worth retrying: a throttling or
// availability error from the service, or a per-call timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transientCodes[errorCode(err)]
}

// errorCode returns the API error code carried by err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// hasCode reports whether err carries one of the given API error codes.
func hasCode(err error, codes ...string) bool {
	code := errorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
