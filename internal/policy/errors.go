// -----------------------------------------------------------------------
// Failure Policy - Error classification shared by coordinator and worker
// -----------------------------------------------------------------------

package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
)

// ErrorKind categorizes a work item failure. The category decides whether
// the item is retried and how the job-level message reads.
type ErrorKind string

const (
	// KindTransient covers infrastructure faults outside the service's
	// control: pod eviction, network resets, store unavailability.
	KindTransient ErrorKind = "transient-infrastructure"
	// KindServiceReported is a failure the backend service itself raised
	KindServiceReported ErrorKind = "service-reported"
	// KindValidation is a malformed or unservable request
	KindValidation ErrorKind = "validation"
	// KindTimeout is an invocation that exceeded its deadline
	KindTimeout ErrorKind = "timeout"
	// KindAuth is an authentication or authorization failure
	KindAuth ErrorKind = "auth"
	// KindCapacity is a quota or rate limit rejection
	KindCapacity ErrorKind = "capacity"
	// KindUnknown is everything unclassified
	KindUnknown ErrorKind = "unknown"
)

// ParseKind maps a category string from a completion payload to an
// ErrorKind, falling back to unknown.
func ParseKind(s string) ErrorKind {
	switch ErrorKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindTransient, KindServiceReported, KindValidation, KindTimeout, KindAuth, KindCapacity:
		return ErrorKind(strings.ToLower(strings.TrimSpace(s)))
	default:
		return KindUnknown
	}
}

// WorkError is an error tagged with its failure category. Callers unwrap it
// with errors.As to recover the kind.
type WorkError struct {
	Kind ErrorKind
	Err  error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *WorkError) Unwrap() error {
	return e.Err
}

// NewWorkError wraps err with a failure category
func NewWorkError(kind ErrorKind, err error) *WorkError {
	return &WorkError{Kind: kind, Err: err}
}

// Errorf builds a categorized error from a format string
func Errorf(kind ErrorKind, format string, args ...interface{}) *WorkError {
	return &WorkError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify derives a failure category from an arbitrary error. Tagged
// errors keep their kind; well-known stdlib errors map to transient or
// timeout; anything else is unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var we *WorkError
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// HTTPStatus maps a failure category to the status the coordinator or the
// job API returns for it.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindFromHTTPStatus classifies a response status from a backend service
// or an upstream API.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindCapacity
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
