package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind is the stable label stored on failed results.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindTimeout            ErrorKind = "timeout"
	KindHTTPStatus         ErrorKind = "http_status"
	KindCaptchaUnsolved    ErrorKind = "captcha_unsolved"
	KindValidation         ErrorKind = "validation"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindStorage            ErrorKind = "storage"
	KindCanceled           ErrorKind = "canceled"
	KindUnknown            ErrorKind = "unknown"
)

var (
	// ErrElementNotFound is returned when a selector matches nothing.
	ErrElementNotFound = errors.New("element not found")
	// ErrUnsupported is returned by pages that cannot perform an interaction.
	ErrUnsupported = errors.New("operation not supported by this transport")
)

// NetworkError covers connection-level failures such as DNS, refused
// connections, or TLS handshakes.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is raised when navigation or a wait exceeds its deadline.
type TimeoutError struct {
	URL string
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out for %s: %v", e.Op, e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPStatusError is raised when the main document returns a status >= 400.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// ProxySuspect reports whether the status points at the egress proxy being flagged.
func (e *HTTPStatusError) ProxySuspect() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusTooManyRequests
}

// CaptchaUnsolvedError is raised when a challenge was detected and not cleared.
type CaptchaUnsolvedError struct {
	URL       string
	Challenge ChallengeType
}

func (e *CaptchaUnsolvedError) Error() string {
	return fmt.Sprintf("unsolved %s challenge on %s", e.Challenge, e.URL)
}

// ValidationError is raised when every extraction layer came up short.
type ValidationError struct {
	URL       string
	Attempted []ExtractionMethod
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Attempted))
	for _, m := range e.Attempted {
		names = append(names, string(m))
	}
	return fmt.Sprintf("no sufficient event data on %s (tried %s)", e.URL, strings.Join(names, ", "))
}

// ResourceExhaustionError is raised when no session could be obtained.
type ResourceExhaustionError struct {
	Resource string
	Err      error
}

func (e *ResourceExhaustionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exhausted", e.Resource)
	}
	return fmt.Sprintf("%s exhausted: %v", e.Resource, e.Err)
}

func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

// StorageError is raised when a persistent write failed after its retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// KindOf maps an error onto the taxonomy. Unrecognized net errors are
// reported as network failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		netErr     *NetworkError
		timeoutErr *TimeoutError
		statusErr  *HTTPStatusError
		captchaErr *CaptchaUnsolvedError
		validErr   *ValidationError
		exhausted  *ResourceExhaustionError
		storageErr *StorageError
		rawNet     net.Error
	)
	switch {
	case errors.As(err, &validErr):
		return KindValidation
	case errors.As(err, &captchaErr):
		return KindCaptchaUnsolved
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &timeoutErr):
		return KindTimeout
	case errors.As(err, &exhausted):
		return KindResourceExhaustion
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &rawNet):
		if rawNet.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	default:
		return KindUnknown
	}
}
