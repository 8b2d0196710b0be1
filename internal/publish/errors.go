package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind is the caller-facing taxonomy for publish failures. The enforcement
// loop keys retry behavior off these values alone.
type ErrorKind string

const (
	KindTokenInvalid        ErrorKind = "TOKEN_INVALID"
	KindPlatformRejected    ErrorKind = "PLATFORM_REJECTED"
	KindPlatformUnavailable ErrorKind = "PLATFORM_UNAVAILABLE"
	KindUnknown             ErrorKind = "UNKNOWN"
)

// Error is a typed publish failure. Publishers return it instead of ad hoc
// errors so the dispatcher can map outcomes without string matching.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func rejected(msg string) *Error {
	return &Error{Kind: KindPlatformRejected, Message: msg}
}

// classifyStatus maps a platform API status code to an error kind:
// 401 means the token died between validation and use; 429 and 5xx are
// transient; remaining 4xx are content/permission rejections.
func classifyStatus(status int, msg string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return &Error{Kind: KindTokenInvalid, Message: msg, StatusCode: status}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindPlatformUnavailable, Message: msg, StatusCode: status}
	case status >= 400 && status < 500:
		return &Error{Kind: KindPlatformRejected, Message: msg, StatusCode: status}
	default:
		return &Error{Kind: KindPlatformUnavailable, Message: msg, StatusCode: status}
	}
}

// KindOf extracts the kind from any error a publisher can produce. Timeouts
// and transport faults count as PLATFORM_UNAVAILABLE (retryable); anything
// unrecognized is UNKNOWN and logged with full context by the caller.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindPlatformUnavailable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindPlatformUnavailable
	}
	return KindUnknown
}
