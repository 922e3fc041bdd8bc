package transport

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failed homeserver request. Callers pick retry policy
// from the kind: the sync engine retries Network/Server/RateLimited
// indefinitely, interactive commands fail fast.
type Kind int

const (
	// KindNetwork is a transport-level failure: the request never produced
	// an HTTP response (DNS, TCP, TLS, cancelled context).
	KindNetwork Kind = iota + 1
	// KindUnauthorized means the access token was rejected. Fatal for the
	// sync engine.
	KindUnauthorized
	// KindNotFound is a 404 / M_NOT_FOUND, e.g. an unknown room alias.
	KindNotFound
	// KindRateLimited is a 429 / M_LIMIT_EXCEEDED. RetryAfter carries the
	// server-supplied delay when present.
	KindRateLimited
	// KindServer is any 5xx response.
	KindServer
	// KindUnknown is any other non-2xx response (e.g. 403 M_FORBIDDEN).
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// Error is a failed request against the homeserver. The Matrix errcode and
// message are populated when the server returned the standard error JSON.
type Error struct {
	Kind       Kind
	StatusCode int
	Code       string // Matrix errcode, e.g. "M_UNKNOWN_TOKEN"
	Message    string
	RetryAfter time.Duration // only set for KindRateLimited
	Op         string        // method + path, for diagnosis without tracing
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (HTTP %d): %s: %s", e.Op, e.Kind, e.StatusCode, e.Code, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// IsKind reports whether err is a transport Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

func IsUnauthorized(err error) bool { return IsKind(err, KindUnauthorized) }
func IsNotFound(err error) bool     { return IsKind(err, KindNotFound) }
func IsRateLimited(err error) bool  { return IsKind(err, KindRateLimited) }

// IsRetryable reports whether the sync engine may retry the same request.
func IsRetryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindNetwork, KindServer, KindRateLimited:
		return true
	}
	return false
}

// RetryAfter returns the server-supplied retry delay, or zero if err does
// not carry one.
func RetryAfter(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
