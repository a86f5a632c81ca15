// Package apierr defines the gateway's client-facing error taxonomy.
package apierr

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failure; each kind maps to a fixed family of status codes.
type Kind int

const (
	KindCredential Kind = iota + 1
	KindPermission
	KindValidation
	KindRateLimit
	KindCircuitOpen
	KindUpstream
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstream:
		return "upstream"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Client-visible error codes.
const (
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInvalidAPIKeyFormat  = "INVALID_API_KEY_FORMAT"
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeForbidden            = "FORBIDDEN"
	CodeSuspiciousRequest    = "SUSPICIOUS_REQUEST"
	CodeRequestTooLarge      = "REQUEST_TOO_LARGE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodeBadRequest           = "BAD_REQUEST"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeBurstLimitExceeded   = "BURST_LIMIT_EXCEEDED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeBadGateway           = "BAD_GATEWAY"
	CodeGatewayTimeout       = "GATEWAY_TIMEOUT"
	CodeIdentityUnavailable  = "IDENTITY_STORE_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

// Error is a terminal decision: it carries everything needed to render the
// response. Cause is internal and only shown outside production.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	// RetryAfter is set for rate-limit and circuit-open errors.
	RetryAfter time.Duration
	// Details are merged into the response body.
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCause returns a copy of e carrying cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// WithDetail returns a copy of e with an extra body field.
func (e *Error) WithDetail(key string, v any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, val := range e.Details {
		cp.Details[k] = val
	}
	cp.Details[key] = v
	return &cp
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindCredential, Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

func InvalidAPIKeyFormat() *Error {
	return &Error{Kind: KindCredential, Status: http.StatusUnauthorized, Code: CodeInvalidAPIKeyFormat, Message: "API key format is invalid"}
}

func InvalidAPIKey() *Error {
	return &Error{Kind: KindCredential, Status: http.StatusUnauthorized, Code: CodeInvalidAPIKey, Message: "API key is invalid"}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindPermission, Status: http.StatusForbidden, Code: CodeForbidden, Message: msg}
}

func Suspicious() *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Code: CodeSuspiciousRequest, Message: "request contains suspicious content"}
}

func TooLarge(limit int64) *Error {
	return &Error{
		Kind: KindValidation, Status: http.StatusRequestEntityTooLarge, Code: CodeRequestTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}
}

func UnsupportedMediaType(contentType string) *Error {
	return &Error{
		Kind: KindValidation, Status: http.StatusUnsupportedMediaType, Code: CodeUnsupportedMediaType,
		Message: fmt.Sprintf("content type %q is not supported", contentType),
	}
}

func BadRequest(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

// RateLimited builds a 429. burst selects the burst code.
func RateLimited(burst bool, limit, remaining int, resetAt time.Time, now time.Time) *Error {
	code, msg := CodeRateLimitExceeded, "rate limit exceeded"
	if burst {
		code, msg = CodeBurstLimitExceeded, "too many requests in a short period"
	}
	retry := resetAt.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return &Error{
		Kind: KindRateLimit, Status: http.StatusTooManyRequests, Code: code, Message: msg,
		RetryAfter: retry,
		Details: map[string]any{
			"retryAfter": int64((retry + time.Second - 1) / time.Second),
			"limit":      limit,
			"remaining":  remaining,
			"resetAt":    resetAt.UTC().Format(time.RFC3339),
		},
	}
}

func CircuitOpen(service string, retry time.Duration) *Error {
	return &Error{
		Kind: KindCircuitOpen, Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable,
		Message:    fmt.Sprintf("service %s is temporarily unavailable", service),
		RetryAfter: retry,
	}
}

func BadGateway(service string) *Error {
	return &Error{
		Kind: KindUpstream, Status: http.StatusBadGateway, Code: CodeBadGateway,
		Message: fmt.Sprintf("upstream %s failed", service),
	}
}

func GatewayTimeout(service string) *Error {
	return &Error{
		Kind: KindUpstream, Status: http.StatusGatewayTimeout, Code: CodeGatewayTimeout,
		Message: fmt.Sprintf("upstream %s timed out", service),
	}
}

func IdentityUnavailable() *Error {
	return &Error{
		Kind: KindInfrastructure, Status: http.StatusInternalServerError, Code: CodeIdentityUnavailable,
		Message: "authentication is temporarily unavailable",
	}
}

func Internal() *Error {
	return &Error{Kind: KindInfrastructure, Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
}
