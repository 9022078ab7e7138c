package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Stable machine-readable error codes surfaced in tool results, task
// failures, and structured error details.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeBlocked             = "EBLOCKED"
	CodeBadRedirect         = "EBADREDIRECT"
	CodeNoData              = "ENODATA"
	CodeInvalid             = "EINVAL"
	CodeTimeout             = "ETIMEOUT"
	CodeUnsupportedProtocol = "EUNSUPPORTEDPROTOCOL"
	CodeUnsupportedEncoding = "unsupported_content_encoding"
	CodeBinaryContent       = "binary_content_detected"
)

// StatusClientClosedRequest is the nginx convention for a request the
// caller abandoned; net/http has no constant for it.
const StatusClientClosedRequest = 499

// defaultRetryAfterSeconds is used when a 429 carries no usable Retry-After.
const defaultRetryAfterSeconds = 60

// Kind buckets an Error into the closed failure taxonomy.
type Kind string

const (
	KindCanceled            Kind = "canceled"
	KindAborted             Kind = "aborted"
	KindTimeout             Kind = "timeout"
	KindRateLimited         Kind = "rate_limited"
	KindHTTP                Kind = "http_error"
	KindTooManyRedirects    Kind = "too_many_redirects"
	KindMissingLocation     Kind = "missing_redirect_location"
	KindNetwork             Kind = "network"
	KindValidation          Kind = "validation"
	KindUnsupportedEncoding Kind = "unsupported_encoding"
	KindBinaryContent       Kind = "binary_content"
	KindUnknown             Kind = "unknown"
)

// Error is the single error type every failure in the fetch pipeline is
// folded into. It carries a taxonomy kind, an optional stable code, the
// HTTP-equivalent status (0 when unspecified), and the URL of the failing
// hop.
type Error struct {
	Kind       Kind
	Code       string
	StatusCode int
	Message    string
	URL        string
	RetryAfter int // seconds, set for rate-limited errors
	Details    map[string]any

	cause error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Detail returns the structured detail object surfaced to clients: the
// stable code when one exists, otherwise the kind as a reason.
func (e *Error) Detail() map[string]any {
	d := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		d[k] = v
	}
	if e.Code != "" {
		d["code"] = e.Code
	} else {
		d["reason"] = string(e.Kind)
	}
	if e.RetryAfter > 0 {
		d["retryAfter"] = e.RetryAfter
	}
	return d
}

// Canceled reports a fetch aborted by the caller before completion.
func Canceled(url string) *Error {
	return &Error{Kind: KindCanceled, StatusCode: StatusClientClosedRequest, Message: "request canceled", URL: url}
}

// Aborted reports a body read torn down mid-stream.
func Aborted(url string) *Error {
	return &Error{Kind: KindAborted, StatusCode: StatusClientClosedRequest, Message: "request aborted during read", URL: url}
}

// Timeout reports an elapsed fetch or DNS deadline.
func Timeout(url string) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, StatusCode: http.StatusGatewayTimeout, Message: "request timed out", URL: url}
}

// RateLimited reports an upstream 429 with its parsed Retry-After delay.
func RateLimited(url string, retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		StatusCode: http.StatusTooManyRequests,
		Message:    fmt.Sprintf("rate limited by upstream, retry after %ds", retryAfter),
		URL:        url,
		RetryAfter: retryAfter,
	}
}

// HTTPStatus reports an upstream error status (>= 400) passed through as-is.
func HTTPStatus(url string, status int) *Error {
	return &Error{Kind: KindHTTP, StatusCode: status, Message: fmt.Sprintf("upstream returned HTTP %d", status), URL: url}
}

// TooManyRedirects reports a redirect chain exceeding the hop budget or
// revisiting a URL.
func TooManyRedirects(url string) *Error {
	return &Error{Kind: KindTooManyRedirects, StatusCode: http.StatusInternalServerError, Message: "too many redirects", URL: url}
}

// MissingRedirectLocation reports a 3xx response without a Location header.
func MissingRedirectLocation(url string) *Error {
	return &Error{Kind: KindMissingLocation, StatusCode: http.StatusInternalServerError, Message: "redirect response missing Location header", URL: url}
}

// Validation reports rejected input (bad URL, scheme, length, credentials).
func Validation(url, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, StatusCode: http.StatusBadRequest, Message: msg, URL: url}
}

// Blocked reports a host or IP rejected by the outbound host policy.
func Blocked(url, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeBlocked, StatusCode: http.StatusBadRequest, Message: msg, URL: url}
}

// BadRedirect reports a redirect target carrying credentials.
func BadRedirect(url, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeBadRedirect, StatusCode: http.StatusBadRequest, Message: msg, URL: url}
}

// NoData reports a hostname that resolved to no usable address.
func NoData(url, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeNoData, StatusCode: http.StatusBadRequest, Message: msg, URL: url}
}

// Invalid reports an invalid argument (unparseable host, bad cursor, ...).
func Invalid(url, msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalid, StatusCode: http.StatusBadRequest, Message: msg, URL: url}
}

// UnsupportedProtocol reports a redirect to a non-http(s) scheme.
func UnsupportedProtocol(url, scheme string) *Error {
	return &Error{
		Kind:       KindValidation,
		Code:       CodeUnsupportedProtocol,
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf("unsupported redirect protocol: %s", scheme),
		URL:        url,
	}
}

// UnsupportedContentType reports a response whose declared media type is
// not text-like.
func UnsupportedContentType(url, mediaType string) *Error {
	return &Error{
		Kind:       KindValidation,
		StatusCode: http.StatusUnsupportedMediaType,
		Message:    fmt.Sprintf("unsupported content type: %s", mediaType),
		URL:        url,
	}
}

// UnsupportedEncoding reports a Content-Encoding token outside
// gzip/deflate/br.
func UnsupportedEncoding(url, token string) *Error {
	return &Error{
		Kind:       KindUnsupportedEncoding,
		Code:       CodeUnsupportedEncoding,
		StatusCode: http.StatusUnsupportedMediaType,
		Message:    fmt.Sprintf("unsupported content encoding: %s", token),
		URL:        url,
	}
}

// BinaryContent reports a response body classified as binary.
func BinaryContent(url string) *Error {
	return &Error{
		Kind:       KindBinaryContent,
		Code:       CodeBinaryContent,
		StatusCode: http.StatusInternalServerError,
		Message:    "binary content detected",
		URL:        url,
	}
}

// Network reports a transport-level failure with no more specific bucket.
func Network(url string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: cause.Error(), URL: url, cause: cause}
}

// Unknown wraps an unrecognized failure.
func Unknown(url string, cause error) *Error {
	return &Error{Kind: KindUnknown, Message: cause.Error(), URL: url, cause: cause}
}

// Classify folds any error into the closed taxonomy. Existing *Error values
// pass through (annotated with url when they carry none); context and net
// timeouts map to their taxonomy rows; everything else is a network error.
func Classify(url string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.URL == "" {
			fe.URL = url
		}
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return Canceled(url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(url)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Timeout(url)
	}
	return Network(url, err)
}

// ParseRetryAfter interprets a Retry-After header value as a delay in
// seconds. Accepts a non-negative integer or an HTTP-date (clamped at zero
// for past dates); returns the 60s default when absent or unparseable.
func ParseRetryAfter(header string) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfterSeconds
	}
	if n, err := strconv.Atoi(header); err == nil {
		if n < 0 {
			return defaultRetryAfterSeconds
		}
		return n
	}
	if t, err := http.ParseTime(header); err == nil {
		secs := int(math.Ceil(time.Until(t).Seconds()))
		if secs < 0 {
			return 0
		}
		return secs
	}
	return defaultRetryAfterSeconds
}
