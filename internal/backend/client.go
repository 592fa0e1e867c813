package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Response is the part of a backend reply the sync core consumes.
type Response struct {
	StatusCode        int
	Body              []byte
	RetryAfterSeconds *int
}

// RetryAfter converts the retry hint to a duration, zero when absent.
func (r *Response) RetryAfter() time.Duration {
	if r == nil || r.RetryAfterSeconds == nil || *r.RetryAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(*r.RetryAfterSeconds) * time.Second
}

// Error is returned by a Client for any non-2xx response.
type Error struct {
	StatusCode        int
	Body              []byte
	RetryAfterSeconds *int
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// RetryAfter converts the retry hint to a duration, zero when absent.
func (e *Error) RetryAfter() time.Duration {
	return (&Response{RetryAfterSeconds: e.RetryAfterSeconds}).RetryAfter()
}

// AsError unwraps a structured backend failure from err.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Client performs backend calls. Implementations return *Error for non-2xx
// responses and a plain error when no response was received.
type Client interface {
	Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error)
	Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error)
	Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error)
	Patch(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error)
	Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error)
}

// RequestOption customises a single request.
type RequestOption func(h http.Header)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(h http.Header) { h.Set(key, value) }
}

// Header names shared with the backend.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRYWToken       = "OneSignal-RYW-Token"
)

// WithIdempotencyKey tags the request so the backend applies it at most once.
func WithIdempotencyKey(key string) RequestOption {
	return WithHeader(HeaderIdempotencyKey, key)
}

// StatusClass buckets backend status codes by how callers should react.
type StatusClass int

const (
	ClassSuccess StatusClass = iota + 1
	ClassInvalid
	ClassUnauthorized
	ClassForbidden
	ClassMissing
	ClassConflict
	ClassRetryable
)

// Classify maps an HTTP status code to its class.
func Classify(status int) StatusClass {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status == http.StatusBadRequest, status == http.StatusPaymentRequired, status == http.StatusUnprocessableEntity:
		return ClassInvalid
	case status == http.StatusUnauthorized:
		return ClassUnauthorized
	case status == http.StatusForbidden:
		return ClassForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return ClassMissing
	case status == http.StatusConflict:
		return ClassConflict
	default:
		return ClassRetryable
	}
}

func parseRetryAfter(raw string) *int {
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return nil
	}
	return &secs
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
