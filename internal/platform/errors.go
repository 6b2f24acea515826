package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postdeck/internal/media"
)

type Kind string

const (
	KindAuth        Kind = "auth"
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient_network"
	KindRejected    Kind = "platform_rejected"
	KindUnsupported Kind = "unsupported_platform"
)

// Error is the uniform failure type returned by adapters.
type Error struct {
	Kind       Kind
	Retryable  bool
	RetryAfter time.Duration
	Status     int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, retry bool, msg string, err error) *Error {
	return &Error{Kind: k, Retryable: retry, Message: msg, Err: err}
}

func Auth(msg string, err error) *Error        { return newErr(KindAuth, false, msg, err) }
func Validation(msg string, err error) *Error  { return newErr(KindValidation, false, msg, err) }
func Rejected(msg string, err error) *Error    { return newErr(KindRejected, false, msg, err) }
func Transient(msg string, err error) *Error   { return newErr(KindTransient, true, msg, err) }
func Unsupported(msg string, err error) *Error { return newErr(KindUnsupported, false, msg, err) }

func RateLimited(retryAfter time.Duration, msg string) *Error {
	e := newErr(KindRateLimited, true, msg, nil)
	e.RetryAfter = retryAfter
	return e
}

// As extracts *Error from err.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Normalize maps any error to *Error. Unknown errors are treated as transient.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	switch {
	case errors.Is(err, media.ErrTooLarge), errors.Is(err, media.ErrBadPath),
		errors.Is(err, media.ErrNotExists), errors.Is(err, media.ErrNoPublic):
		return Validation("media", err)
	}
	return ClassifyTransport(err)
}

// ClassifyStatus maps an HTTP status to an error kind:
// 401/403 auth, 400/404/422 rejected, 408/5xx transient, 429 rate limited.
func ClassifyStatus(status int, h http.Header, msg string) *Error {
	var e *Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = Auth(msg, nil)
	case status == http.StatusTooManyRequests:
		e = RateLimited(ParseRetryAfter(h, time.Now()), msg)
	case status == http.StatusRequestTimeout || status >= 500:
		e = Transient(msg, nil)
	default:
		e = Rejected(msg, nil)
	}
	e.Status = status
	return e
}

// Graph API error codes that arrive with a plain 400.
var (
	graphAuthCodes      = map[int]bool{102: true, 190: true}
	graphRateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}
)

// ClassifyGraph refines a status classification with the Graph API
// error.code: expired tokens are auth failures and throttling is retryable
// whatever the HTTP status says.
func ClassifyGraph(status int, h http.Header, msg string, code int) *Error {
	var e *Error
	switch {
	case graphAuthCodes[code]:
		e = Auth(msg, nil)
	case graphRateLimitCodes[code]:
		e = RateLimited(ParseRetryAfter(h, time.Now()), msg)
	default:
		return ClassifyStatus(status, h, msg)
	}
	e.Status = status
	return e
}

// ClassifyTransport maps network failures. Everything reaching here is
// retryable, cancellation included: a canceled call never reached a verdict.
func ClassifyTransport(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}
	if errors.Is(err, context.Canceled) {
		return Transient("canceled", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	return Transient("network", err)
}

// ParseRetryAfter reads Retry-After (seconds or HTTP date) and the
// x-rate-limit-reset epoch header some platforms send instead.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if v := strings.TrimSpace(h.Get("X-Rate-Limit-Reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if t := time.Unix(epoch, 0); t.After(now) {
				return t.Sub(now)
			}
		}
	}
	return 0
}
