package binance

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error kinds. Every error returned by this package wraps exactly one of them.
var (
	ErrNetwork   = errors.New("network error")
	ErrRateLimit = errors.New("rate limited")
	ErrAuth      = errors.New("auth rejected")
	ErrDecode    = errors.New("decode error")
	ErrParse     = errors.New("parse error")
)

// CodeInvalidSymbol is the provider code for an unknown or delisted pair.
const CodeInvalidSymbol = -1121

// APIError carries what the provider told us about a failed call.
type APIError struct {
	Kind       error
	StatusCode int
	Code       int    // provider error code, 0 if absent
	Msg        string // provider message or transport error text
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("binance: %v: http %d code=%d: %s", e.Kind, e.StatusCode, e.Code, e.Msg)
	}
	return fmt.Sprintf("binance: %v: %s", e.Kind, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Kind }

// KindOf returns the error kind wrapped by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrRateLimit, ErrAuth, ErrDecode, ErrParse, ErrNetwork} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsInvalidSymbol reports whether err is the provider rejecting a pair it
// does not list.
func IsInvalidSymbol(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeInvalidSymbol
}

// classifyStatus maps a non-2xx response to an error kind.
// 418 is the IP ban that follows ignored 429s.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return ErrRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	default:
		return ErrNetwork
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func networkError(err error) error {
	return &APIError{Kind: ErrNetwork, Msg: err.Error()}
}

func decodeError(format string, args ...any) error {
	return &APIError{Kind: ErrDecode, Msg: fmt.Sprintf(format, args...)}
}
