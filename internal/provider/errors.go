package provider

import (
	"errors"
	"fmt"

	"github.com/valros/skinarb/internal/domain"
)

// Error codes attached to MarketError. They drive the retry policy:
// auth failures abort immediately, everything else is retried and then
// surfaced as transient.
const (
	ErrCodeAuthFailed  = "AUTH_FAILED"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeTransport   = "TRANSPORT"
	ErrCodeMalformed   = "MALFORMED"
)

// MarketError is a typed failure from a marketplace request.
type MarketError struct {
	Platform    domain.Platform `json:"platform"`
	Code        string          `json:"code"`
	Message     string          `json:"message"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	RateLimited bool            `json:"rate_limited"`
	Temporary   bool            `json:"temporary"`
	Cause       error           `json:"-"`
}

func (e *MarketError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("market %s: %s (%s, http %d)", e.Platform, e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("market %s: %s (%s)", e.Platform, e.Message, e.Code)
}

func (e *MarketError) Unwrap() error {
	return e.Cause
}

// IsAuthFailure reports whether err is a credential rejection (HTTP 401/403).
// Auth failures are never retried; callers surface them to the credential
// layer instead.
func IsAuthFailure(err error) bool {
	var me *MarketError
	return errors.As(err, &me) && me.Code == ErrCodeAuthFailed
}

// IsTemporary reports whether err is worth retrying: rate limits, 5xx,
// timeouts, network errors and malformed payloads.
func IsTemporary(err error) bool {
	var me *MarketError
	return errors.As(err, &me) && me.Temporary
}

// ErrorCode extracts the MarketError code, or "" for untyped errors.
func ErrorCode(err error) string {
	var me *MarketError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

func authError(platform domain.Platform, status int) *MarketError {
	return &MarketError{
		Platform:   platform,
		Code:       ErrCodeAuthFailed,
		Message:    "credentials rejected",
		HTTPStatus: status,
	}
}

func rateLimitError(platform domain.Platform, status int) *MarketError {
	return &MarketError{
		Platform:    platform,
		Code:        ErrCodeRateLimited,
		Message:     "request rate limited",
		HTTPStatus:  status,
		RateLimited: true,
		Temporary:   true,
	}
}

func transportError(platform domain.Platform, status int, msg string, temporary bool, cause error) *MarketError {
	return &MarketError{
		Platform:   platform,
		Code:       ErrCodeTransport,
		Message:    msg,
		HTTPStatus: status,
		Temporary:  temporary,
		Cause:      cause,
	}
}

func malformedError(platform domain.Platform, msg string, cause error) *MarketError {
	return &MarketError{
		Platform:  platform,
		Code:      ErrCodeMalformed,
		Message:   msg,
		Temporary: true,
		Cause:     cause,
	}
}
