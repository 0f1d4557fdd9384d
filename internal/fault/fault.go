// Package fault defines the error taxonomy shared by the supervisor, the
// tool-call pipeline, and the MCP client. Every failure surfaced to a user
// or retried by a policy is one of these types.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError reports bad tool arguments or an unknown tool name.
// It travels as a status=error envelope over HTTP 200 and is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthReason identifies which authentication or approval check failed.
type AuthReason string

const (
	AuthMissingKey       AuthReason = "missing_api_key"
	AuthInvalidKey       AuthReason = "invalid_api_key"
	AuthNotConfigured    AuthReason = "approval_not_configured"
	AuthTokenMissing     AuthReason = "approval_token_missing"
	AuthTokenMalformed   AuthReason = "approval_token_malformed"
	AuthTokenSignature   AuthReason = "approval_token_signature"
	AuthTokenExpired     AuthReason = "approval_token_expired"
	AuthTokenToolMism    AuthReason = "approval_token_tool_mismatch"
	AuthTokenSessionMism AuthReason = "approval_token_session_mismatch"
	AuthTokenArgsMism    AuthReason = "approval_token_args_mismatch"
)

// AuthError reports a missing/invalid API key or an approval-token failure.
// Mapped to HTTP 401/403 at transport edges; never retried.
type AuthError struct {
	Reason AuthReason
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return string(e.Reason)
}

// ResolutionError reports that the parameter resolver could not fill a
// required field. Surfaced as a tool error with a one-line reason.
type ResolutionError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %s for %s: %s", e.Field, e.Tool, e.Reason)
}

// UpstreamError reports a failure talking to an external API or another
// service. Status 0 means a network-level error.
type UpstreamError struct {
	Source string
	Status int
	// RetryAfter is the server-suggested delay in seconds, when present.
	RetryAfter int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: upstream status %d", e.Source, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: network errors,
// 429, and 5xx. 401/403/404 and other 4xx are permanent.
func (e *UpstreamError) Transient() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == 429 || e.Status >= 500
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuth returns the AuthError when err is one.
func IsAuth(err error) (*AuthError, bool) {
	var a *AuthError
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}

// IsResolution returns the ResolutionError when err is one.
func IsResolution(err error) (*ResolutionError, bool) {
	var r *ResolutionError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// IsUpstream returns the UpstreamError when err is one.
func IsUpstream(err error) (*UpstreamError, bool) {
	var u *UpstreamError
	if errors.As(err, &u) {
		return u, true
	}
	return nil, false
}

// Retryable reports whether err should be retried by a backoff policy.
func Retryable(err error) bool {
	if u, ok := IsUpstream(err); ok {
		return u.Transient()
	}
	return false
}
