// Package autherr defines the closed error taxonomy shared by every part of
// the auth subsystem. Components never inspect loose `code`/`retryable`
// fields; they match on *AuthError values with errors.Is/errors.As.
package autherr

import (
	"errors"
	"fmt"
)

// Code identifies a failure reason within the auth subsystem.
type Code string

// The complete set of failure codes. The taxonomy is closed: new codes are a
// breaking change for callers that switch over them exhaustively.
const (
	CodeProviderNotFound   Code = "provider_not_found"
	CodeInvalidState       Code = "invalid_state"
	CodeCodeExchangeFailed Code = "code_exchange_failed"
	CodeInvalidCallback    Code = "invalid_callback"
	CodeNoRefreshToken     Code = "no_refresh_token"
	CodeRefreshFailed      Code = "refresh_failed"
	CodeNoTokenAvailable   Code = "no_token_available"
	CodeTokenRefreshFailed Code = "token_refresh_failed"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeGenerationFailed   Code = "generation_failed"
	CodeVerifierNotFound   Code = "verifier_not_found"
	CodeVerifierExpired    Code = "verifier_expired"
	CodeCryptoUnavailable  Code = "crypto_unavailable"
	CodeStorageUnavailable Code = "storage_unavailable"
)

// AuthError is the tagged variant type carried on the shared error stream.
// Retryable communicates whether the same operation may reasonably be
// attempted again by the user (retry login) as opposed to being terminal for
// the session.
type AuthError struct {
	Code      Code
	Message   string
	Retryable bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, target) match any two AuthErrors with the same
// Code, so sentinel comparisons work without identical messages.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New builds an AuthError with an explicit retryable flag, for codes whose
// retryability depends on the failure site (e.g. generation_failed).
func New(code Code, message string, retryable bool) *AuthError {
	return &AuthError{Code: code, Message: message, Retryable: retryable}
}

// Sentinel values for errors.Is matching. Messages here are defaults;
// constructors below attach situation-specific ones.
var (
	ErrProviderNotFound   = &AuthError{Code: CodeProviderNotFound, Message: "provider not found", Retryable: false}
	ErrInvalidState       = &AuthError{Code: CodeInvalidState, Message: "state parameter mismatch", Retryable: false}
	ErrCodeExchangeFailed = &AuthError{Code: CodeCodeExchangeFailed, Message: "authorization code exchange failed", Retryable: true}
	ErrInvalidCallback    = &AuthError{Code: CodeInvalidCallback, Message: "callback carried neither tokens nor a code", Retryable: true}
	ErrNoRefreshToken     = &AuthError{Code: CodeNoRefreshToken, Message: "no refresh token stored", Retryable: false}
	ErrRefreshFailed      = &AuthError{Code: CodeRefreshFailed, Message: "token refresh failed", Retryable: false}
	ErrNoTokenAvailable   = &AuthError{Code: CodeNoTokenAvailable, Message: "no token available", Retryable: false}
	ErrTokenRefreshFailed = &AuthError{Code: CodeTokenRefreshFailed, Message: "token refresh failed during request", Retryable: true}
	ErrForbidden          = &AuthError{Code: CodeForbidden, Message: "forbidden", Retryable: false}
	ErrUnauthorized       = &AuthError{Code: CodeUnauthorized, Message: "unauthorized", Retryable: false}
	ErrVerifierNotFound   = &AuthError{Code: CodeVerifierNotFound, Message: "PKCE verifier not found", Retryable: false}
	ErrVerifierExpired    = &AuthError{Code: CodeVerifierExpired, Message: "PKCE verifier expired", Retryable: true}
)

// ProviderNotFound reports an unknown provider id.
func ProviderNotFound(id string) *AuthError {
	return &AuthError{Code: CodeProviderNotFound, Message: fmt.Sprintf("unknown provider %q", id), Retryable: false}
}

// CodeExchangeFailed reports a failed token acquisition while completing a
// callback. Retryable: the user can restart the login.
func CodeExchangeFailed(reason string) *AuthError {
	return &AuthError{Code: CodeCodeExchangeFailed, Message: reason, Retryable: true}
}

// CallbackError wraps an error the identity provider itself reported on the
// callback (e.g. access_denied). Never retryable.
func CallbackError(code, description string) *AuthError {
	if description == "" {
		description = "authentication failed at the identity provider"
	}
	return &AuthError{Code: Code(code), Message: description, Retryable: false}
}

// CodeOf returns the taxonomy code for err, or "" if err is not an AuthError.
func CodeOf(err error) Code {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsRetryable reports whether err is an AuthError marked retryable.
// Non-AuthError failures are treated as non-retryable.
func IsRetryable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
