package authkit

import (
	"errors"
	"net/http"
)

// ErrorKind is the stable machine-readable failure category returned to callers.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindConflict           ErrorKind = "conflict"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindWrongProvider      ErrorKind = "wrong_provider"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindNotFound           ErrorKind = "not_found"
	KindExternalAuthFailed ErrorKind = "external_auth_failed"
	KindInternal           ErrorKind = "internal_error"
)

// HTTPStatus maps the kind to its response status.
func (kind ErrorKind) HTTPStatus() int {
	switch kind {
	case KindInvalidInput, KindConflict, KindInvalidCredentials, KindWrongProvider:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AuthError is the only error type AuthService returns. Err is kept for logs and never serialized.
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (authError *AuthError) Error() string {
	if authError.Err != nil {
		return string(authError.Kind) + ": " + authError.Message + ": " + authError.Err.Error()
	}
	return string(authError.Kind) + ": " + authError.Message
}

func (authError *AuthError) Unwrap() error {
	return authError.Err
}

func newAuthError(kind ErrorKind, message string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: cause}
}

func internalError(cause error) *AuthError {
	return newAuthError(KindInternal, "Server error", cause)
}

// KindOf reports the kind of err, falling back to KindInternal for anything unclassified.
func KindOf(err error) ErrorKind {
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError.Kind
	}
	return KindInternal
}

func asAuthError(err error) *AuthError {
	var authError *AuthError
	if errors.As(err, &authError) {
		return authError
	}
	return internalError(err)
}
