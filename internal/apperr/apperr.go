package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure for the UI layer.
type Code string

const (
	// Interactive flows
	CodeUserCanceled       Code = "USER_CANCELED"
	CodeCredentialConflict Code = "CREDENTIAL_CONFLICT"
	CodeScopeInsufficient  Code = "SCOPE_INSUFFICIENT"

	// Local validation
	CodeTokenInvalid      Code = "TOKEN_INVALID"
	CodeInvalidNonceState Code = "INVALID_NONCE_STATE"

	// Session
	CodeNotSignedIn     Code = "NOT_SIGNED_IN"
	CodeLastProvider    Code = "LAST_PROVIDER"
	CodeSessionExpired  Code = "SESSION_EXPIRED"
	CodeAlreadyLinking  Code = "ALREADY_LINKING"
	CodeTooManyAttempts Code = "TOO_MANY_ATTEMPTS"

	// Remote collaborators
	CodeTokenExchangeFailed Code = "TOKEN_EXCHANGE_FAILED"
	CodeNetworkFailure      Code = "NETWORK_FAILURE"
	CodeRemoteRejected      Code = "REMOTE_REJECTED"

	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is a typed failure carrying a UI-safe message and an optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Constructors for the taxonomy.

func UserCanceled() *Error {
	return New(CodeUserCanceled, "canceled by user")
}

func CredentialConflict(message string) *Error {
	if message == "" {
		message = "this account is already linked to a different user"
	}
	return New(CodeCredentialConflict, message)
}

func ScopeInsufficient(missing []string) *Error {
	return &Error{
		Code:    CodeScopeInsufficient,
		Message: fmt.Sprintf("grant is missing required scopes: %v", missing),
	}
}

func TokenInvalid(message string) *Error {
	return New(CodeTokenInvalid, message)
}

func InvalidNonceState() *Error {
	return New(CodeInvalidNonceState, "sign-in callback does not match the pending request")
}

func NotSignedIn() *Error {
	return New(CodeNotSignedIn, "no user is signed in")
}

func LastProvider() *Error {
	return New(CodeLastProvider, "cannot unlink the last remaining sign-in method")
}

func AlreadyLinking() *Error {
	return New(CodeAlreadyLinking, "another linking operation is already in progress")
}

func TooManyAttempts() *Error {
	return New(CodeTooManyAttempts, "automatic reconnection attempts exhausted")
}

func TokenExchangeFailed(cause error) *Error {
	return Wrap(CodeTokenExchangeFailed, "could not exchange identity token for a session", cause)
}

func Network(op string, cause error) *Error {
	return Wrap(CodeNetworkFailure, fmt.Sprintf("network failure during %s", op), cause)
}

// RemoteRejected carries the remote store's message verbatim.
func RemoteRejected(message string) *Error {
	return New(CodeRemoteRejected, message)
}

func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// As converts err to *Error when possible.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the error code, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
