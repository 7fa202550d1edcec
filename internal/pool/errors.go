package pool

import (
	"errors"
	"fmt"
)

// ErrNoCredentialAvailable means no eligible credential could be leased.
var ErrNoCredentialAvailable = errors.New("pool: no credential available")

// ErrNotFound means the credential id does not exist in the pool.
var ErrNotFound = errors.New("pool: credential not found")

// ErrNotDisabled means a delete was attempted on a credential that is still
// enabled.
var ErrNotDisabled = errors.New("pool: credential must be disabled before deletion")

// AuthErrorKind classifies token refresh failures.
type AuthErrorKind int

const (
	// AuthInvalid is a definitive upstream rejection (4xx): the credential
	// is bad and the request should fail over.
	AuthInvalid AuthErrorKind = iota
	// AuthTransient is a network error or 5xx: retrying the same credential
	// may succeed.
	AuthTransient
	// AuthMalformed is an unparseable refresh response.
	AuthMalformed
)

// AuthError is a typed token refresh failure.
type AuthError struct {
	Kind    AuthErrorKind
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case AuthInvalid:
		return fmt.Sprintf("auth invalid (status %d): %s", e.Status, e.Message)
	case AuthTransient:
		return fmt.Sprintf("auth transient (status %d): %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("auth malformed: %s", e.Message)
	}
}

// Retryable reports whether the same credential is worth retrying.
func (e *AuthError) Retryable() bool {
	return e.Kind == AuthTransient
}

// AsAuthError unwraps err into an *AuthError if it is one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
