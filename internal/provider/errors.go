package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrLabelExists is returned by CreateLabel when the name is taken.
	ErrLabelExists = errors.New("label already exists")

	// ErrNotFound is returned when a message, draft or label is unknown
	// to the provider.
	ErrNotFound = errors.New("not found")
)

// AuthError indicates that the provider rejected the access credential.
// The in-flight operation is aborted and the session must re-authenticate.
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Provider, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// NetworkError is a transient transport or server failure. The operation
// failed without side effects and may be retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or any error in its chain) is a
// NetworkError.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
