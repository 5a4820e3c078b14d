package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionRevoked is returned when the platform withdrew location
	// permission while a request was being registered.
	ErrPermissionRevoked = errors.New("location permission revoked during request")
	// ErrUnavailable means no physical provider is enabled.
	ErrUnavailable  = errors.New("no location provider enabled")
	ErrNotConnected = errors.New("backend not connected")
)

// ProviderDisabledError names the provider that could not be started. Err
// is the cause, if any.
type ProviderDisabledError struct {
	Provider string
	Err      error
}

func (e *ProviderDisabledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("location provider %q disabled: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("location provider %q disabled", e.Provider)
}

func (e *ProviderDisabledError) Unwrap() error {
	return e.Err
}
