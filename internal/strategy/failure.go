package strategy

import (
	"errors"
	"fmt"

	"nuha.dev/bestfix/internal/backend"
)

type FailureKind int

const (
	MissingForegroundPermission FailureKind = iota
	MissingBackgroundPermission
	MissingBackgroundPermissionRetryable
	MissingBackgroundPermissionNeedsSettings
	ProviderDisabled
	BackendUnavailable
	PermissionRevokedDuringRequest
)

var failureNames = [...]string{
	"missing_foreground_permission",
	"missing_background_permission",
	"missing_background_permission_retryable",
	"missing_background_permission_needs_settings",
	"provider_disabled",
	"backend_unavailable",
	"permission_revoked_during_request",
}

func (k FailureKind) String() string {
	if int(k) < len(failureNames) {
		return failureNames[k]
	}
	return "unknown"
}

// Failure is what a listener receives through OnFailure. Provider is set for
// ProviderDisabled only.
type Failure struct {
	Kind     FailureKind
	Provider string
	Err      error
}

func (f Failure) Error() string {
	if f.Provider != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Provider)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return f.Kind.String()
}

func (f Failure) Unwrap() error {
	return f.Err
}

// failureFrom converts a backend error at the strategy boundary.
func failureFrom(err error) Failure {
	var disabled *backend.ProviderDisabledError
	switch {
	case errors.Is(err, backend.ErrPermissionRevoked):
		return Failure{Kind: PermissionRevokedDuringRequest, Err: err}
	case errors.As(err, &disabled):
		return Failure{Kind: ProviderDisabled, Provider: disabled.Provider, Err: err}
	default:
		return Failure{Kind: BackendUnavailable, Err: err}
	}
}
