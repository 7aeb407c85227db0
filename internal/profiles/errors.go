package profiles

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/txn"
)

var (
	// ErrNotFound indicates an account or profile that must exist is absent.
	ErrNotFound = errors.New("profiles: not found")
	// ErrForbidden indicates an access-guard failure or an inactive account.
	ErrForbidden = errors.New("profiles: forbidden")
	// ErrLeaseConflict indicates another requester holds the write lease. Reload and resubmit.
	ErrLeaseConflict = errors.New("profiles: lease conflict")
	// ErrInvalidReference indicates an avatar path that is not an asset owned by the account.
	ErrInvalidReference = errors.New("profiles: invalid reference")
	// ErrInvalidAttributes indicates a supplied attribute failed validation.
	ErrInvalidAttributes = errors.New("profiles: invalid attributes")
	// ErrResourceBusy indicates a lock wait that exceeded its bound. Safe to retry.
	ErrResourceBusy = txn.ErrResourceBusy

	errMissingRunner     = errors.New("transaction runner is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLifecycle  = errors.New("lifecycle is required")
)

// ServiceError carries a stable `<operation>.<reason>` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew        = "profiles.store.new"
	opLifecycleNew    = "profiles.lifecycle.new"
	opReadProfile     = "profiles.read_profile"
	opWriteProfile    = "profiles.write_profile"
	opStatusChange    = "profiles.status_change"
	opSetAvatar       = "profiles.set_avatar"
	reasonForbidden   = "forbidden"
	reasonNotFound    = "not_found"
	reasonInactive    = "account_inactive"
	reasonLease       = "lease_conflict"
	reasonBusy        = "resource_busy"
	reasonInvalid     = "invalid_attributes"
	reasonInvalidRef  = "invalid_reference"
	reasonStoreFailed = "store_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Retryable reports whether the caller may retry err with backoff.
// Lease conflicts and access denials are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceBusy)
}

// classify wraps a transaction failure with the code of its taxonomy class.
func classify(operation string, err error) error {
	var serviceErr *ServiceError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &serviceErr):
		return err
	case errors.Is(err, accounts.ErrAccountNotFound):
		return newServiceError(operation, reasonNotFound, fmt.Errorf("%w: %v", ErrNotFound, err))
	case txn.IsBusy(err):
		if !errors.Is(err, ErrResourceBusy) {
			err = fmt.Errorf("%w: %v", ErrResourceBusy, err)
		}
		return newServiceError(operation, reasonBusy, err)
	default:
		return newServiceError(operation, reasonStoreFailed, err)
	}
}

func codeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return reasonStoreFailed
}
