package querygate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExceeded       = errors.New("querygate: quota exceeded")
	ErrDispatchRejected    = errors.New("querygate: dispatch rejected")
	ErrStoreUnavailable    = errors.New("querygate: store unavailable")
	ErrReservationReleased = errors.New("querygate: reservation already released")
	ErrBackendUnhealthy    = errors.New("querygate: execution backend unhealthy")
	ErrInvalidRequest      = errors.New("querygate: invalid request")
)

// QuotaExceededError carries the numbers behind a quota rejection.
type QuotaExceededError struct {
	Identity  Identity
	Period    Period
	Used      int64
	Limit     int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("querygate: user %s exceeded daily quota for %s. Used: %d, Limit: %d, Query Cost: %d",
		e.Identity, e.Period, e.Used, e.Limit, e.Requested)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// DispatchError wraps a failed hand-off to the execution backend.
type DispatchError struct {
	Backend string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("querygate: dispatch backend=%s: %v", e.Backend, e.Err)
}

func (e *DispatchError) Unwrap() []error { return []error{ErrDispatchRejected, e.Err} }

// StoreError wraps a failure of a counting or cache store.
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("querygate/%s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// IsRetryable returns true if the caller may retry the same request later.
// Quota rejections are not retryable until the period rolls over.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	return errors.Is(err, ErrDispatchRejected) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrBackendUnhealthy)
}

// AsQuotaExceeded extracts the rejection details from err.
func AsQuotaExceeded(err error) (*QuotaExceededError, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
