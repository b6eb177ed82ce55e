package voucher

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVoucherNotFound is returned when no voucher matches the token or id.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrAlreadyUsed matches any *AlreadyUsedError via errors.Is.
	ErrAlreadyUsed = errors.New("voucher already used")
	// ErrGuestNotFound is returned when the directory has no such guest.
	ErrGuestNotFound = errors.New("guest not found")
	// ErrGuestInactive is returned when issuing for a guest flagged inactive.
	ErrGuestInactive = errors.New("guest is not active")
	// ErrInvalidToken is returned for empty or oversized tokens before the store is touched.
	ErrInvalidToken = errors.New("invalid voucher token")
	// ErrInvalidGuestID is returned for a blank guest identifier.
	ErrInvalidGuestID = errors.New("invalid guest id")
	// ErrInvalidMealType is returned for malformed meal type configuration.
	ErrInvalidMealType = errors.New("invalid meal type")
	// ErrTokenCollision is returned by stores when a generated token already exists.
	ErrTokenCollision = errors.New("voucher token collision")
	// ErrDirectoryUnavailable wraps failures reaching the guest directory.
	ErrDirectoryUnavailable = errors.New("guest directory unavailable")
	// ErrStoreUnavailable wraps failures reaching the voucher store.
	ErrStoreUnavailable = errors.New("voucher store unavailable")
	// ErrBulkInProgress is returned when another bulk issuance run holds the lock.
	ErrBulkInProgress = errors.New("bulk issuance already in progress")
)

// AlreadyUsedError reports a redemption attempt against a used voucher. Voucher
// carries the stored record, including the original RedeemedAt.
type AlreadyUsedError struct {
	Voucher Voucher
}

func (e *AlreadyUsedError) Error() string {
	if e.Voucher.RedeemedAt == nil {
		return ErrAlreadyUsed.Error()
	}
	return fmt.Sprintf("voucher already used at %s", e.Voucher.RedeemedAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrAlreadyUsed) match.
func (e *AlreadyUsedError) Is(target error) bool {
	return target == ErrAlreadyUsed
}

// DependencyError wraps an underlying failure with one of the unavailable sentinels.
func DependencyError(sentinel, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
