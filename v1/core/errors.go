package core

import (
	"errors"
	"fmt"
)

var (
	// ErrContention matches every *ContentionError.
	ErrContention = errors.New("warmlock: lock held by another caller")
	// ErrRetryBudgetExceeded is returned when stale locks kept reappearing
	// for more passes than allowed.
	ErrRetryBudgetExceeded = errors.New("warmlock: retry budget exceeded")
	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("warmlock: empty key")
	// ErrNilProducer is returned when no producer is supplied.
	ErrNilProducer = errors.New("warmlock: nil producer")
	// ErrInvalidLockDuration is returned for a lock duration under one
	// millisecond.
	ErrInvalidLockDuration = errors.New("warmlock: lock duration must be at least 1ms")
	// ErrInvalidRefreshWindow is returned for a negative refresh window.
	ErrInvalidRefreshWindow = errors.New("warmlock: refresh window must not be negative")
	// ErrInvalidExpiry is returned when a producer reports an expiry that is
	// not after now. Nothing is written.
	ErrInvalidExpiry = errors.New("warmlock: producer expiry not after now")
)

// ContentionError reports a live lock held by another caller while no
// usable cached value exists. It is retryable.
type ContentionError struct {
	Key       string
	LockKey   string
	HeldUntil int64
	Holder    string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("warmlock: %q is being computed under %q until %d", e.Key, e.LockKey, e.HeldUntil)
}

// Is makes errors.Is(err, ErrContention) match.
func (e *ContentionError) Is(target error) bool {
	return target == ErrContention
}
