package dslock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAcquireTimeout is returned when Acquire exhausts its budget while the
	// lock stays held. It is an expected outcome under contention.
	ErrAcquireTimeout = errors.New("dslock: acquire timed out")
	// ErrOwnership is returned when Release or Refresh is called with a token
	// that does not match what this Locker or the lock file says is held.
	ErrOwnership = errors.New("dslock: ownership violation")
	// ErrMalformedRecord marks a lock file that does not satisfy the record
	// schema. Acquire never returns it; it surfaces through Inspect and Recover.
	ErrMalformedRecord = errors.New("dslock: malformed lock record")
	// ErrRecoveryFailed is returned by Recover when another process won the
	// rename race for the stale record.
	ErrRecoveryFailed = errors.New("dslock: stale lock recovery lost")
	// ErrLockLive is returned by Recover when the lock is held by a live holder.
	ErrLockLive = errors.New("dslock: lock is live")
	// ErrInvalidDataset is returned for dataset names that cannot be used as a
	// single path component.
	ErrInvalidDataset = errors.New("dslock: invalid dataset name")
)

// AcquireTimeoutError carries the details of an exhausted acquire budget.
type AcquireTimeoutError struct {
	Dataset  string
	Attempts int
	Waited   time.Duration
	// Holder is the last holder observed, when the record was readable.
	Holder string
}

func (e *AcquireTimeoutError) Error() string {
	msg := fmt.Sprintf("%v: dataset %q after %d attempts in %s", ErrAcquireTimeout, e.Dataset, e.Attempts, e.Waited.Round(time.Millisecond))
	if e.Holder != "" {
		msg += " (held by " + e.Holder + ")"
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrAcquireTimeout).
func (e *AcquireTimeoutError) Unwrap() error {
	return ErrAcquireTimeout
}

// OwnershipReason classifies an ownership violation.
type OwnershipReason string

const (
	// ReasonNotHeld means this Locker holds no token.
	ReasonNotHeld OwnershipReason = "not_held"
	// ReasonTokenMismatch means the token differs from the one this Locker holds.
	ReasonTokenMismatch OwnershipReason = "token_mismatch"
	// ReasonRecordMismatch means the lock file names a different holder.
	ReasonRecordMismatch OwnershipReason = "record_mismatch"
	// ReasonRecordMissing means the lock file is gone (refresh only).
	ReasonRecordMissing OwnershipReason = "record_missing"
	// ReasonRecordUnreadable means the lock file could not be decoded and was
	// left untouched.
	ReasonRecordUnreadable OwnershipReason = "record_unreadable"
)

// OwnershipError describes why a release or refresh was refused. No
// filesystem mutation happened when it is returned.
type OwnershipError struct {
	Op     string
	Path   string
	Reason OwnershipReason
	Detail string
}

func (e *OwnershipError) Error() string {
	msg := fmt.Sprintf("%v: %s %s: %s", ErrOwnership, e.Op, e.Path, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Unwrap allows errors.Is(err, ErrOwnership).
func (e *OwnershipError) Unwrap() error {
	return ErrOwnership
}

// IsAcquireTimeout reports whether err is an acquire timeout.
func IsAcquireTimeout(err error) bool {
	return errors.Is(err, ErrAcquireTimeout)
}

// IsOwnership reports whether err is an ownership violation.
func IsOwnership(err error) bool {
	return errors.Is(err, ErrOwnership)
}
