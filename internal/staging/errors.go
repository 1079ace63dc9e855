package staging

import (
	"errors"
	"fmt"
)

// Pool errors.
var (
	// ErrInvalidCapacity is returned when Acquire is asked for zero or a
	// negative number of bytes.
	ErrInvalidCapacity = errors.New("staging: capacity must be positive")

	// ErrPoolClosed is returned when using a pool after Close.
	ErrPoolClosed = errors.New("staging: pool is closed")

	// ErrPoolBusy is returned by Close while leases are outstanding.
	ErrPoolBusy = errors.New("staging: buffers still in use")

	// ErrProtocolViolation matches every *ProtocolViolation with errors.Is.
	ErrProtocolViolation = errors.New("staging: protocol violation")
)

// AllocationError reports that the driver could not allocate a new pinned
// buffer. The pool stays usable.
type AllocationError struct {
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("staging: pinned allocation of %d bytes failed: %v", e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ViolationKind classifies a misuse of a Lease.
type ViolationKind int

const (
	// DoubleRelease means the lease was already released, or the buffer
	// has since been handed to another caller.
	DoubleRelease ViolationKind = iota
	// ReleaseInFlight means Release was called while a copy was pending.
	ReleaseInFlight
	// ForeignLease means the lease is zero or belongs to another pool.
	ForeignLease
	// NotInFlight means MarkComplete was called with no pending copy.
	NotInFlight
	// AlreadyInFlight means MarkInFlight was called twice.
	AlreadyInFlight
)

// String returns the string representation of a ViolationKind.
func (k ViolationKind) String() string {
	switch k {
	case DoubleRelease:
		return "double release"
	case ReleaseInFlight:
		return "release while in flight"
	case ForeignLease:
		return "foreign lease"
	case NotInFlight:
		return "complete without pending copy"
	case AlreadyInFlight:
		return "already in flight"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ProtocolViolation reports a caller bug detected through lease tracking.
type ProtocolViolation struct {
	Kind       ViolationKind
	Generation uint64
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("staging: protocol violation: %s (generation %d)", e.Kind, e.Generation)
}

// Is makes errors.Is(err, ErrProtocolViolation) succeed.
func (e *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}
