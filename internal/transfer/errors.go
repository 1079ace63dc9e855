package transfer

import (
	"errors"
	"fmt"
)

// Transfer errors.
var (
	// ErrStreamClosed is returned when submitting to a closed Stream.
	ErrStreamClosed = errors.New("transfer: stream is closed")

	// ErrNegativeRange is returned for a negative offset or length.
	ErrNegativeRange = errors.New("transfer: negative offset or length")

	// ErrOutOfBounds is returned when offset+length exceeds the host slice.
	ErrOutOfBounds = errors.New("transfer: range out of bounds")
)

// DriverTransferError reports that the driver rejected a copy or that the
// stream failed while the copy was pending. The staging buffer involved has
// been released once the stream confirmed it was idle.
type DriverTransferError struct {
	Op        string
	Direction Direction
	Bytes     int
	Err       error
}

func (e *DriverTransferError) Error() string {
	if e.Direction == "" {
		return fmt.Sprintf("transfer: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transfer: %s %s of %d bytes: %v", e.Direction, e.Op, e.Bytes, e.Err)
}

func (e *DriverTransferError) Unwrap() error { return e.Err }

// checkRange validates [offset, offset+length) against a slice of size n.
func checkRange(n, offset, length int) error {
	if offset < 0 || length < 0 {
		return fmt.Errorf("%w: offset %d, length %d", ErrNegativeRange, offset, length)
	}
	if offset > n || length > n-offset {
		return fmt.Errorf("%w: offset %d, length %d, size %d", ErrOutOfBounds, offset, length, n)
	}
	return nil
}
