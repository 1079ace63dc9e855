package bench

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/staging-node/internal/staging"
	"github.com/fxnlabs/staging-node/internal/transfer"
)

// Both alternates host-to-device and device-to-host copies.
const Both = "both"

var ErrInvalidWorkload = errors.New("bench: invalid workload")

// Workload describes a transfer benchmark.
type Workload struct {
	// Transfers is the total number of copies across all streams.
	Transfers int
	// Sizes are cycled through in order by every stream.
	Sizes []int
	// Streams is the number of transfer streams driven concurrently.
	Streams int
	// Depth is the number of copies a stream keeps outstanding.
	Depth int
	// Direction is "htod", "dtoh" or "both".
	Direction string
	// Policy sizes the staging buffers of every stream. Nil uses the
	// pool default.
	Policy staging.SizePolicy
}

// Validate reports the first problem with w.
func (w Workload) Validate() error {
	if w.Transfers <= 0 {
		return fmt.Errorf("%w: transfers must be positive", ErrInvalidWorkload)
	}
	if w.Streams <= 0 {
		return fmt.Errorf("%w: streams must be positive", ErrInvalidWorkload)
	}
	if w.Depth <= 0 {
		return fmt.Errorf("%w: depth must be positive", ErrInvalidWorkload)
	}
	if len(w.Sizes) == 0 {
		return fmt.Errorf("%w: no sizes", ErrInvalidWorkload)
	}
	for _, n := range w.Sizes {
		if n <= 0 {
			return fmt.Errorf("%w: size %d", ErrInvalidWorkload, n)
		}
	}
	switch w.Direction {
	case string(transfer.HostToDevice), string(transfer.DeviceToHost), Both:
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidWorkload, w.Direction)
	}
	return nil
}

// direction returns the direction of the i-th copy of a stream.
func (w Workload) direction(i int) transfer.Direction {
	switch w.Direction {
	case string(transfer.DeviceToHost):
		return transfer.DeviceToHost
	case Both:
		if i%2 == 1 {
			return transfer.DeviceToHost
		}
	}
	return transfer.HostToDevice
}

func (w Workload) maxSize() int {
	m := 0
	for _, n := range w.Sizes {
		m = max(m, n)
	}
	return m
}

// share splits the transfer count over the streams.
func (w Workload) share(stream int) int {
	n := w.Transfers / w.Streams
	if stream < w.Transfers%w.Streams {
		n++
	}
	return n
}
