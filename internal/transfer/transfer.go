package transfer

import (
	"context"
	"time"
)

// Direction of a copy.
type Direction string

const (
	HostToDevice Direction = "htod"
	DeviceToHost Direction = "dtoh"
)

// Transfer tracks one staged copy until the driver reports it complete.
type Transfer struct {
	dir   Direction
	bytes int
	start time.Time
	end   time.Time
	done  chan struct{}
	err   error
}

func newTransfer(dir Direction, bytes int) *Transfer {
	return &Transfer{
		dir:   dir,
		bytes: bytes,
		start: time.Now(),
		done:  make(chan struct{}),
	}
}

// completedTransfer returns a transfer that is already done.
func completedTransfer(dir Direction) *Transfer {
	t := newTransfer(dir, 0)
	t.end = t.start
	close(t.done)
	return t
}

func (t *Transfer) finish(err error) {
	t.err = err
	t.end = time.Now()
	close(t.done)
}

// Direction returns the copy direction.
func (t *Transfer) Direction() Direction { return t.dir }

// Bytes returns the number of bytes copied.
func (t *Transfer) Bytes() int { return t.bytes }

// Done is closed once the copy completed and its staging buffer was
// returned to the pool.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Duration is the time from submission to completion, or zero while the
// copy is still running.
func (t *Transfer) Duration() time.Duration {
	select {
	case <-t.done:
		return t.end.Sub(t.start)
	default:
		return 0
	}
}

// Err returns the completion error. It is only meaningful after Done is
// closed.
func (t *Transfer) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the transfer completes or ctx is done. Cancelling ctx
// does not cancel the copy.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
