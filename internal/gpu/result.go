package gpu

import (
	"errors"
	"fmt"
)

// Result is a driver status code.
type Result int

const (
	ResultSuccess Result = iota
	ResultInvalidValue
	ResultOutOfMemory
	ResultNotInitialized
	ResultInvalidHandle
	ResultLaunchFailed
	ResultNotSupported
	ResultUnknown
)

// String returns the string representation of a Result.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInvalidValue:
		return "invalid value"
	case ResultOutOfMemory:
		return "out of memory"
	case ResultNotInitialized:
		return "not initialized"
	case ResultInvalidHandle:
		return "invalid handle"
	case ResultLaunchFailed:
		return "launch failed"
	case ResultNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Driver errors.
var (
	// ErrNotInitialized is returned when the driver is used before Initialize.
	ErrNotInitialized = errors.New("gpu: driver not initialized")

	// ErrUnavailable is returned when a requested backend cannot be used.
	ErrUnavailable = errors.New("gpu: backend not available")
)

// DriverError reports a non-success status from a driver entry point.
type DriverError struct {
	Op     string
	Code   Result
	Detail string
}

func (e *DriverError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gpu: %s failed: %s (%s)", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("gpu: %s failed: %s", e.Op, e.Code)
}

// Is lets errors.Is match ErrNotInitialized against the equivalent status.
func (e *DriverError) Is(target error) bool {
	return target == ErrNotInitialized && e.Code == ResultNotInitialized
}

func newDriverError(op string, code Result) error {
	if code == ResultSuccess {
		return nil
	}
	return &DriverError{Op: op, Code: code}
}

// ResultOf extracts the status code carried by err, ResultSuccess for nil
// and ResultUnknown for errors that did not come from a driver.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Code
	}
	return ResultUnknown
}
