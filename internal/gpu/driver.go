package gpu

// DevicePtr is an opaque device memory address handed out by a Driver.
type DevicePtr uintptr

// HostPtr is the address of a pinned host allocation.
type HostPtr uintptr

// StreamHandle identifies a driver command stream.
type StreamHandle uintptr

// HostMemory is a pinned host region owned by whoever allocated it.
// Data aliases the pinned memory and has exactly the allocated length.
type HostMemory struct {
	Ptr  HostPtr
	Data []byte
}

// Len returns the size of the region in bytes.
func (h HostMemory) Len() int {
	return len(h.Data)
}

// DeviceInfo contains information about the GPU device
type DeviceInfo struct {
	Name              string `json:"name"`
	Backend           string `json:"backend"`
	Ordinal           int    `json:"ordinal"`
	TotalMemory       int64  `json:"totalMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
}

// StreamCallback is invoked by the driver once every operation enqueued on
// the stream before it has finished. status reports a failure of the work
// enqueued since the previous callback. Drivers with sticky stream errors
// (CUDA) keep reporting it until the stream is synchronized.
//
// Callbacks run on a driver-owned thread and must not call back into the
// driver.
type StreamCallback func(status Result)

// Driver is the subset of a vendor GPU driver API used for staged async
// transfers. Implementations wrap CUDA (built with the cuda tag) or emulate
// the driver in host memory.
//
// Implementation notes:
//   - Allocation and enqueue calls may be made from several goroutines
//   - Copies on one stream execute in submission order
//   - Errors that happen after a copy was accepted are reported to stream
//     callbacks and by StreamSynchronize
type Driver interface {
	// Name returns the backend name ("cuda", "host").
	Name() string

	// Initialize prepares the driver for use. Calling it twice is a no-op.
	Initialize() error

	// Cleanup releases the driver context. Outstanding allocations are
	// invalid afterwards.
	Cleanup() error

	// IsAvailable performs a quick check without heavy initialization.
	IsAvailable() bool

	// DeviceInfo returns information about the selected device.
	DeviceInfo() DeviceInfo

	// AllocPinned allocates size bytes of page-locked host memory.
	AllocPinned(size int) (HostMemory, error)

	// FreePinned releases memory returned by AllocPinned.
	FreePinned(mem HostMemory) error

	// MemAlloc allocates size bytes of device memory.
	MemAlloc(size int) (DevicePtr, error)

	// MemFree releases memory returned by MemAlloc.
	MemFree(ptr DevicePtr) error

	// StreamCreate creates a new command stream.
	StreamCreate() (StreamHandle, error)

	// StreamDestroy releases a stream. Pending work is completed first.
	StreamDestroy(stream StreamHandle) error

	// MemcpyHtoDAsync enqueues a copy of the first n bytes of src to dst.
	MemcpyHtoDAsync(dst DevicePtr, src HostMemory, n int, stream StreamHandle) error

	// MemcpyDtoHAsync enqueues a copy of n bytes at src into dst.
	MemcpyDtoHAsync(dst HostMemory, src DevicePtr, n int, stream StreamHandle) error

	// AddStreamCallback enqueues fn to run after all prior work on stream.
	AddStreamCallback(stream StreamHandle, fn StreamCallback) error

	// StreamSynchronize blocks until all work on stream, callbacks
	// included, has completed.
	StreamSynchronize(stream StreamHandle) error
}
