package gpu

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"go.uber.org/zap"
)

var errPinUnsupported = errors.New("gpu: page locking not supported on this platform")

const (
	hostDeviceBase  = 0x7f0000000000
	hostDeviceAlign = 256
)

// HostDriver implements Driver in process memory. Streams are emulated by
// one goroutine each, so copies really are asynchronous with respect to the
// submitting goroutine. It is always available and backs the CPU-only build.
type HostDriver struct {
	logger *zap.Logger

	mu          sync.Mutex
	initialized bool
	pinned      map[HostPtr][]byte
	locked      map[HostPtr]bool
	pinnedBytes int64
	lockedBytes int64
	pinnedLimit int64
	device      map[DevicePtr][]byte
	nextDevice  uintptr
	streams     map[StreamHandle]*hostStream
	nextStream  uintptr

	copyDelay     time.Duration
	failAlloc     Result
	failCopy      Result
	failCopyAsync Result
	failCallback  Result
}

// NewHostDriver creates a new host driver instance
func NewHostDriver(logger *zap.Logger) *HostDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostDriver{
		logger:     logger,
		pinned:     make(map[HostPtr][]byte),
		locked:     make(map[HostPtr]bool),
		device:     make(map[DevicePtr][]byte),
		streams:    make(map[StreamHandle]*hostStream),
		nextDevice: hostDeviceBase,
	}
}

// Name returns "host".
func (h *HostDriver) Name() string { return "host" }

// Initialize prepares the host driver for use
func (h *HostDriver) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return nil
	}
	h.initialized = true
	h.logger.Info("host driver initialized")
	return nil
}

// Cleanup stops all streams and drops every allocation.
func (h *HostDriver) Cleanup() error {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[StreamHandle]*hostStream)
	for ptr := range h.locked {
		_ = unlockPages(h.pinned[ptr])
	}
	h.pinned = make(map[HostPtr][]byte)
	h.locked = make(map[HostPtr]bool)
	h.pinnedBytes = 0
	h.lockedBytes = 0
	h.device = make(map[DevicePtr][]byte)
	h.initialized = false
	h.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	return nil
}

// IsAvailable always returns true.
func (h *HostDriver) IsAvailable() bool { return true }

// DeviceInfo describes the emulated device.
func (h *HostDriver) DeviceInfo() DeviceInfo {
	h.mu.Lock()
	limit := h.pinnedLimit
	h.mu.Unlock()
	return DeviceInfo{
		Name:              fmt.Sprintf("Host (%s)", runtime.GOARCH),
		Backend:           h.Name(),
		TotalMemory:       limit,
		ComputeCapability: "N/A",
		DriverVersion:     runtime.Version(),
	}
}

// SetPinnedLimit caps the total pinned memory the driver hands out. Zero
// means unlimited. Allocations over the cap fail with ResultOutOfMemory.
func (h *HostDriver) SetPinnedLimit(bytes int64) {
	h.mu.Lock()
	h.pinnedLimit = bytes
	h.mu.Unlock()
}

// SetCopyDelay makes every copy take at least d on its stream.
func (h *HostDriver) SetCopyDelay(d time.Duration) {
	h.mu.Lock()
	h.copyDelay = d
	h.mu.Unlock()
}

// FailNextAlloc makes the next AllocPinned or MemAlloc call fail with code.
func (h *HostDriver) FailNextAlloc(code Result) {
	h.mu.Lock()
	h.failAlloc = code
	h.mu.Unlock()
}

// FailNextCopy makes the next memcpy call be rejected at submission.
func (h *HostDriver) FailNextCopy(code Result) {
	h.mu.Lock()
	h.failCopy = code
	h.mu.Unlock()
}

// FailNextCopyAsync makes the next accepted memcpy fail on the stream.
func (h *HostDriver) FailNextCopyAsync(code Result) {
	h.mu.Lock()
	h.failCopyAsync = code
	h.mu.Unlock()
}

// FailNextCallback makes the next AddStreamCallback call be rejected.
func (h *HostDriver) FailNextCallback(code Result) {
	h.mu.Lock()
	h.failCallback = code
	h.mu.Unlock()
}

// PinnedBytes returns the number of pinned bytes currently allocated.
func (h *HostDriver) PinnedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinnedBytes
}

// LockedBytes returns how many of the pinned bytes the OS agreed to lock in
// memory. Locking is best effort and limited by RLIMIT_MEMLOCK.
func (h *HostDriver) LockedBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lockedBytes
}

// takeFault returns and clears a one-shot injected failure.
func takeFault(f *Result) Result {
	code := *f
	*f = ResultSuccess
	return code
}

// AllocPinned allocates size bytes of host memory standing in for
// page-locked memory.
func (h *HostDriver) AllocPinned(size int) (HostMemory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return HostMemory{}, newDriverError("AllocPinned", ResultNotInitialized)
	}
	if size <= 0 {
		return HostMemory{}, newDriverError("AllocPinned", ResultInvalidValue)
	}
	if code := takeFault(&h.failAlloc); code != ResultSuccess {
		return HostMemory{}, newDriverError("AllocPinned", code)
	}
	if h.pinnedLimit > 0 && h.pinnedBytes+int64(size) > h.pinnedLimit {
		return HostMemory{}, &DriverError{
			Op:     "AllocPinned",
			Code:   ResultOutOfMemory,
			Detail: fmt.Sprintf("need %d, available %d", size, h.pinnedLimit-h.pinnedBytes),
		}
	}

	data := make([]byte, size)
	ptr := HostPtr(uintptr(unsafe.Pointer(unsafe.SliceData(data))))
	h.pinned[ptr] = data
	h.pinnedBytes += int64(size)
	if err := lockPages(data); err != nil {
		h.logger.Debug("pinned buffer not locked", zap.Int("size", size), zap.Error(err))
	} else {
		h.locked[ptr] = true
		h.lockedBytes += int64(size)
	}
	return HostMemory{Ptr: ptr, Data: data}, nil
}

// FreePinned releases memory returned by AllocPinned.
func (h *HostDriver) FreePinned(mem HostMemory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.pinned[mem.Ptr]
	if !ok {
		return newDriverError("FreePinned", ResultInvalidValue)
	}
	delete(h.pinned, mem.Ptr)
	h.pinnedBytes -= int64(len(data))
	if h.locked[mem.Ptr] {
		delete(h.locked, mem.Ptr)
		h.lockedBytes -= int64(len(data))
		if err := unlockPages(data); err != nil {
			h.logger.Debug("munlock failed", zap.Error(err))
		}
	}
	return nil
}

// MemAlloc allocates emulated device memory. Returned pointers are opaque
// tokens; offsets within an allocation are valid copy targets.
func (h *HostDriver) MemAlloc(size int) (DevicePtr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return 0, newDriverError("MemAlloc", ResultNotInitialized)
	}
	if size <= 0 {
		return 0, newDriverError("MemAlloc", ResultInvalidValue)
	}
	if code := takeFault(&h.failAlloc); code != ResultSuccess {
		return 0, newDriverError("MemAlloc", code)
	}
	ptr := DevicePtr(h.nextDevice)
	h.device[ptr] = make([]byte, size)
	h.nextDevice += uintptr((size + hostDeviceAlign - 1) / hostDeviceAlign * hostDeviceAlign)
	return ptr, nil
}

// MemFree releases memory returned by MemAlloc.
func (h *HostDriver) MemFree(ptr DevicePtr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.device[ptr]; !ok {
		return newDriverError("MemFree", ResultInvalidValue)
	}
	delete(h.device, ptr)
	return nil
}

// deviceRange resolves [ptr, ptr+n) to the backing slice. Must hold h.mu.
func (h *HostDriver) deviceRange(ptr DevicePtr, n int) ([]byte, bool) {
	for base, mem := range h.device {
		if ptr < base || uintptr(ptr) >= uintptr(base)+uintptr(len(mem)) {
			continue
		}
		off := int(ptr - base)
		if off+n > len(mem) {
			return nil, false
		}
		return mem[off : off+n], true
	}
	return nil, false
}

// StreamCreate creates a new emulated stream.
func (h *HostDriver) StreamCreate() (StreamHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return 0, newDriverError("StreamCreate", ResultNotInitialized)
	}
	h.nextStream++
	handle := StreamHandle(h.nextStream)
	h.streams[handle] = newHostStream()
	return handle, nil
}

// StreamDestroy completes pending work and releases the stream.
func (h *HostDriver) StreamDestroy(stream StreamHandle) error {
	h.mu.Lock()
	s, ok := h.streams[stream]
	delete(h.streams, stream)
	h.mu.Unlock()
	if !ok {
		return newDriverError("StreamDestroy", ResultInvalidHandle)
	}
	s.close()
	return nil
}

func (h *HostDriver) stream(op string, handle StreamHandle) (*hostStream, error) {
	if !h.initialized {
		return nil, newDriverError(op, ResultNotInitialized)
	}
	s, ok := h.streams[handle]
	if !ok {
		return nil, newDriverError(op, ResultInvalidHandle)
	}
	return s, nil
}

// submitCopy validates a copy under h.mu and enqueues it.
func (h *HostDriver) submitCopy(op string, handle StreamHandle, host HostMemory, dev DevicePtr, n int, toDevice bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.stream(op, handle)
	if err != nil {
		return err
	}
	if n <= 0 || n > host.Len() {
		return newDriverError(op, ResultInvalidValue)
	}
	devMem, ok := h.deviceRange(dev, n)
	if !ok {
		return newDriverError(op, ResultInvalidValue)
	}
	if code := takeFault(&h.failCopy); code != ResultSuccess {
		return newDriverError(op, code)
	}
	asyncCode := takeFault(&h.failCopyAsync)
	delay := h.copyDelay
	hostMem := host.Data[:n]

	queued := s.enqueue(streamOp{run: func(Result) Result {
		if delay > 0 {
			time.Sleep(delay)
		}
		if asyncCode != ResultSuccess {
			return asyncCode
		}
		if toDevice {
			copy(devMem, hostMem)
		} else {
			copy(hostMem, devMem)
		}
		return ResultSuccess
	}})
	if !queued {
		return newDriverError(op, ResultInvalidHandle)
	}
	return nil
}

// MemcpyHtoDAsync enqueues a host to device copy.
func (h *HostDriver) MemcpyHtoDAsync(dst DevicePtr, src HostMemory, n int, stream StreamHandle) error {
	return h.submitCopy("MemcpyHtoDAsync", stream, src, dst, n, true)
}

// MemcpyDtoHAsync enqueues a device to host copy.
func (h *HostDriver) MemcpyDtoHAsync(dst HostMemory, src DevicePtr, n int, stream StreamHandle) error {
	return h.submitCopy("MemcpyDtoHAsync", stream, dst, src, n, false)
}

// AddStreamCallback enqueues fn behind all prior work on stream. fn sees
// only failures of copies enqueued after the previous callback.
func (h *HostDriver) AddStreamCallback(stream StreamHandle, fn StreamCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.stream("AddStreamCallback", stream)
	if err != nil {
		return err
	}
	if fn == nil {
		return newDriverError("AddStreamCallback", ResultInvalidValue)
	}
	if code := takeFault(&h.failCallback); code != ResultSuccess {
		return newDriverError("AddStreamCallback", code)
	}
	if !s.enqueue(streamOp{callback: true, run: func(status Result) Result {
		fn(status)
		return ResultSuccess
	}}) {
		return newDriverError("AddStreamCallback", ResultInvalidHandle)
	}
	return nil
}

// StreamSynchronize blocks until the stream is idle. The first error
// recorded since the previous synchronize is returned and cleared.
func (h *HostDriver) StreamSynchronize(stream StreamHandle) error {
	h.mu.Lock()
	s, err := h.stream("StreamSynchronize", stream)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return newDriverError("StreamSynchronize", s.synchronize())
}

// ReadDevice copies n bytes at ptr out of emulated device memory. It is a
// debugging aid with no equivalent on real drivers.
func (h *HostDriver) ReadDevice(ptr DevicePtr, n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mem, ok := h.deviceRange(ptr, n)
	if !ok {
		return nil, newDriverError("ReadDevice", ResultInvalidValue)
	}
	out := make([]byte, n)
	copy(out, mem)
	return out, nil
}

// WriteDevice stores data at ptr in emulated device memory.
func (h *HostDriver) WriteDevice(ptr DevicePtr, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	mem, ok := h.deviceRange(ptr, len(data))
	if !ok {
		return newDriverError("WriteDevice", ResultInvalidValue)
	}
	copy(mem, data)
	return nil
}
