//go:build cuda
// +build cuda

package gpu

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
#include <stdint.h>
#include <stdlib.h>

extern void goStreamCallback(CUstream stream, CUresult status, void *userData);

static CUresult addStreamCallback(CUstream stream, uintptr_t handle) {
	return cuStreamAddCallback(stream, (CUstreamCallback)goStreamCallback, (void *)handle, 0);
}
*/
import "C"
import (
	"fmt"
	"runtime"
	"runtime/cgo"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// CUDADriver implements Driver on the CUDA Driver API.
type CUDADriver struct {
	logger  *zap.Logger
	ordinal int

	mu          sync.Mutex
	initialized bool
	available   bool
	device      C.CUdevice
	ctx         C.CUcontext
	deviceInfo  DeviceInfo
	pinned      map[HostPtr]unsafe.Pointer
	streams     map[StreamHandle]C.CUstream
	nextStream  uintptr
}

// NewCUDADriver creates a new CUDA driver instance for device ordinal
func NewCUDADriver(logger *zap.Logger, ordinal int) *CUDADriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CUDADriver{
		logger:  logger,
		ordinal: ordinal,
		pinned:  make(map[HostPtr]unsafe.Pointer),
		streams: make(map[StreamHandle]C.CUstream),
	}

	if err := d.checkDevice(); err != nil {
		logger.Warn("CUDA device not available", zap.Error(err))
	} else {
		d.available = true
	}
	return d
}

// Name returns "cuda".
func (d *CUDADriver) Name() string { return "cuda" }

// IsAvailable checks if a CUDA device was found.
func (d *CUDADriver) IsAvailable() bool { return d.available }

// DeviceInfo returns information about the CUDA device
func (d *CUDADriver) DeviceInfo() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceInfo
}

func (d *CUDADriver) checkDevice() error {
	if err := cuCheck("cuInit", C.cuInit(0)); err != nil {
		return err
	}
	var count C.int
	if err := cuCheck("cuDeviceGetCount", C.cuDeviceGetCount(&count)); err != nil {
		return err
	}
	if int(count) <= d.ordinal {
		return fmt.Errorf("%w: device %d requested, %d present", ErrUnavailable, d.ordinal, int(count))
	}
	return nil
}

// Initialize creates a context on the configured device.
func (d *CUDADriver) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		return fmt.Errorf("%w: cuda", ErrUnavailable)
	}
	if d.initialized {
		return nil
	}

	if err := cuCheck("cuDeviceGet", C.cuDeviceGet(&d.device, C.int(d.ordinal))); err != nil {
		return err
	}

	// Query the device before creating the context so a failure here
	// leaves nothing to tear down.
	var name [256]C.char
	if err := cuCheck("cuDeviceGetName", C.cuDeviceGetName(&name[0], C.int(len(name)), d.device)); err != nil {
		return err
	}
	var total C.size_t
	if err := cuCheck("cuDeviceTotalMem", C.cuDeviceTotalMem(&total, d.device)); err != nil {
		return err
	}
	var major, minor, version C.int
	C.cuDeviceGetAttribute(&major, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, d.device)
	C.cuDeviceGetAttribute(&minor, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, d.device)
	C.cuDriverGetVersion(&version)

	// cuCtxCreate also makes the context current on this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := cuCheck("cuCtxCreate", C.cuCtxCreate(&d.ctx, 0, d.device)); err != nil {
		return err
	}

	d.deviceInfo = DeviceInfo{
		Name:              C.GoString(&name[0]),
		Backend:           d.Name(),
		Ordinal:           d.ordinal,
		TotalMemory:       int64(total),
		ComputeCapability: fmt.Sprintf("%d.%d", int(major), int(minor)),
		DriverVersion:     fmt.Sprintf("%d.%d", int(version)/1000, int(version)%1000/10),
	}
	d.initialized = true
	d.logger.Info("CUDA driver initialized",
		zap.String("device", d.deviceInfo.Name),
		zap.String("compute_capability", d.deviceInfo.ComputeCapability),
		zap.Float64("total_memory_gb", float64(d.deviceInfo.TotalMemory)/(1<<30)))
	return nil
}

// Cleanup destroys streams and the context.
func (d *CUDADriver) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	d.logger.Debug("cleaning up CUDA driver")

	release, err := d.bind("cuCtxDestroy")
	if err != nil {
		return err
	}
	defer release()

	for h, s := range d.streams {
		C.cuStreamDestroy(s)
		delete(d.streams, h)
	}
	for h, p := range d.pinned {
		C.cuMemFreeHost(p)
		delete(d.pinned, h)
	}
	if err := cuCheck("cuCtxDestroy", C.cuCtxDestroy(d.ctx)); err != nil {
		return err
	}
	d.initialized = false
	return nil
}

// bind makes the driver context current on the calling OS thread and keeps
// the goroutine on that thread until release is called, so the context is
// still current for the driver calls that follow. Must hold d.mu.
func (d *CUDADriver) bind(op string) (release func(), err error) {
	if !d.initialized {
		return nil, newDriverError(op, ResultNotInitialized)
	}
	runtime.LockOSThread()
	if err := cuCheck("cuCtxSetCurrent", C.cuCtxSetCurrent(d.ctx)); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	return runtime.UnlockOSThread, nil
}

// AllocPinned allocates page-locked host memory with cuMemHostAlloc.
func (d *CUDADriver) AllocPinned(size int) (HostMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	release, err := d.bind("cuMemHostAlloc")
	if err != nil {
		return HostMemory{}, err
	}
	defer release()
	if size <= 0 {
		return HostMemory{}, newDriverError("cuMemHostAlloc", ResultInvalidValue)
	}
	var p unsafe.Pointer
	if err := cuCheck("cuMemHostAlloc", C.cuMemHostAlloc(&p, C.size_t(size), 0)); err != nil {
		return HostMemory{}, err
	}
	ptr := HostPtr(uintptr(p))
	d.pinned[ptr] = p
	return HostMemory{Ptr: ptr, Data: unsafe.Slice((*byte)(p), size)}, nil
}

// FreePinned releases memory from AllocPinned.
func (d *CUDADriver) FreePinned(mem HostMemory) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pinned[mem.Ptr]
	if !ok {
		return newDriverError("cuMemFreeHost", ResultInvalidValue)
	}
	release, err := d.bind("cuMemFreeHost")
	if err != nil {
		return err
	}
	defer release()
	delete(d.pinned, mem.Ptr)
	return cuCheck("cuMemFreeHost", C.cuMemFreeHost(p))
}

// MemAlloc allocates device memory.
func (d *CUDADriver) MemAlloc(size int) (DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	release, err := d.bind("cuMemAlloc")
	if err != nil {
		return 0, err
	}
	defer release()
	var dptr C.CUdeviceptr
	if err := cuCheck("cuMemAlloc", C.cuMemAlloc(&dptr, C.size_t(size))); err != nil {
		return 0, err
	}
	return DevicePtr(dptr), nil
}

// MemFree releases device memory.
func (d *CUDADriver) MemFree(ptr DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	release, err := d.bind("cuMemFree")
	if err != nil {
		return err
	}
	defer release()
	return cuCheck("cuMemFree", C.cuMemFree(C.CUdeviceptr(ptr)))
}

// StreamCreate creates a non-blocking stream.
func (d *CUDADriver) StreamCreate() (StreamHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	release, err := d.bind("cuStreamCreate")
	if err != nil {
		return 0, err
	}
	defer release()
	var s C.CUstream
	if err := cuCheck("cuStreamCreate", C.cuStreamCreate(&s, C.CU_STREAM_NON_BLOCKING)); err != nil {
		return 0, err
	}
	d.nextStream++
	h := StreamHandle(d.nextStream)
	d.streams[h] = s
	return h, nil
}

// StreamDestroy releases a stream.
func (d *CUDADriver) StreamDestroy(stream StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[stream]
	if !ok {
		return newDriverError("cuStreamDestroy", ResultInvalidHandle)
	}
	release, err := d.bind("cuStreamDestroy")
	if err != nil {
		return err
	}
	defer release()
	delete(d.streams, stream)
	return cuCheck("cuStreamDestroy", C.cuStreamDestroy(s))
}

// lookup resolves a stream handle under d.mu with the context bound. The
// caller must call release once its driver call returned.
func (d *CUDADriver) lookup(op string, stream StreamHandle) (s C.CUstream, release func(), err error) {
	s, ok := d.streams[stream]
	if !ok {
		if !d.initialized {
			return nil, nil, newDriverError(op, ResultNotInitialized)
		}
		return nil, nil, newDriverError(op, ResultInvalidHandle)
	}
	release, err = d.bind(op)
	if err != nil {
		return nil, nil, err
	}
	return s, release, nil
}

// MemcpyHtoDAsync enqueues a host to device copy.
func (d *CUDADriver) MemcpyHtoDAsync(dst DevicePtr, src HostMemory, n int, stream StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, release, err := d.lookup("cuMemcpyHtoDAsync", stream)
	if err != nil {
		return err
	}
	defer release()
	if n <= 0 || n > src.Len() {
		return newDriverError("cuMemcpyHtoDAsync", ResultInvalidValue)
	}
	return cuCheck("cuMemcpyHtoDAsync",
		C.cuMemcpyHtoDAsync(C.CUdeviceptr(dst), unsafe.Pointer(unsafe.SliceData(src.Data)), C.size_t(n), s))
}

// MemcpyDtoHAsync enqueues a device to host copy.
func (d *CUDADriver) MemcpyDtoHAsync(dst HostMemory, src DevicePtr, n int, stream StreamHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, release, err := d.lookup("cuMemcpyDtoHAsync", stream)
	if err != nil {
		return err
	}
	defer release()
	if n <= 0 || n > dst.Len() {
		return newDriverError("cuMemcpyDtoHAsync", ResultInvalidValue)
	}
	return cuCheck("cuMemcpyDtoHAsync",
		C.cuMemcpyDtoHAsync(unsafe.Pointer(unsafe.SliceData(dst.Data)), C.CUdeviceptr(src), C.size_t(n), s))
}

// AddStreamCallback registers fn with cuStreamAddCallback.
func (d *CUDADriver) AddStreamCallback(stream StreamHandle, fn StreamCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, release, err := d.lookup("cuStreamAddCallback", stream)
	if err != nil {
		return err
	}
	defer release()
	if fn == nil {
		return newDriverError("cuStreamAddCallback", ResultInvalidValue)
	}
	h := cgo.NewHandle(fn)
	if err := cuCheck("cuStreamAddCallback", C.addStreamCallback(s, C.uintptr_t(h))); err != nil {
		h.Delete()
		return err
	}
	return nil
}

// StreamSynchronize blocks until the stream is idle.
func (d *CUDADriver) StreamSynchronize(stream StreamHandle) error {
	d.mu.Lock()
	s, release, err := d.lookup("cuStreamSynchronize", stream)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	// The thread stays locked with the context current while waiting.
	defer release()
	return cuCheck("cuStreamSynchronize", C.cuStreamSynchronize(s))
}

// cuCheck converts a CUresult into an error
func cuCheck(op string, code C.CUresult) error {
	if code == C.CUDA_SUCCESS {
		return nil
	}
	var name *C.char
	detail := fmt.Sprintf("CUresult %d", int(code))
	if C.cuGetErrorName(code, &name) == C.CUDA_SUCCESS && name != nil {
		detail = C.GoString(name)
	}
	return &DriverError{Op: op, Code: resultFromCU(code), Detail: detail}
}

// resultFromCU maps CUDA status codes onto Result.
func resultFromCU(code C.CUresult) Result {
	switch code {
	case C.CUDA_SUCCESS:
		return ResultSuccess
	case C.CUDA_ERROR_INVALID_VALUE:
		return ResultInvalidValue
	case C.CUDA_ERROR_OUT_OF_MEMORY:
		return ResultOutOfMemory
	case C.CUDA_ERROR_NOT_INITIALIZED, C.CUDA_ERROR_INVALID_CONTEXT:
		return ResultNotInitialized
	case C.CUDA_ERROR_INVALID_HANDLE:
		return ResultInvalidHandle
	case C.CUDA_ERROR_LAUNCH_FAILED:
		return ResultLaunchFailed
	case C.CUDA_ERROR_NOT_SUPPORTED:
		return ResultNotSupported
	default:
		return ResultUnknown
	}
}
