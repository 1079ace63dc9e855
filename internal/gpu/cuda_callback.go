//go:build cuda
// +build cuda

package gpu

/*
#include <cuda.h>
*/
import "C"
import (
	"runtime/cgo"
	"unsafe"
)

// goStreamCallback is the C-visible trampoline registered with
// cuStreamAddCallback. userData carries a cgo.Handle to a StreamCallback.
//
//export goStreamCallback
func goStreamCallback(stream C.CUstream, status C.CUresult, userData unsafe.Pointer) {
	h := cgo.Handle(uintptr(userData))
	fn := h.Value().(StreamCallback)
	h.Delete()
	fn(resultFromCU(status))
}
