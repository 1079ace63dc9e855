//go:build linux

package gpu

import "golang.org/x/sys/unix"

// lockPages keeps b resident so the emulated pinned memory behaves like the
// real thing. It fails under a low RLIMIT_MEMLOCK, which callers tolerate.
func lockPages(b []byte) error {
	return unix.Mlock(b)
}

func unlockPages(b []byte) error {
	return unix.Munlock(b)
}
