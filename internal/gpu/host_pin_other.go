//go:build !linux

package gpu

func lockPages([]byte) error { return errPinUnsupported }

func unlockPages([]byte) error { return nil }
