//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions sets SO_REUSEADDR so a restarted server can rebind at once.
// On Windows, fd needs to be cast to syscall.Handle.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
