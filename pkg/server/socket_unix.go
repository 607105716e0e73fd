//go:build unix

package server

import (
	"syscall"
)

// setSocketOptions sets SO_REUSEADDR so a restarted server can rebind at once
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
