//go:build windows

package server

import "syscall"

// setSocketOptions enables SO_REUSEADDR on a listening socket.
// On Windows the descriptor is a syscall.Handle.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
