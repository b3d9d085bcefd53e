//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import "syscall"

// reuseAddrControl is a no-op where SO_REUSEPORT is unavailable.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
