//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package real

import "syscall"

// reuseControl is a no-op where port sharing is unavailable; splicing
// then falls back to one outward socket per local port.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
