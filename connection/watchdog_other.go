//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package connection

import "net"

// socketError falls back to the zero-byte write probe on platforms
// without a SO_ERROR syscall binding available.
func socketError(conn net.Conn) error {
	_, err := conn.Write(nil)
	return err
}
