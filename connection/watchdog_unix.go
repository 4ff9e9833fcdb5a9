//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package connection

import (
	"net"

	"golang.org/x/sys/unix"
)

// socketError reports the pending error on conn's underlying file
// descriptor (SO_ERROR) without consuming any bytes from the socket. A
// live, idle TCP connection reports nil; one whose peer has reset or
// whose route has died reports the error the next read/write would
// surface anyway, just without waiting for one. Returns nil for any
// net.Conn that isn't a *net.TCPConn.
func socketError(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		val, geterr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if geterr != nil {
			sockErr = geterr
			return
		}
		if val != 0 {
			sockErr = unix.Errno(val)
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
