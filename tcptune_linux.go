//go:build linux

package qinet

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneTCP enables TCP_NODELAY and keepalive on newly-established
// connections. It is best-effort: failures are swallowed, mirroring the
// teacher's treatment of socket-option tuning as an optimization, never a
// correctness requirement.
func tuneTCP(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
	})
}
