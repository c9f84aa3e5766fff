//go:build !linux

package qinet

import "net"

// tuneTCP enables TCP_NODELAY and keepalive through the portable
// net.TCPConn setters on platforms without the golang.org/x/sys/unix
// wiring; the keepalive idle time is left at the OS default.
func tuneTCP(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
}
