//go:build unix

package discovery

import (
	"net"
	"syscall"
)

// enableBroadcast sets SO_BROADCAST on conn's underlying socket, required
// before a UDP write to a broadcast address (net.IPv4bcast) is permitted
// by the kernel.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if ctlErr != nil {
		return ctlErr
	}
	return sockErr
}
