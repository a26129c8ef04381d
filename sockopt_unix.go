//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// newListenConfig returns a [*net.ListenConfig] setting SO_REUSEADDR, so
// servers can be restarted on a port with connections in TIME_WAIT.
func newListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: reuseAddrControl}
}

func reuseAddrControl(network, address string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
