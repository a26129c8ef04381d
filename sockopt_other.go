//go:build !unix

// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import "net"

// newListenConfig returns a [*net.ListenConfig] with default options.
func newListenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}
