// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import "errors"

var (
	// ErrPending indicates that an operation did not complete synchronously
	// and that its outcome will be delivered later by a callback.
	ErrPending = errors.New("evnet: operation in progress")

	// ErrNotConnected indicates that the transport control block has been
	// released (or was never attached), so no I/O is possible.
	ErrNotConnected = errors.New("evnet: not connected")

	// ErrSendBufferFull indicates that the transport send buffer or send
	// queue has no room for the data.
	ErrSendBufferFull = errors.New("evnet: send buffer full")

	// ErrAlreadyBound indicates that a UDP connection is already bound.
	ErrAlreadyBound = errors.New("evnet: already bound")

	// ErrIdleTimeout indicates that a TCP connection was closed after
	// reaching its configured number of idle poll intervals.
	ErrIdleTimeout = errors.New("evnet: idle timeout")

	// ErrRemoteClosed indicates that the peer closed the connection.
	ErrRemoteClosed = errors.New("evnet: remote closed")

	// ErrLoopStopped indicates that the [*EventLoop] is no longer running.
	ErrLoopStopped = errors.New("evnet: event loop stopped")

	// ErrNoAddress indicates that name resolution returned no usable address.
	ErrNoAddress = errors.New("evnet: no address")

	// ErrBodyTooLarge indicates that an HTTP body exceeded the configured limit.
	ErrBodyTooLarge = errors.New("evnet: body too large")
)
