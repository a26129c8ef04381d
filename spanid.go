// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// Every [*TCPConnection], [*UDPConnection], and [*NTPClient] request gets its
// own span ID, attached to all log events it emits, so that the events of a
// connection can be correlated even when the event loop interleaves many of them.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
