// SPDX-License-Identifier: GPL-3.0-or-later

// Package evnet is an event-driven network stack: TCP and UDP connections
// driven by a single-goroutine event loop, callback timers, and the DNS,
// NTP, and HTTP protocol layers built on top of them.
//
// # Execution Model
//
// An [*EventLoop] runs every callback of the package. Transport goroutines
// (one reader and one writer per connection, plus a poll ticker) and timer
// backends never call user code: they post events to the loop, which runs
// them one at a time. Objects owned by the loop, such as [*TCPConnection],
// [*UDPConnection], [*Timer], [*DNSServer], and [*NTPClient], must only be
// used from tasks running on the loop; use [*EventLoop.Sync] from other
// goroutines.
//
// Transport goroutines refer to connections through opaque handles. An
// event whose connection has been destroyed finds no connection and
// releases the transport instead, so a destroyed connection never sees
// another callback.
//
// No operation blocks the loop. Operations that cannot complete right away
// return [ErrPending] and deliver their outcome later through a callback.
//
// # Primitives
//
// Timers:
//   - [CallbackTimer]: a timer over a [TimerBackend] with tick conversion
//   - [Timer]: a software timer with delegate callbacks and unbounded intervals
//
// Transport:
//   - [TCPConnection]: connect, write, stream, graceful close, self-destruct
//   - [TCPServer] and [TCPClient]: accept loop and buffered client
//   - [UDPConnection]: bound or connected datagram endpoint
//
// Protocols:
//   - [DNSServer]: captive DNS answering A queries for one name or all names
//   - [NTPClient]: SNTP client with retry and auto-query timers
//   - [HTTPParser], [HTTPConnectionBase], [HTTPServer], [HTTPClientConnection]
//   - [DNSResolver]: DNS over UDP, TCP, TLS, and HTTPS lookups
//
// Blocking building blocks, run off the loop and chained with [Compose2]:
//   - [ConnectFunc], [TLSHandshakeFunc], [ObserveConnFunc], [CancelWatchFunc]
//
// # Observability
//
// All components log through [SLogger], which [*slog.Logger] satisfies. By
// default, logging is disabled. Lifecycle events come in *Start/*Done pairs
// carrying t0, t, err, and errClass; every event carries a spanID created
// with [NewSpanID], so the events of one connection can be correlated.
// Errors are classified by [Config.ErrClassifier].
package evnet
