// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"strconv"

	"github.com/bassosimone/safeconn"
)

// TCPState is the lifecycle state of a [*TCPConnection].
type TCPState int

const (
	// TCPUnconnected is the state of a new connection.
	TCPUnconnected TCPState = iota

	// TCPConnecting means resolving, dialing, or handshaking.
	TCPConnecting

	// TCPConnected means the transport is attached and usable.
	TCPConnected

	// TCPClosing means a close was requested while data was still queued.
	TCPClosing

	// TCPClosed means the transport has been released.
	TCPClosed
)

// String implements [fmt.Stringer].
func (s TCPState) String() string {
	switch s {
	case TCPUnconnected:
		return "unconnected"
	case TCPConnecting:
		return "connecting"
	case TCPConnected:
		return "connected"
	case TCPClosing:
		return "closing"
	case TCPClosed:
		return "closed"
	default:
		return "TCPState(" + strconv.Itoa(int(s)) + ")"
	}
}

// TCPEvent identifies the event that made a connection ready to send.
type TCPEvent int

const (
	TCPEventConnected TCPEvent = iota
	TCPEventReceived
	TCPEventSent
	TCPEventPoll
)

// String implements [fmt.Stringer].
func (e TCPEvent) String() string {
	switch e {
	case TCPEventConnected:
		return "connected"
	case TCPEventReceived:
		return "received"
	case TCPEventSent:
		return "sent"
	case TCPEventPoll:
		return "poll"
	default:
		return "TCPEvent(" + strconv.Itoa(int(e)) + ")"
	}
}

// NoTimeout disables the idle timeout of a [*TCPConnection].
const NoTimeout = math.MaxUint16

// TCPHandler receives the events of a [*TCPConnection]. All methods run on
// the [*EventLoop]. Embed [BaseTCPHandler] to implement only some of them.
type TCPHandler interface {
	// OnConnected runs once the transport is attached. Returning an error
	// closes the connection.
	OnConnected(c *TCPConnection) error

	// OnReceive runs for every chunk of received data. A nil data slice
	// means the peer closed the connection, which is closed afterwards.
	// Returning an error closes the connection.
	OnReceive(c *TCPConnection, data []byte) error

	// OnSent runs when count bytes left the send buffer. Returning an
	// error closes the connection.
	OnSent(c *TCPConnection, count int) error

	// OnPoll runs every [Config.PollInterval] while connected.
	OnPoll(c *TCPConnection)

	// OnError runs after the transport failed and has been released.
	OnError(c *TCPConnection, err error)

	// OnReadyToSend runs after connect, receive, sent, and poll events
	// while the connection is able to send.
	OnReadyToSend(c *TCPConnection, event TCPEvent)
}

// TCPClosedHandler is an optional [TCPHandler] extension notified when
// the connection reaches [TCPClosed], after [TCPHandler.OnError] if the
// closure was caused by an error.
type TCPClosedHandler interface {
	OnClosed(c *TCPConnection)
}

// BaseTCPHandler implements [TCPHandler] doing nothing.
type BaseTCPHandler struct{}

var _ TCPHandler = BaseTCPHandler{}

// OnConnected implements [TCPHandler].
func (BaseTCPHandler) OnConnected(c *TCPConnection) error { return nil }

// OnReceive implements [TCPHandler].
func (BaseTCPHandler) OnReceive(c *TCPConnection, data []byte) error { return nil }

// OnSent implements [TCPHandler].
func (BaseTCPHandler) OnSent(c *TCPConnection, count int) error { return nil }

// OnPoll implements [TCPHandler].
func (BaseTCPHandler) OnPoll(c *TCPConnection) {}

// OnError implements [TCPHandler].
func (BaseTCPHandler) OnError(c *TCPConnection, err error) {}

// OnReadyToSend implements [TCPHandler].
func (BaseTCPHandler) OnReadyToSend(c *TCPConnection, event TCPEvent) {}

const (
	// tcpStreamChunkSize is the size of the blocks read from a stream.
	tcpStreamChunkSize = 1024

	// tcpStreamMaxPushes bounds the writes of a single WriteStream round.
	tcpStreamMaxPushes = 25
)

// TCPConnection is an event-driven TCP connection, optionally secured
// with TLS.
//
// A TCPConnection is owned by the [*EventLoop]: create it and call its
// methods only from tasks running on the loop. The transport goroutines
// refer to the connection through an opaque handle, so events arriving
// after [*TCPConnection.Destroy] find no connection and release the
// transport instead.
//
// With [*TCPConnection.SetAutoSelfDestruct], the connection destroys itself
// once closed, after the event being dispatched returns.
//
// Construct using [NewTCPConnection].
type TCPConnection struct {
	autoSelfDestruct bool
	cancel           context.CancelFunc
	cfg              *Config
	ctx              context.Context
	destroyed        bool
	dispatching      int
	handle           uint64
	handler          TCPHandler
	laddr            string
	logger           SLogger
	loop             *EventLoop
	onDestroyed      []func(c *TCPConnection)
	pcb              *tcpPCB
	raddr            string
	sleep            uint16
	spanID           string
	ssl              *TLSSession
	state            TCPState
	timeout          uint16
	tlsConfig        *tls.Config
}

// NewTCPConnection returns a new unconnected [*TCPConnection] delivering
// events to handler.
func NewTCPConnection(loop *EventLoop, cfg *Config, handler TCPHandler, logger SLogger) *TCPConnection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TCPConnection{
		cancel:  cancel,
		cfg:     cfg,
		ctx:     ctx,
		handler: handler,
		logger:  logger,
		loop:    loop,
		spanID:  NewSpanID(),
		state:   TCPUnconnected,
		timeout: NoTimeout,
	}
	c.handle = tcpConnections.register(c)
	return c
}

// newAcceptedTCPConnection returns a connected [*TCPConnection] attached
// to an accepted conn.
func newAcceptedTCPConnection(loop *EventLoop, cfg *Config,
	handler TCPHandler, logger SLogger, conn net.Conn) *TCPConnection {
	c := NewTCPConnection(loop, cfg, handler, logger)
	if tconn, ok := conn.(TLSConn); ok {
		c.ssl = &TLSSession{}
		c.ssl.State = tconn.ConnectionState()
		c.ssl.Established = true
	}
	c.attach(conn)
	return c
}

func (c *TCPConnection) attrs(extra ...any) []any {
	return append([]any{
		slog.String("localAddr", c.laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", c.raddr),
		slog.String("spanID", c.spanID),
	}, extra...)
}

// enter marks the start of an event dispatch. Call the returned function
// when the dispatch ends: the outermost one checks for self-destruction.
func (c *TCPConnection) enter() func() {
	c.dispatching++
	return func() {
		c.dispatching--
		c.checkSelfDestruct()
	}
}

// SetTLSConfig sets the configuration used by secure connects. A nil
// config, the default, verifies the server name against the system roots.
func (c *TCPConnection) SetTLSConfig(config *tls.Config) {
	c.tlsConfig = config
}

// Connect starts connecting to host:port, resolving host if needed.
//
// Returns true when the connection attempt is in progress. Returns false
// when the connection is busy or host cannot be resolved synchronously;
// in the latter case the error is delivered to [TCPHandler.OnError].
func (c *TCPConnection) Connect(host string, port uint16, useSSL bool) bool {
	if !c.beginConnect(host, port, useSSL) {
		return false
	}
	ctx := c.ctx
	addr, err := resolveAsync(ctx, c.loop, c.cfg.Resolver, host, func(addr netip.Addr, err error) {
		if ctx.Err() != nil || c.state != TCPConnecting {
			return
		}
		c.onResolved(netip.AddrPortFrom(addr, port), err)
	})
	switch {
	case err == nil:
		c.dial(netip.AddrPortFrom(addr, port))
		return true
	case errors.Is(err, ErrPending):
		return true
	default:
		c.internalOnError(err)
		return false
	}
}

// ConnectAddr starts connecting to addr.
func (c *TCPConnection) ConnectAddr(addr netip.AddrPort, useSSL bool) bool {
	if !c.beginConnect(addr.Addr().String(), addr.Port(), useSSL) {
		return false
	}
	c.dial(addr)
	return true
}

func (c *TCPConnection) beginConnect(host string, port uint16, useSSL bool) bool {
	if c.destroyed || (c.state != TCPUnconnected && c.state != TCPClosed) {
		c.logger.Warn("tcpConnectBusy", c.attrs(slog.String("state", c.state.String()))...)
		return false
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.ssl = nil
	if useSSL {
		c.ssl = newTLSSession(host, c.tlsConfig)
	}
	c.laddr, c.raddr = "", ""
	c.state = TCPConnecting
	c.logger.Info(
		"tcpConnectStart",
		slog.Uint64("port", uint64(port)),
		slog.String("serverName", host),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.cfg.TimeNow()),
		slog.Bool("useSSL", useSSL),
	)
	return true
}

func (c *TCPConnection) onResolved(addr netip.AddrPort, err error) {
	defer c.enter()()
	if err != nil {
		c.internalOnError(err)
		return
	}
	c.dial(addr)
}

func (c *TCPConnection) dial(addr netip.AddrPort) {
	var pipeline Func[netip.AddrPort, net.Conn] = NewConnectFunc(c.cfg, "tcp", c.spanID, c.logger)
	if c.ssl != nil {
		handshake := NewTLSHandshakeFunc(c.cfg, c.ssl.Config, c.spanID, c.logger)
		pipeline = Compose2(pipeline, Func[net.Conn, net.Conn](FuncAdapter[net.Conn, net.Conn](
			func(ctx context.Context, conn net.Conn) (net.Conn, error) {
				tconn, err := handshake.Call(ctx, conn)
				if err != nil {
					return nil, err
				}
				return tconn, nil
			})))
	}
	ctx := c.ctx
	go func() {
		conn, err := pipeline.Call(ctx, addr)
		posted := c.loop.Post(func() { c.onDialDone(ctx, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (c *TCPConnection) onDialDone(ctx context.Context, conn net.Conn, err error) {
	if ctx.Err() != nil || c.state != TCPConnecting {
		if conn != nil {
			conn.Close()
		}
		return
	}
	defer c.enter()()
	if err != nil {
		c.internalOnError(err)
		return
	}
	if tconn, ok := conn.(TLSConn); ok && c.ssl != nil {
		c.ssl.State = tconn.ConnectionState()
		c.ssl.Established = true
	}
	c.attach(conn)
	c.internalOnConnected()
}

func (c *TCPConnection) attach(conn net.Conn) {
	c.laddr = safeconn.LocalAddr(conn)
	c.raddr = safeconn.RemoteAddr(conn)
	observed := NewObserveConnFunc(c.cfg, c.spanID, c.logger).wrap(conn)
	c.pcb = newTCPPCB(c.loop, observed, c.handle)
	c.pcb.start(c.cfg.PollInterval)
	c.sleep = 0
	c.state = TCPConnected
}

func (c *TCPConnection) internalOnConnected() {
	defer c.enter()()
	c.logger.Info("tcpConnected", c.attrs(
		slog.Time("t", c.cfg.TimeNow()),
		slog.Bool("useSSL", c.ssl != nil),
	)...)
	if err := c.handler.OnConnected(c); err != nil {
		c.logger.Warn("tcpConnectedAbort", c.attrs(slog.Any("err", err))...)
		c.Close()
		return
	}
	c.readyToSend(TCPEventConnected)
}

func (c *TCPConnection) internalOnReceive(data []byte) {
	defer c.enter()()
	if c.state != TCPConnected {
		return
	}
	c.sleep = 0
	c.logger.Debug("tcpReceive", c.attrs(slog.Int("ioBytesCount", len(data)))...)
	if err := c.handler.OnReceive(c, data); err != nil {
		c.logger.Warn("tcpReceiveAbort", c.attrs(
			slog.Any("err", err),
			slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		)...)
		c.Close()
		return
	}
	if data == nil {
		c.logger.Info("tcpRemoteClosed", c.attrs()...)
		c.Close()
		return
	}
	c.readyToSend(TCPEventReceived)
}

func (c *TCPConnection) internalOnSent(count int) {
	defer c.enter()()
	c.sleep = 0
	if c.state == TCPClosing {
		c.tryRelease()
		return
	}
	if c.state != TCPConnected {
		return
	}
	c.logger.Debug("tcpSent", c.attrs(slog.Int("ioBytesCount", count))...)
	if err := c.handler.OnSent(c, count); err != nil {
		c.Close()
		return
	}
	c.readyToSend(TCPEventSent)
}

func (c *TCPConnection) internalOnPoll() {
	defer c.enter()()
	if c.sleep < math.MaxUint16 {
		c.sleep++
	}
	if c.timeout != NoTimeout && c.sleep >= c.timeout {
		c.logger.Warn("tcpIdleTimeout", c.attrs(
			slog.Int("idlePolls", int(c.sleep)),
			slog.String("state", c.state.String()),
		)...)
		if c.state == TCPClosing {
			c.abort()
			return
		}
		c.Close()
		return
	}
	if c.state == TCPClosing {
		c.tryRelease()
		return
	}
	if c.state != TCPConnected {
		return
	}
	c.handler.OnPoll(c)
	if c.AvailableWriteSize() > 0 {
		c.readyToSend(TCPEventPoll)
	}
}

func (c *TCPConnection) internalOnError(err error) {
	defer c.enter()()
	if c.pcb != nil {
		c.pcb.abort()
		c.pcb = nil
	}
	c.cancel()
	c.state = TCPClosed
	c.logger.Warn("tcpError", c.attrs(
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
	)...)
	c.handler.OnError(c, err)
	c.setClosed()
}

func (c *TCPConnection) readyToSend(event TCPEvent) {
	if c.state == TCPConnected && c.pcb != nil {
		c.handler.OnReadyToSend(c, event)
	}
}

// Write queues data for sending, sending it right away unless flags has
// [WriteFlagMore]. The data is copied.
//
// Returns [ErrSendBufferFull] when data does not fit the free send
// buffer, and [ErrNotConnected] unless connected.
func (c *TCPConnection) Write(data []byte, flags WriteFlags) (int, error) {
	if c.state != TCPConnected || c.pcb == nil {
		return 0, ErrNotConnected
	}
	return c.pcb.write(data, flags)
}

// WriteString is like [*TCPConnection.Write] with a string.
func (c *TCPConnection) WriteString(s string, flags WriteFlags) (int, error) {
	return c.Write([]byte(s), flags)
}

// Flush sends the data queued with [WriteFlagMore].
func (c *TCPConnection) Flush() {
	if c.pcb != nil {
		c.pcb.output()
	}
}

// WriteStream moves as much of stream as the send buffer accepts, in
// chunks of up to 1 KiB, and returns the number of bytes written.
//
// It stops, without blocking, when the send queue fills up, when the
// stream has no data available, or after a bounded number of chunks.
// Call it again from [TCPHandler.OnReadyToSend] to continue.
func (c *TCPConnection) WriteStream(stream DataSourceStream) int {
	if c.state != TCPConnected || c.pcb == nil {
		return 0
	}
	buf := make([]byte, tcpStreamChunkSize)
	total := 0
	for pushes := 0; pushes < tcpStreamMaxPushes; pushes++ {
		if !c.pcb.hasQueueSpace() {
			break
		}
		size := min(len(buf), c.AvailableWriteSize())
		if size <= 0 {
			break
		}
		available := stream.ReadMemoryBlock(buf[:size])
		if available <= 0 {
			break
		}
		written, err := c.Write(buf[:available], WriteFlagMore)
		if err != nil {
			break
		}
		total += written
		stream.Seek(written)
		if written != available || stream.IsFinished() {
			break
		}
	}
	c.Flush()
	return total
}

// Close closes the connection, gracefully when connected: data already
// queued is sent before the transport is released, and until then the
// connection is in the [TCPClosing] state. Close is idempotent.
func (c *TCPConnection) Close() {
	defer c.enter()()
	switch c.state {
	case TCPConnecting:
		c.cancel()
		c.logger.Info("tcpConnectCancelled", c.attrs()...)
		c.setClosed()
	case TCPConnected:
		c.state = TCPClosing
		c.logger.Info("tcpCloseStart", c.attrs(slog.Time("t", c.cfg.TimeNow()))...)
		c.tryRelease()
	}
}

func (c *TCPConnection) tryRelease() {
	if err := c.pcb.tryClose(); err != nil {
		return
	}
	c.pcb = nil
	c.cancel()
	c.logger.Info("tcpCloseDone", c.attrs(slog.Time("t", c.cfg.TimeNow()))...)
	c.setClosed()
}

func (c *TCPConnection) setClosed() {
	c.state = TCPClosed
	if h, ok := c.handler.(TCPClosedHandler); ok {
		h.OnClosed(c)
	}
}

// Abort releases the transport immediately, dropping queued data.
func (c *TCPConnection) Abort() {
	defer c.enter()()
	c.abort()
}

func (c *TCPConnection) abort() {
	c.cancel()
	if c.pcb != nil {
		c.pcb.abort()
		c.pcb = nil
	}
	if c.state != TCPUnconnected && c.state != TCPClosed {
		c.logger.Info("tcpAbort", c.attrs(slog.Time("t", c.cfg.TimeNow()))...)
		c.setClosed()
	}
}

// SetAutoSelfDestruct arranges for the connection to destroy itself once
// closed. When the connection is already closed, it is destroyed when the
// current event dispatch returns, or right away outside of dispatches.
func (c *TCPConnection) SetAutoSelfDestruct(enabled bool) {
	c.autoSelfDestruct = enabled
	c.checkSelfDestruct()
}

// OnDestroyed registers fn to run when the connection is destroyed.
func (c *TCPConnection) OnDestroyed(fn func(c *TCPConnection)) {
	c.onDestroyed = append(c.onDestroyed, fn)
}

func (c *TCPConnection) checkSelfDestruct() {
	if c.dispatching > 0 || !c.autoSelfDestruct || c.destroyed || c.state != TCPClosed {
		return
	}
	c.destroy()
}

// Destroy aborts the connection and unregisters it from the transport
// layer. Pending events for the connection are discarded. It is idempotent.
func (c *TCPConnection) Destroy() {
	if !c.destroyed {
		c.destroy()
	}
}

func (c *TCPConnection) destroy() {
	c.destroyed = true
	c.abort()
	tcpConnections.release(c.handle)
	c.ssl = nil
	c.logger.Info("tcpDestroy", c.attrs(slog.Time("t", c.cfg.TimeNow()))...)
	observers := c.onDestroyed
	c.onDestroyed = nil
	for _, fn := range observers {
		fn(c)
	}
}

// SetTimeout sets the idle timeout in poll intervals. Use [NoTimeout] to
// disable it.
func (c *TCPConnection) SetTimeout(polls uint16) {
	c.timeout = polls
}

// Timeout returns the idle timeout in poll intervals.
func (c *TCPConnection) Timeout() uint16 {
	return c.timeout
}

// State returns the lifecycle state.
func (c *TCPConnection) State() TCPState {
	return c.state
}

// IsDestroyed returns whether the connection has been destroyed.
func (c *TCPConnection) IsDestroyed() bool {
	return c.destroyed
}

// LocalAddr returns the local endpoint, or "" when not connected yet.
func (c *TCPConnection) LocalAddr() string {
	return c.laddr
}

// RemoteAddr returns the remote endpoint, or "" when not connected yet.
func (c *TCPConnection) RemoteAddr() string {
	return c.raddr
}

// AvailableWriteSize returns how many bytes [*TCPConnection.Write] accepts.
func (c *TCPConnection) AvailableWriteSize() int {
	if c.state != TCPConnected || c.pcb == nil {
		return 0
	}
	return c.pcb.availableWriteSize()
}

// SSL returns the TLS session, or nil for plain connections.
func (c *TCPConnection) SSL() *TLSSession {
	return c.ssl
}

// SpanID returns the identifier correlating the log events of the connection.
func (c *TCPConnection) SpanID() string {
	return c.spanID
}

// Handler returns the event handler.
func (c *TCPConnection) Handler() TCPHandler {
	return c.handler
}

// Loop returns the [*EventLoop] owning the connection.
func (c *TCPConnection) Loop() *EventLoop {
	return c.loop
}
