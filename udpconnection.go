// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// udpMaxDatagramSize bounds the size of a received datagram.
const udpMaxDatagramSize = 65535

// Bounds of the pause after a failed read, doubling on each failure.
const (
	udpMinReadErrorDelay = 5 * time.Millisecond
	udpMaxReadErrorDelay = time.Second
)

// UDPReceiver handles datagrams received by a [*UDPConnection]. It runs on
// the [*EventLoop].
//
// The data slice ends with one NUL byte not counted in the datagram size,
// so text payloads can be used directly as C-style strings by parsers
// stopping at NUL; the datagram itself is data[:len(data)-1].
type UDPReceiver interface {
	OnReceive(c *UDPConnection, data []byte, remote netip.AddrPort)
}

// UDPReceiverFunc adapts a function to [UDPReceiver].
type UDPReceiverFunc func(c *UDPConnection, data []byte, remote netip.AddrPort)

var _ UDPReceiver = UDPReceiverFunc(nil)

// OnReceive implements [UDPReceiver].
func (fn UDPReceiverFunc) OnReceive(c *UDPConnection, data []byte, remote netip.AddrPort) {
	fn(c, data, remote)
}

// udpPCB is the transport control block of a UDP endpoint.
type udpPCB struct {
	arg      uint64
	conn     net.PacketConn
	done     chan struct{}
	loop     *EventLoop
	released bool
}

func (p *udpPCB) readLoop() {
	buf := make([]byte, udpMaxDatagramSize)
	var delay time.Duration
	for {
		count, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			delay = min(max(2*delay, udpMinReadErrorDelay), udpMaxReadErrorDelay)
			pause := delay
			p.loop.Post(func() { udpTrampolineError(p, err, pause) })
			select {
			case <-p.done:
				return
			case <-time.After(pause):
			}
			continue
		}
		delay = 0
		remote := udpAddrPort(addr)
		data := make([]byte, count+1)
		copy(data, buf[:count])
		p.loop.Post(func() { udpTrampolineReceive(p, data, remote) })
	}
}

func (p *udpPCB) release() {
	if p.released {
		return
	}
	p.released = true
	close(p.done)
	p.conn.Close()
}

func udpAddrPort(addr net.Addr) netip.AddrPort {
	if ua, ok := addr.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}

func udpTrampolineReceive(p *udpPCB, data []byte, remote netip.AddrPort) {
	if p.released {
		return
	}
	c, found := udpConnections.lookup(p.arg)
	if !found {
		p.release()
		return
	}
	c.internalOnReceive(data, remote)
}

func udpTrampolineError(p *udpPCB, err error, delay time.Duration) {
	if p.released {
		return
	}
	c, found := udpConnections.lookup(p.arg)
	if !found {
		p.release()
		return
	}
	c.logger.Warn("udpReceiveError", c.attrs(
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Duration("retryDelay", delay),
	)...)
}

// UDPConnection is an event-driven UDP endpoint.
//
// Like [*TCPConnection] it is owned by the [*EventLoop]. Received datagrams
// go to the [UDPReceiver] given to [NewUDPConnection].
type UDPConnection struct {
	cfg      *Config
	handle   uint64
	logger   SLogger
	loop     *EventLoop
	pcb      *udpPCB
	receiver UDPReceiver
	remote   netip.AddrPort
	spanID   string
}

// NewUDPConnection returns an unbound [*UDPConnection].
func NewUDPConnection(loop *EventLoop, cfg *Config, receiver UDPReceiver, logger SLogger) *UDPConnection {
	c := &UDPConnection{
		cfg:      cfg,
		logger:   logger,
		loop:     loop,
		receiver: receiver,
		spanID:   NewSpanID(),
	}
	c.handle = udpConnections.register(c)
	return c
}

func (c *UDPConnection) attrs(extra ...any) []any {
	var laddr string
	if c.pcb != nil {
		laddr = c.pcb.conn.LocalAddr().String()
	}
	return append([]any{
		slog.String("localAddr", laddr),
		slog.String("protocol", "udp"),
		slog.String("spanID", c.spanID),
	}, extra...)
}

// Listen binds the endpoint to port on all interfaces. Port zero picks a
// free port. Returns [ErrAlreadyBound] when already bound.
func (c *UDPConnection) Listen(port uint16) error {
	if c.pcb != nil {
		return ErrAlreadyBound
	}
	address := net.JoinHostPort("", strconv.Itoa(int(port)))
	conn, err := c.cfg.ListenConfig.ListenPacket(context.Background(), "udp4", address)
	c.logger.Info("udpListen", c.attrs(
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Uint64("port", uint64(port)),
		slog.Time("t", c.cfg.TimeNow()),
	)...)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

// Connect binds to a free local port and sets remote as the default
// destination of [*UDPConnection.Send].
func (c *UDPConnection) Connect(remote netip.AddrPort) error {
	if c.pcb == nil {
		if err := c.Listen(0); err != nil {
			return err
		}
	}
	c.remote = remote
	c.logger.Info("udpConnect", c.attrs(slog.String("remoteAddr", remote.String()))...)
	return nil
}

func (c *UDPConnection) attach(conn net.PacketConn) {
	c.pcb = &udpPCB{
		arg:  c.handle,
		conn: conn,
		done: make(chan struct{}),
		loop: c.loop,
	}
	go c.pcb.readLoop()
}

func (c *UDPConnection) internalOnReceive(data []byte, remote netip.AddrPort) {
	c.logger.Debug("udpReceive", c.attrs(
		slog.Int("ioBytesCount", len(data)-1),
		slog.String("remoteAddr", remote.String()),
	)...)
	if c.receiver != nil {
		c.receiver.OnReceive(c, data, remote)
	}
}

// Send sends data to the address set by [*UDPConnection.Connect].
func (c *UDPConnection) Send(data []byte) error {
	if !c.remote.IsValid() {
		return ErrNotConnected
	}
	return c.SendTo(c.remote, data)
}

// SendString is like [*UDPConnection.Send] with a string.
func (c *UDPConnection) SendString(s string) error {
	return c.Send([]byte(s))
}

// SendTo sends data to remote.
func (c *UDPConnection) SendTo(remote netip.AddrPort, data []byte) error {
	if c.pcb == nil {
		return ErrNotConnected
	}
	_, err := c.pcb.conn.WriteTo(data, net.UDPAddrFromAddrPort(remote))
	c.logger.Debug("udpSend", c.attrs(
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Int("ioBytesCount", len(data)),
		slog.String("remoteAddr", remote.String()),
	)...)
	return err
}

// LocalAddr returns the bound address, or the zero value when unbound.
func (c *UDPConnection) LocalAddr() netip.AddrPort {
	if c.pcb == nil {
		return netip.AddrPort{}
	}
	return udpAddrPort(c.pcb.conn.LocalAddr())
}

// IsBound returns whether the endpoint is bound.
func (c *UDPConnection) IsBound() bool {
	return c.pcb != nil
}

// Close releases the endpoint; it may be bound again afterwards.
func (c *UDPConnection) Close() error {
	if c.pcb == nil {
		return nil
	}
	c.logger.Info("udpClose", c.attrs(slog.Time("t", c.cfg.TimeNow()))...)
	c.pcb.release()
	c.pcb = nil
	c.remote = netip.AddrPort{}
	return nil
}

// Destroy closes the endpoint and unregisters it, discarding datagrams
// still queued on the loop.
func (c *UDPConnection) Destroy() {
	c.Close()
	udpConnections.release(c.handle)
}
