// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/safeconn"
)

const (
	// TCPServerDefaultKeepAlive is the default idle timeout of accepted
	// connections, in poll intervals.
	TCPServerDefaultKeepAlive = 20

	// TCPServerDefaultHandshakeTimeout bounds the TLS handshake of
	// accepted connections.
	TCPServerDefaultHandshakeTimeout = 10 * time.Second
)

// TCPHandlerFactory returns the [TCPHandler] of a new accepted connection.
type TCPHandlerFactory func() TCPHandler

// TCPServer accepts TCP connections and wraps each of them into a
// self-destructing [*TCPConnection].
//
// A TCPServer is owned by the [*EventLoop]; the accept goroutine only
// posts the accepted connections to the loop.
//
// Construct using [NewTCPServer].
type TCPServer struct {
	// HandshakeTimeout bounds the TLS handshake of accepted connections.
	//
	// Set by [NewTCPServer] to [TCPServerDefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// KeepAlive is the idle timeout of accepted connections, in poll
	// intervals. Use [NoTimeout] to disable it.
	//
	// Set by [NewTCPServer] to [TCPServerDefaultKeepAlive].
	KeepAlive uint16

	// MaxConnections bounds the number of active connections. Connections
	// accepted beyond the limit are closed right away. Zero means no limit.
	//
	// Set by [NewTCPServer] to zero.
	MaxConnections int

	// TLSConfig enables TLS when not nil. It must contain certificates.
	//
	// Set by [NewTCPServer] to nil.
	TLSConfig *tls.Config

	active   map[*TCPConnection]struct{}
	cancel   context.CancelFunc
	cfg      *Config
	factory  TCPHandlerFactory
	listener net.Listener
	logger   SLogger
	loop     *EventLoop
	spanID   string
}

// NewTCPServer returns a [*TCPServer] creating handlers with factory.
func NewTCPServer(loop *EventLoop, cfg *Config, factory TCPHandlerFactory, logger SLogger) *TCPServer {
	return &TCPServer{
		HandshakeTimeout: TCPServerDefaultHandshakeTimeout,
		KeepAlive:        TCPServerDefaultKeepAlive,
		active:           make(map[*TCPConnection]struct{}),
		cancel:           func() {},
		cfg:              cfg,
		factory:          factory,
		logger:           logger,
		loop:             loop,
		spanID:           NewSpanID(),
	}
}

// Listen binds the server to port on all IPv4 interfaces and starts
// accepting connections. Use port zero to bind a random port.
func (s *TCPServer) Listen(ctx context.Context, port uint16) error {
	if s.listener != nil {
		return ErrAlreadyBound
	}
	address := net.JoinHostPort("", strconv.Itoa(int(port)))
	t0 := s.cfg.TimeNow()
	s.logger.Info(
		"tcpListenStart",
		slog.String("localAddr", address),
		slog.String("protocol", "tcp"),
		slog.String("spanID", s.spanID),
		slog.Time("t", t0),
		slog.Bool("useSSL", s.TLSConfig != nil),
	)
	listener, err := s.cfg.ListenConfig.Listen(ctx, "tcp4", address)
	s.logger.Info(
		"tcpListenDone",
		slog.Any("err", err),
		slog.String("errClass", s.cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.addrString(listener)),
		slog.String("protocol", "tcp"),
		slog.String("spanID", s.spanID),
		slog.Time("t0", t0),
		slog.Time("t", s.cfg.TimeNow()),
	)
	if err != nil {
		return err
	}
	actx, cancel := context.WithCancel(context.Background())
	s.listener, s.cancel = listener, cancel
	go s.acceptLoop(actx, listener, s.TLSConfig, s.HandshakeTimeout)
	return nil
}

func (s *TCPServer) addrString(listener net.Listener) string {
	if listener == nil {
		return ""
	}
	return listener.Addr().String()
}

func (s *TCPServer) acceptLoop(ctx context.Context,
	listener net.Listener, config *tls.Config, timeout time.Duration) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.loop.Post(func() { s.onAcceptError(err) })
			}
			return
		}
		if config == nil {
			s.deliver(conn)
			continue
		}
		go s.handshake(ctx, conn, config, timeout)
	}
}

func (s *TCPServer) handshake(ctx context.Context, conn net.Conn, config *tls.Config, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tconn := tls.Server(conn, config)
	if err := tconn.HandshakeContext(ctx); err != nil {
		raddr := safeconn.RemoteAddr(conn)
		tconn.Close()
		s.loop.Post(func() { s.onHandshakeError(raddr, err) })
		return
	}
	s.deliver(tconn)
}

func (s *TCPServer) deliver(conn net.Conn) {
	if !s.loop.Post(func() { s.onClient(conn) }) {
		conn.Close()
	}
}

func (s *TCPServer) onAcceptError(err error) {
	s.logger.Warn(
		"tcpAcceptError",
		slog.Any("err", err),
		slog.String("errClass", s.cfg.ErrClassifier.Classify(err)),
		slog.String("spanID", s.spanID),
	)
}

func (s *TCPServer) onHandshakeError(raddr string, err error) {
	s.logger.Warn(
		"tlsServerHandshakeError",
		slog.Any("err", err),
		slog.String("errClass", s.cfg.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", raddr),
		slog.String("spanID", s.spanID),
	)
}

func (s *TCPServer) onClient(conn net.Conn) {
	if s.listener == nil || (s.MaxConnections > 0 && len(s.active) >= s.MaxConnections) {
		s.logger.Warn(
			"tcpClientRejected",
			slog.Int("activeConnections", len(s.active)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("spanID", s.spanID),
		)
		conn.Close()
		return
	}
	c := newAcceptedTCPConnection(s.loop, s.cfg, s.factory(), s.logger, conn)
	c.SetTimeout(s.KeepAlive)
	s.active[c] = struct{}{}
	c.OnDestroyed(func(c *TCPConnection) {
		delete(s.active, c)
	})
	c.SetAutoSelfDestruct(true)
	s.logger.Info("tcpClientAccepted", c.attrs(
		slog.Int("activeConnections", len(s.active)),
		slog.String("serverSpanID", s.spanID),
	)...)
	c.internalOnConnected()
}

// ActiveConnections returns the number of connections not destroyed yet.
func (s *TCPServer) ActiveConnections() int {
	return len(s.active)
}

// Addr returns the listening address, or nil when not listening.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and closes the active connections gracefully.
func (s *TCPServer) Shutdown() {
	if s.listener != nil {
		s.cancel()
		s.listener.Close()
		s.listener = nil
		s.logger.Info("tcpShutdown",
			slog.Int("activeConnections", len(s.active)),
			slog.String("spanID", s.spanID),
		)
	}
	for c := range s.active {
		c.Close()
	}
}
