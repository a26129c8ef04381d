// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/safeconn"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc(cfg *Config, spanID string, logger SLogger) *CancelWatchFunc {
	return &CancelWatchFunc{
		Logger:  logger,
		SpanID:  spanID,
		TimeNow: cfg.TimeNow,
	}
}

// CancelWatchFunc closes a connection as soon as the context is done, so
// blocking I/O performed by goroutines outside of the [*EventLoop] (e.g.,
// a [*DNSResolver] exchange) honors cancellation and deadlines.
//
// Closing the returned connection stops watching the context.
type CancelWatchFunc struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewCancelWatchFunc] to the user-provided logger.
	Logger SLogger

	// SpanID is logged with every event.
	//
	// Set by [NewCancelWatchFunc] to the user-provided value.
	SpanID string

	// TimeNow is the function to get the current time.
	//
	// Set by [NewCancelWatchFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call implements [Func].
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		op.Logger.Info(
			"cancelWatchClose",
			slog.Any("err", context.Cause(ctx)),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("protocol", safeconn.Network(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("spanID", op.SpanID),
			slog.Time("t", op.TimeNow()),
		)
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
