// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"log/slog"
	"strconv"
)

// TCPClientState is the state of a [*TCPClient].
type TCPClientState int

const (
	TCPClientReady TCPClientState = iota
	TCPClientConnecting
	TCPClientConnected
	TCPClientSuccessful
	TCPClientFailed
)

// String implements [fmt.Stringer].
func (s TCPClientState) String() string {
	switch s {
	case TCPClientReady:
		return "ready"
	case TCPClientConnecting:
		return "connecting"
	case TCPClientConnected:
		return "connected"
	case TCPClientSuccessful:
		return "successful"
	case TCPClientFailed:
		return "failed"
	default:
		return "TCPClientState(" + strconv.Itoa(int(s)) + ")"
	}
}

// TCPClientCompleteDelegate runs once the client connection is closed.
type TCPClientCompleteDelegate func(client *TCPClient, success bool)

// TCPClientDataDelegate receives incoming data. Returning false closes
// the connection.
type TCPClientDataDelegate func(client *TCPClient, data []byte) bool

// TCPClient is a [*TCPConnection] buffering outgoing data in a stream
// and reporting received data and completion to delegates.
//
// Construct using [NewTCPClient].
type TCPClient struct {
	*TCPConnection
	BaseTCPHandler

	closeAfterSent bool
	completed      TCPClientCompleteDelegate
	received       TCPClientDataDelegate
	state          TCPClientState
	stream         *MemoryDataStream
}

var (
	_ TCPHandler       = &TCPClient{}
	_ TCPClosedHandler = &TCPClient{}
)

// NewTCPClient returns a [*TCPClient]. Both delegates may be nil.
func NewTCPClient(loop *EventLoop, cfg *Config,
	completed TCPClientCompleteDelegate, received TCPClientDataDelegate, logger SLogger) *TCPClient {
	client := &TCPClient{
		completed: completed,
		received:  received,
		state:     TCPClientReady,
		stream:    &MemoryDataStream{},
	}
	client.TCPConnection = NewTCPConnection(loop, cfg, client, logger)
	return client
}

// Connect is like [*TCPConnection.Connect] and also resets the client
// state and discards data not sent by a previous connection.
func (c *TCPClient) Connect(host string, port uint16, useSSL bool) bool {
	if c.state == TCPClientConnecting || c.state == TCPClientConnected {
		return false
	}
	c.stream.Reset()
	c.closeAfterSent = false
	c.state = TCPClientConnecting
	if !c.TCPConnection.Connect(host, port, useSSL) {
		c.state = TCPClientFailed
		return false
	}
	return true
}

// Send queues data for sending. With forceClose, the connection closes
// once the queued data has been sent. Returns false once the client is
// completed or closing.
func (c *TCPClient) Send(data []byte, forceClose bool) bool {
	if c.closeAfterSent || (c.state != TCPClientConnecting && c.state != TCPClientConnected) {
		return false
	}
	c.stream.Write(data)
	c.closeAfterSent = forceClose
	if c.state == TCPClientConnected {
		c.pushAsyncPart()
	}
	return true
}

// SendString is like [*TCPClient.Send] with a string.
func (c *TCPClient) SendString(data string, forceClose bool) bool {
	return c.Send([]byte(data), forceClose)
}

// ClientState returns the client state.
func (c *TCPClient) ClientState() TCPClientState {
	return c.state
}

// IsProcessing returns whether the client is connecting or connected.
func (c *TCPClient) IsProcessing() bool {
	return c.state == TCPClientConnecting || c.state == TCPClientConnected
}

func (c *TCPClient) pushAsyncPart() {
	c.WriteStream(c.stream)
	if c.closeAfterSent && c.stream.IsFinished() {
		c.Close()
	}
}

// OnConnected implements [TCPHandler].
func (c *TCPClient) OnConnected(conn *TCPConnection) error {
	c.state = TCPClientConnected
	return nil
}

// OnReceive implements [TCPHandler].
func (c *TCPClient) OnReceive(conn *TCPConnection, data []byte) error {
	if data == nil || c.received == nil {
		return nil
	}
	if !c.received(c, data) {
		c.logger.Info("tcpClientReceiveStop", c.attrs()...)
		c.Close()
	}
	return nil
}

// OnReadyToSend implements [TCPHandler].
func (c *TCPClient) OnReadyToSend(conn *TCPConnection, event TCPEvent) {
	c.pushAsyncPart()
}

// OnError implements [TCPHandler].
func (c *TCPClient) OnError(conn *TCPConnection, err error) {
	c.state = TCPClientFailed
}

// OnClosed implements [TCPClosedHandler].
func (c *TCPClient) OnClosed(conn *TCPConnection) {
	if c.state == TCPClientConnected {
		c.state = TCPClientSuccessful
	}
	if c.state == TCPClientConnecting {
		c.state = TCPClientFailed
	}
	success := c.state == TCPClientSuccessful
	c.logger.Info("tcpClientCompleted", c.attrs(
		slog.String("clientState", c.state.String()),
		slog.Bool("success", success),
	)...)
	if c.completed != nil {
		c.completed(c, success)
	}
}
