// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"log/slog"
)

// HTTPHandler receives the message events of an [*HTTPConnectionBase].
// All methods run on the [*EventLoop]; returning an error stops parsing
// and closes the connection. Embed [BaseHTTPHandler] to implement only
// some of them.
type HTTPHandler interface {
	// OnMessageBegin runs when a new message starts, after the per-message
	// state of the connection has been reset.
	OnMessageBegin(c *HTTPConnectionBase) error

	// OnPath runs with the request target once the request line is parsed.
	OnPath(c *HTTPConnectionBase, target string) error

	// OnStatus runs with the status code and reason once the status line
	// is parsed.
	OnStatus(c *HTTPConnectionBase, code int, reason string) error

	// OnHeadersComplete runs once the headers are available in
	// [*HTTPConnectionBase.Headers]. The result tells how to parse the body.
	OnHeadersComplete(c *HTTPConnectionBase) (HeadersAction, error)

	// OnBody runs for every fragment of the decoded body.
	OnBody(c *HTTPConnectionBase, data []byte) error

	// OnChunkHeader runs when a chunk starts.
	OnChunkHeader(c *HTTPConnectionBase, size int64) error

	// OnChunkComplete runs when a chunk ends.
	OnChunkComplete(c *HTTPConnectionBase) error

	// OnMessageComplete runs when the message ends.
	OnMessageComplete(c *HTTPConnectionBase) error

	// OnProtocolUpgrade runs with the bytes following an upgrade, and
	// with every later chunk of received data.
	OnProtocolUpgrade(c *HTTPConnectionBase, data []byte) error
}

// HTTPConnectedHandler is an optional [HTTPHandler] extension notified
// when the transport is connected.
type HTTPConnectedHandler interface {
	OnConnected(c *HTTPConnectionBase) error
}

// HTTPReadyToSendHandler is an optional [HTTPHandler] extension notified
// when the transport is able to send.
type HTTPReadyToSendHandler interface {
	OnReadyToSend(c *HTTPConnectionBase, event TCPEvent)
}

// HTTPClosedHandler is an optional [HTTPHandler] extension notified when
// the transport is closed. The error is nil after a graceful close.
type HTTPClosedHandler interface {
	OnClosed(c *HTTPConnectionBase, err error)
}

// BaseHTTPHandler implements [HTTPHandler] accepting everything.
type BaseHTTPHandler struct{}

var _ HTTPHandler = BaseHTTPHandler{}

// OnMessageBegin implements [HTTPHandler].
func (BaseHTTPHandler) OnMessageBegin(c *HTTPConnectionBase) error { return nil }

// OnPath implements [HTTPHandler].
func (BaseHTTPHandler) OnPath(c *HTTPConnectionBase, target string) error { return nil }

// OnStatus implements [HTTPHandler].
func (BaseHTTPHandler) OnStatus(c *HTTPConnectionBase, code int, reason string) error { return nil }

// OnHeadersComplete implements [HTTPHandler].
func (BaseHTTPHandler) OnHeadersComplete(c *HTTPConnectionBase) (HeadersAction, error) {
	return HeadersContinue, nil
}

// OnBody implements [HTTPHandler].
func (BaseHTTPHandler) OnBody(c *HTTPConnectionBase, data []byte) error { return nil }

// OnChunkHeader implements [HTTPHandler].
func (BaseHTTPHandler) OnChunkHeader(c *HTTPConnectionBase, size int64) error { return nil }

// OnChunkComplete implements [HTTPHandler].
func (BaseHTTPHandler) OnChunkComplete(c *HTTPConnectionBase) error { return nil }

// OnMessageComplete implements [HTTPHandler].
func (BaseHTTPHandler) OnMessageComplete(c *HTTPConnectionBase) error { return nil }

// OnProtocolUpgrade implements [HTTPHandler].
func (BaseHTTPHandler) OnProtocolUpgrade(c *HTTPConnectionBase, data []byte) error { return nil }

// HTTPConnectionBase adapts an [*HTTPParser] to a [*TCPConnection]: it is
// the [TCPHandler] of the connection, feeds received data to the parser,
// reassembles headers, and dispatches message events to an [HTTPHandler].
//
// Construct using [NewHTTPConnectionBase].
type HTTPConnectionBase struct {
	// Headers contains the headers of the current message. A new
	// collection is allocated for every message.
	Headers *HTTPHeaders

	builder       HTTPHeaderBuilder
	conn          *TCPConnection
	err           error
	handler       HTTPHandler
	logger        SLogger
	parser        *HTTPParser
	reason        []byte
	settings      HTTPParserSettings
	startLineDone bool
	target        []byte
	upgraded      bool
}

var (
	_ TCPHandler       = &HTTPConnectionBase{}
	_ TCPClosedHandler = &HTTPConnectionBase{}
)

// NewHTTPConnectionBase returns an [*HTTPConnectionBase] parsing messages
// of type t and dispatching them to handler.
func NewHTTPConnectionBase(t HTTPParserType, handler HTTPHandler, logger SLogger) *HTTPConnectionBase {
	b := &HTTPConnectionBase{
		Headers: &HTTPHeaders{},
		handler: handler,
		logger:  logger,
		parser:  NewHTTPParser(t),
	}
	b.settings = HTTPParserSettings{
		OnMessageBegin:    b.onMessageBegin,
		OnURL:             b.onURL,
		OnStatus:          b.onStatus,
		OnHeaderField:     b.onHeaderField,
		OnHeaderValue:     b.onHeaderValue,
		OnHeadersComplete: b.onHeadersComplete,
		OnBody:            b.onBody,
		OnMessageComplete: b.onMessageComplete,
		OnChunkHeader:     b.onChunkHeader,
		OnChunkComplete:   b.onChunkComplete,
	}
	return b
}

// Connection returns the [*TCPConnection] delivering events, or nil
// before the first event.
func (b *HTTPConnectionBase) Connection() *TCPConnection {
	return b.conn
}

// Parser returns the parser, which exposes the method, status, and
// version of the current message.
func (b *HTTPConnectionBase) Parser() *HTTPParser {
	return b.parser
}

// IsUpgraded returns whether the connection switched protocol.
func (b *HTTPConnectionBase) IsUpgraded() bool {
	return b.upgraded
}

func (b *HTTPConnectionBase) onMessageBegin(p *HTTPParser) error {
	b.Headers = &HTTPHeaders{}
	b.builder.Reset()
	b.reason = b.reason[:0]
	b.startLineDone = false
	b.target = b.target[:0]
	return b.handler.OnMessageBegin(b)
}

func (b *HTTPConnectionBase) onURL(p *HTTPParser, data []byte) error {
	b.target = append(b.target, data...)
	return nil
}

func (b *HTTPConnectionBase) onStatus(p *HTTPParser, data []byte) error {
	b.reason = append(b.reason, data...)
	return nil
}

// flushStartLine delivers the start line once it is complete, which the
// parser signals with the first header or with the end of the headers.
func (b *HTTPConnectionBase) flushStartLine() error {
	if b.startLineDone {
		return nil
	}
	b.startLineDone = true
	if b.parser.Type == HTTPParserRequest {
		return b.handler.OnPath(b, string(b.target))
	}
	return b.handler.OnStatus(b, b.parser.StatusCode, string(b.reason))
}

func (b *HTTPConnectionBase) onHeaderField(p *HTTPParser, data []byte) error {
	if err := b.flushStartLine(); err != nil {
		return err
	}
	b.builder.OnHeaderField(data)
	return nil
}

func (b *HTTPConnectionBase) onHeaderValue(p *HTTPParser, data []byte) error {
	b.builder.OnHeaderValue(b.Headers, data)
	return nil
}

func (b *HTTPConnectionBase) onHeadersComplete(p *HTTPParser) (HeadersAction, error) {
	defer b.builder.Reset()
	if err := b.flushStartLine(); err != nil {
		return HeadersContinue, err
	}
	return b.handler.OnHeadersComplete(b)
}

func (b *HTTPConnectionBase) onBody(p *HTTPParser, data []byte) error {
	return b.handler.OnBody(b, data)
}

func (b *HTTPConnectionBase) onChunkHeader(p *HTTPParser) error {
	return b.handler.OnChunkHeader(b, p.ContentLength)
}

func (b *HTTPConnectionBase) onChunkComplete(p *HTTPParser) error {
	return b.handler.OnChunkComplete(b)
}

func (b *HTTPConnectionBase) onMessageComplete(p *HTTPParser) error {
	return b.handler.OnMessageComplete(b)
}

// OnConnected implements [TCPHandler].
func (b *HTTPConnectionBase) OnConnected(conn *TCPConnection) error {
	b.conn = conn
	b.err = nil
	b.upgraded = false
	b.parser.Init(b.parser.Type)
	if h, ok := b.handler.(HTTPConnectedHandler); ok {
		return h.OnConnected(b)
	}
	return nil
}

// OnReceive implements [TCPHandler]. Parse errors are returned, which
// closes the connection.
func (b *HTTPConnectionBase) OnReceive(conn *TCPConnection, data []byte) error {
	b.conn = conn
	if b.upgraded {
		if data == nil {
			return nil
		}
		return b.handler.OnProtocolUpgrade(b, data)
	}
	count, err := b.parser.Execute(&b.settings, data)
	if err != nil {
		b.err = err
		b.logger.Warn("httpParseError", conn.attrs(
			slog.Any("err", err),
			slog.String("errClass", conn.cfg.ErrClassifier.Classify(err)),
			slog.Int("ioBytesCount", len(data)),
			slog.Int("ioBytesParsed", count),
		)...)
		return err
	}
	if b.parser.Upgrade {
		b.upgraded = true
		b.logger.Info("httpProtocolUpgrade", conn.attrs(
			slog.Int("ioBytesCount", len(data)-count),
		)...)
		return b.handler.OnProtocolUpgrade(b, data[count:])
	}
	return nil
}

// OnSent implements [TCPHandler].
func (b *HTTPConnectionBase) OnSent(conn *TCPConnection, count int) error {
	return nil
}

// OnPoll implements [TCPHandler].
func (b *HTTPConnectionBase) OnPoll(conn *TCPConnection) {}

// OnError implements [TCPHandler].
func (b *HTTPConnectionBase) OnError(conn *TCPConnection, err error) {
	b.conn = conn
	b.err = err
}

// OnReadyToSend implements [TCPHandler].
func (b *HTTPConnectionBase) OnReadyToSend(conn *TCPConnection, event TCPEvent) {
	b.conn = conn
	if h, ok := b.handler.(HTTPReadyToSendHandler); ok {
		h.OnReadyToSend(b, event)
	}
}

// OnClosed implements [TCPClosedHandler].
func (b *HTTPConnectionBase) OnClosed(conn *TCPConnection) {
	b.conn = conn
	if h, ok := b.handler.(HTTPClosedHandler); ok {
		h.OnClosed(b, b.err)
	}
}
