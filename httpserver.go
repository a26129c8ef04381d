// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPServerDefaultMaxRequestBody is the default request body limit.
const HTTPServerDefaultMaxRequestBody = 64 * 1024

// HTTPResourceHandler fills in the response to a request. It runs on the
// [*EventLoop] and must not block.
type HTTPResourceHandler func(req *HTTPRequest, resp *HTTPResponse)

// HTTPUpgradeHandler takes over connections switching protocol.
type HTTPUpgradeHandler interface {
	// OnUpgrade runs once the upgrade request is complete. It is
	// responsible for writing the response. Returning an error closes
	// the connection.
	OnUpgrade(conn *TCPConnection, req *HTTPRequest) error

	// OnData runs with the bytes following the upgrade request and with
	// every later chunk of received data.
	OnData(conn *TCPConnection, data []byte) error
}

// HTTPServer is an HTTP/1.1 server dispatching requests by path.
//
// Construct using [NewHTTPServer].
type HTTPServer struct {
	*TCPServer

	// MaxRequestBody is the largest accepted request body. Larger
	// requests get a 413 response.
	//
	// Set by [NewHTTPServer] to [HTTPServerDefaultMaxRequestBody].
	MaxRequestBody int

	// UpgradeHandler handles protocol upgrades. Upgrade requests get a 501
	// response when nil.
	//
	// Set by [NewHTTPServer] to nil.
	UpgradeHandler HTTPUpgradeHandler

	defaultResource HTTPResourceHandler
	logger          SLogger
	paths           map[string]HTTPResourceHandler
}

// NewHTTPServer returns an [*HTTPServer] without resources, which
// answers 404 to every request.
func NewHTTPServer(loop *EventLoop, cfg *Config, logger SLogger) *HTTPServer {
	s := &HTTPServer{
		MaxRequestBody: HTTPServerDefaultMaxRequestBody,
		logger:         logger,
		paths:          make(map[string]HTTPResourceHandler),
	}
	s.TCPServer = NewTCPServer(loop, cfg, s.newConnection, logger)
	return s
}

func (s *HTTPServer) newConnection() TCPHandler {
	c := &HTTPServerConnection{server: s}
	c.base = NewHTTPConnectionBase(HTTPParserRequest, c, s.logger)
	return c.base
}

// AddPath registers handler for path. A trailing slash is ignored.
func (s *HTTPServer) AddPath(path string, handler HTTPResourceHandler) {
	s.paths[normalizeHTTPPath(path)] = handler
}

// SetDefaultResource sets the handler of the paths without a handler.
func (s *HTTPServer) SetDefaultResource(handler HTTPResourceHandler) {
	s.defaultResource = handler
}

func (s *HTTPServer) resource(path string) HTTPResourceHandler {
	if handler, found := s.paths[normalizeHTTPPath(path)]; found {
		return handler
	}
	return s.defaultResource
}

func normalizeHTTPPath(path string) string {
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// HTTPServerConnection serves the requests of an accepted connection,
// sending responses in request order.
type HTTPServerConnection struct {
	BaseHTTPHandler

	base          *HTTPConnectionBase
	bodyTooLarge  bool
	closeWhenDone bool
	out           []DataSourceStream
	request       *HTTPRequest
	server        *HTTPServer
	upgraded      bool
}

var (
	_ HTTPHandler            = &HTTPServerConnection{}
	_ HTTPReadyToSendHandler = &HTTPServerConnection{}
	_ HTTPClosedHandler      = &HTTPServerConnection{}
)

// OnMessageBegin implements [HTTPHandler].
func (c *HTTPServerConnection) OnMessageBegin(b *HTTPConnectionBase) error {
	c.request = &HTTPRequest{}
	c.bodyTooLarge = false
	return nil
}

// OnPath implements [HTTPHandler].
func (c *HTTPServerConnection) OnPath(b *HTTPConnectionBase, target string) error {
	if b.Parser().Method == http.MethodConnect {
		c.request.URL = &url.URL{Host: target}
		return nil
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return err
	}
	c.request.URL = u
	return nil
}

// OnHeadersComplete implements [HTTPHandler].
func (c *HTTPServerConnection) OnHeadersComplete(b *HTTPConnectionBase) (HeadersAction, error) {
	p := b.Parser()
	c.request.Method = p.Method
	c.request.Headers = b.Headers
	c.request.ProtoMajor, c.request.ProtoMinor = p.HTTPMajor, p.HTTPMinor
	c.request.RemoteAddr = b.Connection().RemoteAddr()
	if !p.Upgrade {
		return HeadersContinue, nil
	}
	if c.server.UpgradeHandler != nil {
		return HeadersSkipBodyAndUpgrade, nil
	}
	return HeadersSkipBody, nil
}

// OnBody implements [HTTPHandler].
func (c *HTTPServerConnection) OnBody(b *HTTPConnectionBase, data []byte) error {
	if c.bodyTooLarge {
		return nil
	}
	var ok bool
	c.request.Body, ok = appendLimited(c.request.Body, data, c.server.MaxRequestBody)
	if !ok {
		c.bodyTooLarge = true
		c.request.Body = nil
	}
	return nil
}

// OnMessageComplete implements [HTTPHandler].
func (c *HTTPServerConnection) OnMessageComplete(b *HTTPConnectionBase) error {
	p := b.Parser()
	req, resp := c.request, newHTTPResponse()
	keepAlive := p.ShouldKeepAlive()
	switch {
	case c.bodyTooLarge:
		resp.StatusCode = http.StatusRequestEntityTooLarge
		keepAlive = false
	case p.Upgrade && c.server.UpgradeHandler == nil:
		resp.StatusCode = http.StatusNotImplemented
		keepAlive = false
	case p.Upgrade:
		c.upgraded = true
		c.server.logger.Info("httpUpgrade", b.Connection().attrs(
			slog.String("httpMethod", req.Method),
			slog.String("httpUpgrade", req.Headers.Get("Upgrade")),
		)...)
		return c.server.UpgradeHandler.OnUpgrade(b.Connection(), req)
	default:
		if handler := c.server.resource(req.Path()); handler != nil {
			handler(req, resp)
		} else {
			resp.StatusCode = http.StatusNotFound
			resp.SetBodyString("text/plain", "Not Found\n")
		}
	}
	c.server.logger.Info("httpRequest", b.Connection().attrs(
		slog.Int("httpBodyLength", len(req.Body)),
		slog.String("httpMethod", req.Method),
		slog.String("httpPath", req.Path()),
		slog.Int("httpStatusCode", resp.StatusCode),
		slog.Bool("keepAlive", keepAlive),
	)...)
	c.queueResponse(req, resp, keepAlive)
	c.pushOut()
	return nil
}

// OnProtocolUpgrade implements [HTTPHandler].
func (c *HTTPServerConnection) OnProtocolUpgrade(b *HTTPConnectionBase, data []byte) error {
	if !c.upgraded || len(data) <= 0 {
		return nil
	}
	return c.server.UpgradeHandler.OnData(b.Connection(), data)
}

// OnReadyToSend implements [HTTPReadyToSendHandler].
func (c *HTTPServerConnection) OnReadyToSend(b *HTTPConnectionBase, event TCPEvent) {
	c.pushOut()
}

// OnClosed implements [HTTPClosedHandler].
func (c *HTTPServerConnection) OnClosed(b *HTTPConnectionBase, err error) {
	for _, stream := range c.out {
		closeStream(stream)
	}
	c.out = nil
}

func (c *HTTPServerConnection) queueResponse(req *HTTPRequest, resp *HTTPResponse, keepAlive bool) {
	headers := resp.Headers
	if !headers.Has("Server") {
		headers.Set("Server", "evnet")
	}
	body := resp.Body
	if body == nil {
		body = &MemoryDataStream{}
	}
	hasBody := req.Method != http.MethodHead &&
		resp.StatusCode/100 != 1 && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotModified
	switch length := body.Available(); {
	case length >= 0:
		headers.Set("Content-Length", strconv.Itoa(length))
	case req.ProtoMinor >= 1:
		headers.Set("Transfer-Encoding", "chunked")
		body = NewChunkedStream(body)
	default:
		keepAlive = false
	}
	if keepAlive {
		headers.Set("Connection", "keep-alive")
	} else {
		headers.Set("Connection", "close")
		c.closeWhenDone = true
	}
	head := &MemoryDataStream{}
	writeHTTPResponseHead(head, 1, resp.StatusCode, headers)
	c.out = append(c.out, head)
	if !hasBody {
		closeStream(body)
		return
	}
	c.out = append(c.out, body)
}

func (c *HTTPServerConnection) pushOut() {
	conn := c.base.Connection()
	for len(c.out) > 0 {
		stream := c.out[0]
		conn.WriteStream(stream)
		if !stream.IsFinished() {
			return
		}
		closeStream(stream)
		c.out = c.out[1:]
	}
	if c.closeWhenDone {
		conn.Close()
	}
}

func closeStream(stream DataSourceStream) {
	if closer, ok := stream.(io.Closer); ok {
		closer.Close()
	}
}
