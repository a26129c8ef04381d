// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// HTTPClientDefaultMaxResponseBody is the default response body limit.
const HTTPClientDefaultMaxResponseBody = 1 << 20

// HTTPRequestCompleteDelegate receives the outcome of a request sent by
// an [*HTTPClientConnection]: either a response or an error.
type HTTPRequestCompleteDelegate func(resp *HTTPClientResponse, err error)

// HTTPClientConnection sends a single request over a new [*TCPConnection]
// and delivers the response to a delegate.
//
// Construct using [NewHTTPClientConnection].
type HTTPClientConnection struct {
	BaseHTTPHandler

	// MaxResponseBody is the largest accepted response body.
	//
	// Set by [NewHTTPClientConnection] to [HTTPClientDefaultMaxResponseBody].
	MaxResponseBody int

	// TLSConfig is the configuration of https requests. A nil config
	// verifies the server against the system roots.
	//
	// Set by [NewHTTPClientConnection] to nil.
	TLSConfig *tls.Config

	base      *HTTPConnectionBase
	completed HTTPRequestCompleteDelegate
	conn      *TCPConnection
	done      bool
	logger    SLogger
	out       *MemoryDataStream
	request   *HTTPRequest
	response  *HTTPClientResponse
}

var (
	_ HTTPHandler            = &HTTPClientConnection{}
	_ HTTPReadyToSendHandler = &HTTPClientConnection{}
	_ HTTPClosedHandler      = &HTTPClientConnection{}
)

// NewHTTPClientConnection returns a new [*HTTPClientConnection]. The
// underlying connection destroys itself once closed.
func NewHTTPClientConnection(loop *EventLoop, cfg *Config, logger SLogger) *HTTPClientConnection {
	c := &HTTPClientConnection{
		MaxResponseBody: HTTPClientDefaultMaxResponseBody,
		logger:          logger,
		out:             &MemoryDataStream{},
	}
	c.base = NewHTTPConnectionBase(HTTPParserResponse, c, logger)
	c.conn = NewTCPConnection(loop, cfg, c.base, logger)
	return c
}

// Connection returns the underlying [*TCPConnection].
func (c *HTTPClientConnection) Connection() *TCPConnection {
	return c.conn
}

// Send connects to the host of req.URL and sends req. The completed
// delegate runs exactly once, unless Send returns an error.
func (c *HTTPClientConnection) Send(req *HTTPRequest, completed HTTPRequestCompleteDelegate) error {
	if c.request != nil {
		return errors.New("evnet: request already sent")
	}
	if req.URL == nil || (req.URL.Scheme != "http" && req.URL.Scheme != "https") {
		return fmt.Errorf("evnet: unsupported URL: %v", req.URL)
	}
	port, err := httpDefaultPort(req.URL)
	if err != nil {
		return err
	}
	c.request, c.completed = req, completed

	headers := &HTTPHeaders{}
	headers.Set("Host", httpHostHeader(req.URL))
	req.Headers.Each(headers.Set)
	if !headers.Has("User-Agent") {
		headers.Set("User-Agent", "evnet/0.1")
	}
	if !headers.Has("Connection") {
		headers.Set("Connection", "close")
	}
	if len(req.Body) > 0 || req.Method == http.MethodPost || req.Method == http.MethodPut {
		headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}
	writeHTTPRequestHead(c.out, req, headers)
	c.out.Write(req.Body)

	useSSL := req.URL.Scheme == "https"
	c.conn.SetTLSConfig(c.TLSConfig)
	c.conn.SetAutoSelfDestruct(true)
	c.logger.Info("httpRequestStart", c.conn.attrs(
		slog.String("httpMethod", req.Method),
		slog.String("httpURL", req.URL.String()),
		slog.Time("t", c.conn.cfg.TimeNow()),
	)...)
	if !c.conn.Connect(req.URL.Hostname(), port, useSSL) {
		c.finish(nil, ErrNoAddress)
	}
	return nil
}

func (c *HTTPClientConnection) finish(resp *HTTPClientResponse, err error) {
	if c.done {
		return
	}
	c.done = true
	attrs := []any{
		slog.Any("err", err),
		slog.String("errClass", c.conn.cfg.ErrClassifier.Classify(err)),
		slog.String("httpMethod", c.request.Method),
		slog.String("httpURL", c.request.URL.String()),
		slog.Time("t", c.conn.cfg.TimeNow()),
	}
	if resp != nil {
		attrs = append(attrs,
			slog.Int("httpBodyLength", len(resp.Body)),
			slog.Int("httpStatusCode", resp.StatusCode),
		)
	}
	c.logger.Info("httpRequestDone", c.conn.attrs(attrs...)...)
	if c.completed != nil {
		c.completed(resp, err)
	}
}

// OnReadyToSend implements [HTTPReadyToSendHandler].
func (c *HTTPClientConnection) OnReadyToSend(b *HTTPConnectionBase, event TCPEvent) {
	if !c.out.IsFinished() {
		b.Connection().WriteStream(c.out)
	}
}

// OnMessageBegin implements [HTTPHandler].
func (c *HTTPClientConnection) OnMessageBegin(b *HTTPConnectionBase) error {
	c.response = &HTTPClientResponse{}
	return nil
}

// OnStatus implements [HTTPHandler].
func (c *HTTPClientConnection) OnStatus(b *HTTPConnectionBase, code int, reason string) error {
	c.response.StatusCode, c.response.Reason = code, reason
	return nil
}

// OnHeadersComplete implements [HTTPHandler].
func (c *HTTPClientConnection) OnHeadersComplete(b *HTTPConnectionBase) (HeadersAction, error) {
	p := b.Parser()
	c.response.Headers = b.Headers
	c.response.ProtoMajor, c.response.ProtoMinor = p.HTTPMajor, p.HTTPMinor
	switch {
	case p.StatusCode/100 == 1 && p.StatusCode != http.StatusSwitchingProtocols:
		// interim response: wait for the final one
		return HeadersContinue, nil
	case c.request.Method == http.MethodHead:
		return HeadersSkipBody, nil
	default:
		return HeadersContinue, nil
	}
}

// OnBody implements [HTTPHandler].
func (c *HTTPClientConnection) OnBody(b *HTTPConnectionBase, data []byte) error {
	var ok bool
	if c.response.Body, ok = appendLimited(c.response.Body, data, c.MaxResponseBody); !ok {
		return ErrBodyTooLarge
	}
	return nil
}

// OnMessageComplete implements [HTTPHandler].
func (c *HTTPClientConnection) OnMessageComplete(b *HTTPConnectionBase) error {
	if code := c.response.StatusCode; code/100 == 1 && code != http.StatusSwitchingProtocols {
		return nil
	}
	c.finish(c.response, nil)
	b.Connection().Close()
	return nil
}

// OnClosed implements [HTTPClosedHandler].
func (c *HTTPClientConnection) OnClosed(b *HTTPConnectionBase, err error) {
	if err == nil {
		err = ErrRemoteClosed
	}
	c.finish(nil, err)
}
