// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHTTPHandler records the events dispatched by an [*HTTPConnectionBase].
type recordingHTTPHandler struct {
	BaseHTTPHandler
	action   HeadersAction
	closeErr error
	closed   bool
	events   []string
	failOn   string
	headers  []*HTTPHeaders
	upgraded []byte
}

func (h *recordingHTTPHandler) record(event string) error {
	h.events = append(h.events, event)
	if event == h.failOn {
		return errors.New("handler failure")
	}
	return nil
}

func (h *recordingHTTPHandler) OnMessageBegin(b *HTTPConnectionBase) error {
	return h.record("begin")
}

func (h *recordingHTTPHandler) OnPath(b *HTTPConnectionBase, target string) error {
	return h.record("path:" + target)
}

func (h *recordingHTTPHandler) OnStatus(b *HTTPConnectionBase, code int, reason string) error {
	return h.record(fmt.Sprintf("status:%d %s", code, reason))
}

func (h *recordingHTTPHandler) OnHeadersComplete(b *HTTPConnectionBase) (HeadersAction, error) {
	h.headers = append(h.headers, b.Headers)
	return h.action, h.record("headers")
}

func (h *recordingHTTPHandler) OnBody(b *HTTPConnectionBase, data []byte) error {
	return h.record("body:" + string(data))
}

func (h *recordingHTTPHandler) OnChunkHeader(b *HTTPConnectionBase, size int64) error {
	return h.record(fmt.Sprintf("chunk:%d", size))
}

func (h *recordingHTTPHandler) OnChunkComplete(b *HTTPConnectionBase) error {
	return h.record("chunkDone")
}

func (h *recordingHTTPHandler) OnMessageComplete(b *HTTPConnectionBase) error {
	return h.record("complete")
}

func (h *recordingHTTPHandler) OnProtocolUpgrade(b *HTTPConnectionBase, data []byte) error {
	h.upgraded = append(h.upgraded, data...)
	return h.record("upgrade")
}

func (h *recordingHTTPHandler) OnClosed(b *HTTPConnectionBase, err error) {
	h.closed, h.closeErr = true, err
}

// newTestHTTPConnectionBase returns a base attached to an unconnected
// [*TCPConnection], with the connected event already delivered.
func newTestHTTPConnectionBase(t *testing.T, pt HTTPParserType, handler HTTPHandler) (*HTTPConnectionBase, *TCPConnection) {
	cfg := NewConfig()
	loop := NewEventLoop(cfg, DefaultSLogger())
	base := NewHTTPConnectionBase(pt, handler, DefaultSLogger())
	conn := NewTCPConnection(loop, cfg, base, DefaultSLogger())
	t.Cleanup(conn.Destroy)
	require.NoError(t, base.OnConnected(conn))
	return base, conn
}

// Fragmented input is reassembled into the start line and the headers.
func TestHTTPConnectionBaseRequestFragments(t *testing.T) {
	handler := &recordingHTTPHandler{}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserRequest, handler)

	input := "POST /upload?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Long-Header: abcdef\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(input); i += 3 {
		end := min(i+3, len(input))
		require.NoError(t, base.OnReceive(conn, []byte(input[i:end])))
	}

	require.NotEmpty(t, handler.events)
	assert.Equal(t, "begin", handler.events[0])
	assert.Equal(t, "path:/upload?x=1", handler.events[1])
	assert.Equal(t, "headers", handler.events[2])
	assert.Equal(t, "complete", handler.events[len(handler.events)-1])

	var body string
	for _, event := range handler.events {
		if after, found := strings.CutPrefix(event, "body:"); found {
			body += after
		}
	}
	assert.Equal(t, "hello", body)

	require.Len(t, handler.headers, 1)
	assert.Equal(t, "example.com", handler.headers[0].Get("host"))
	assert.Equal(t, "abcdef", handler.headers[0].Get("X-Long-Header"))
	assert.Equal(t, "POST", base.Parser().Method)
	assert.Same(t, conn, base.Connection())
}

// Responses report the status line and the chunk framing.
func TestHTTPConnectionBaseChunkedResponse(t *testing.T) {
	handler := &recordingHTTPHandler{}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserResponse, handler)

	input := "HTTP/1.1 404 Not Found\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n"
	require.NoError(t, base.OnReceive(conn, []byte(input)))

	assert.Equal(t, []string{
		"begin", "status:404 Not Found", "headers",
		"chunk:3", "body:abc", "chunkDone",
		"chunk:0", "chunkDone", "complete",
	}, handler.events)
}

// Every message gets a fresh header collection.
func TestHTTPConnectionBasePipelinedHeaders(t *testing.T) {
	handler := &recordingHTTPHandler{}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserRequest, handler)

	input := "GET /a HTTP/1.1\r\nX-First: 1\r\n\r\nGET /b HTTP/1.1\r\nX-Second: 2\r\n\r\n"
	require.NoError(t, base.OnReceive(conn, []byte(input)))

	require.Len(t, handler.headers, 2)
	assert.True(t, handler.headers[0].Has("X-First"))
	assert.False(t, handler.headers[0].Has("X-Second"))
	assert.False(t, handler.headers[1].Has("X-First"))
	assert.True(t, handler.headers[1].Has("X-Second"))
	assert.Contains(t, handler.events, "path:/a")
	assert.Contains(t, handler.events, "path:/b")
}

// Parse errors are returned and reported again when the connection closes.
func TestHTTPConnectionBaseParseError(t *testing.T) {
	handler := &recordingHTTPHandler{}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserRequest, handler)

	err := base.OnReceive(conn, []byte("GET / HTTP/x.y\r\n\r\n"))
	var perr *HTTPParserError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, HTTPErrInvalidVersion, perr.Errno)

	base.OnClosed(conn)
	assert.True(t, handler.closed)
	assert.ErrorIs(t, handler.closeErr, err)
}

// A handler error stops parsing and is wrapped in the parser error.
func TestHTTPConnectionBaseHandlerError(t *testing.T) {
	handler := &recordingHTTPHandler{failOn: "path:/fail"}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserRequest, handler)

	err := base.OnReceive(conn, []byte("GET /fail HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.Error(t, err)
	assert.NotContains(t, handler.events, "headers")
}

// After an upgrade, the trailing bytes and all later data bypass the parser.
func TestHTTPConnectionBaseUpgrade(t *testing.T) {
	handler := &recordingHTTPHandler{}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserRequest, handler)

	input := "GET /chat HTTP/1.1\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\nraw"
	require.NoError(t, base.OnReceive(conn, []byte(input)))
	assert.True(t, base.IsUpgraded())

	require.NoError(t, base.OnReceive(conn, []byte(" bytes GET / HTTP/1.1\r\n")))
	require.NoError(t, base.OnReceive(conn, nil))

	assert.Equal(t, "raw bytes GET / HTTP/1.1\r\n", string(handler.upgraded))
	assert.Equal(t, 1, countEvents(handler.events, "complete"))

	require.NoError(t, base.OnConnected(conn))
	assert.False(t, base.IsUpgraded())
}

// HeadersSkipBodyAndUpgrade hands the rest of the stream to the handler.
func TestHTTPConnectionBaseSkipBodyAndUpgrade(t *testing.T) {
	handler := &recordingHTTPHandler{action: HeadersSkipBodyAndUpgrade}
	base, conn := newTestHTTPConnectionBase(t, HTTPParserResponse, handler)

	input := "HTTP/1.1 200 Connection established\r\n\r\ntunnel"
	require.NoError(t, base.OnReceive(conn, []byte(input)))

	assert.True(t, base.IsUpgraded())
	assert.Equal(t, "tunnel", string(handler.upgraded))
}

func countEvents(events []string, event string) int {
	count := 0
	for _, e := range events {
		if e == event {
			count++
		}
	}
	return count
}
