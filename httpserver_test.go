// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startHTTPServer starts an [*HTTPServer] configured by setup and returns
// its base URL.
func startHTTPServer(t *testing.T, setup func(s *HTTPServer)) string {
	t.Helper()
	loop := startLoop(t, NewConfig())
	var server *HTTPServer
	onLoop(t, loop, func() {
		server = NewHTTPServer(loop, NewConfig(), DefaultSLogger())
		setup(server)
	})
	port := startTCPServer(t, loop, server.TCPServer)
	return "http://127.0.0.1:" + strconv.Itoa(int(port))
}

func newTestHTTPClient(t *testing.T) *http.Client {
	txp := &http.Transport{}
	t.Cleanup(txp.CloseIdleConnections)
	return &http.Client{Transport: txp, Timeout: 5 * time.Second}
}

func fetch(t *testing.T, client *http.Client, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func dialHTTPServer(t *testing.T, baseURL string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", strings.TrimPrefix(baseURL, "http://"), 5*time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHTTPServerResources(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.AddPath("/hello", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.Headers.Set("X-Query", req.URL.Query().Get("name"))
			resp.SetBodyString("text/plain", "hello, "+req.URL.Query().Get("name")+"\n")
		})
		s.AddPath("/api/", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.StatusCode = http.StatusNoContent
		})
	})
	client := newTestHTTPClient(t)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/hello?name=evnet", nil)
	resp, body := fetch(t, client, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello, evnet\n", body)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "evnet", resp.Header.Get("Server"))
	assert.Equal(t, "evnet", resp.Header.Get("X-Query"))
	assert.Equal(t, int64(13), resp.ContentLength)

	// A trailing slash is ignored when matching paths
	req, _ = http.NewRequest(http.MethodGet, baseURL+"/api", nil)
	resp, body = fetch(t, client, req)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)

	req, _ = http.NewRequest(http.MethodGet, baseURL+"/missing", nil)
	resp, body = fetch(t, client, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found\n", body)
}

func TestHTTPServerDefaultResource(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.SetDefaultResource(func(req *HTTPRequest, resp *HTTPResponse) {
			resp.StatusCode = http.StatusFound
			resp.Headers.Set("Location", "http://captive.portal/")
		})
	})
	client := newTestHTTPClient(t)
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/generate_204", nil)
	resp, _ := fetch(t, client, req)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://captive.portal/", resp.Header.Get("Location"))
}

// Request bodies reach the handler; oversized ones get a 413.
func TestHTTPServerRequestBody(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.MaxRequestBody = 16
		s.AddPath("/echo", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.SetBodyString(req.Headers.Get("Content-Type"), string(req.Body))
		})
	})
	client := newTestHTTPClient(t)

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/echo", strings.NewReader("small body"))
	req.Header.Set("Content-Type", "text/plain")
	resp, body := fetch(t, client, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "small body", body)

	req, _ = http.NewRequest(http.MethodPost, baseURL+"/echo", strings.NewReader(strings.Repeat("x", 32)))
	resp, _ = fetch(t, client, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.True(t, resp.Close)
}

func TestHTTPServerHead(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.AddPath("/", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.SetBodyString("text/html", "<html></html>")
		})
	})

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)

	req, _ := http.NewRequest(http.MethodHead, "/", nil)
	resp, err := http.ReadResponse(reader, req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))

	// The next response follows right after the head
	resp, err = http.ReadResponse(reader, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(body))
}

// Bodies of unknown length are sent chunked to HTTP/1.1 clients and
// delimited by closing the connection for HTTP/1.0 clients.
func TestHTTPServerStreamingBody(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 500)
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.AddPath("/stream", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.SetBodyReader("application/octet-stream", io.MultiReader(strings.NewReader(payload)))
		})
	})

	resp, body := fetch(t, newTestHTTPClient(t), mustNewRequest(t, http.MethodGet, baseURL+"/stream"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, payload, body)

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "GET /stream HTTP/1.0\r\n\r\n")
	require.NoError(t, err)
	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, string(raw), "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(string(raw), "\r\n\r\n"+payload))
}

func mustNewRequest(t *testing.T, method, url string) *http.Request {
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	return req
}

// Pipelined requests are answered in order on the same connection.
func TestHTTPServerPipelining(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.SetDefaultResource(func(req *HTTPRequest, resp *HTTPResponse) {
			resp.SetBodyString("text/plain", req.Path())
		})
	})

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "GET /first HTTP/1.1\r\n\r\nGET /second HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)

	for _, want := range []string{"/first", "/second"} {
		resp, err := http.ReadResponse(reader, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}
	_, err = reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPServerMalformedRequest(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {})

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "BAD@ / HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestHTTPServerUpgradeNotImplemented(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {})

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "GET /ws HTTP/1.1\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

type echoUpgradeHandler struct{}

func (echoUpgradeHandler) OnUpgrade(conn *TCPConnection, req *HTTPRequest) error {
	_, err := conn.WriteString("HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: "+req.Headers.Get("Upgrade")+"\r\nConnection: Upgrade\r\n\r\n", 0)
	return err
}

func (echoUpgradeHandler) OnData(conn *TCPConnection, data []byte) error {
	_, err := conn.Write(data, 0)
	return err
}

// After an upgrade, bytes flow to the upgrade handler, including those
// received along with the request.
func TestHTTPServerUpgrade(t *testing.T) {
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.UpgradeHandler = echoUpgradeHandler{}
	})

	conn := dialHTTPServer(t, baseURL)
	_, err := io.WriteString(conn, "GET /echo HTTP/1.1\r\nUpgrade: echo\r\nConnection: Upgrade\r\n\r\nping")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "echo", resp.Header.Get("Upgrade"))

	buf := make([]byte, 4)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = io.WriteString(conn, "pong")
	require.NoError(t, err)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestNormalizeHTTPPath(t *testing.T) {
	tests := map[string]string{
		"":        "/",
		"/":       "/",
		"/a/":     "/a",
		"a":       "/a",
		"/a/b":    "/a/b",
		"/a/b///": "/a/b//",
	}
	for input, want := range tests {
		assert.Equal(t, want, normalizeHTTPPath(input), input)
	}
}
