// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientOutcome struct {
	resp *HTTPClientResponse
	err  error
}

// sendRequest sends req with a new [*HTTPClientConnection] and waits for
// the outcome.
func sendRequest(t *testing.T, req *HTTPRequest, setup func(c *HTTPClientConnection)) clientOutcome {
	t.Helper()
	loop := startLoop(t, NewConfig())
	outcomes := make(chan clientOutcome, 1)
	onLoop(t, loop, func() {
		client := NewHTTPClientConnection(loop, NewConfig(), DefaultSLogger())
		if setup != nil {
			setup(client)
		}
		require.NoError(t, client.Send(req, func(resp *HTTPClientResponse, err error) {
			outcomes <- clientOutcome{resp, err}
		}))
	})
	return waitFor(t, outcomes)
}

func mustNewHTTPRequest(t *testing.T, method, rawURL string) *HTTPRequest {
	req, err := NewHTTPRequest(method, rawURL)
	require.NoError(t, err)
	return req
}

type seenRequest struct {
	close     bool
	custom    string
	host      string
	query     string
	userAgent string
}

func TestHTTPClientGet(t *testing.T) {
	seen := make(chan seenRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{
			close:     r.Close,
			custom:    r.Header.Get("X-Custom"),
			host:      r.Host,
			query:     r.URL.RawQuery,
			userAgent: r.UserAgent(),
		}
		w.Header().Set("X-Reply", "yes")
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer srv.Close()

	req := mustNewHTTPRequest(t, http.MethodGet, srv.URL+"/path?q=1")
	req.Headers.Set("X-Custom", "value")
	got := sendRequest(t, req, nil)

	require.NoError(t, got.err)
	assert.Equal(t, http.StatusOK, got.resp.StatusCode)
	assert.Equal(t, "OK", got.resp.Reason)
	assert.Equal(t, 1, got.resp.ProtoMajor)
	assert.Equal(t, 1, got.resp.ProtoMinor)
	assert.Equal(t, "yes", got.resp.Headers.Get("x-reply"))
	assert.Equal(t, "hello from /path", string(got.resp.Body))

	request := waitFor(t, seen)
	assert.Equal(t, "q=1", request.query)
	assert.Equal(t, "evnet/0.1", request.userAgent)
	assert.Equal(t, "value", request.custom)
	assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), request.host)
	assert.True(t, request.close)
}

func TestHTTPClientPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	}))
	defer srv.Close()

	req := mustNewHTTPRequest(t, http.MethodPost, srv.URL+"/items")
	req.Body = []byte(`{"name":"evnet"}`)
	got := sendRequest(t, req, nil)

	require.NoError(t, got.err)
	assert.Equal(t, http.StatusCreated, got.resp.StatusCode)
	assert.Equal(t, `{"name":"evnet"}`, string(got.resp.Body))
}

func TestHTTPClientChunkedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for range 3 {
			io.WriteString(w, "part;")
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, srv.URL), nil)

	require.NoError(t, got.err)
	assert.Equal(t, "part;part;part;", string(got.resp.Body))
}

func TestHTTPClientHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
	}))
	defer srv.Close()

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodHead, srv.URL), nil)

	require.NoError(t, got.err)
	assert.Equal(t, http.StatusOK, got.resp.StatusCode)
	assert.Equal(t, "100", got.resp.Headers.Get("Content-Length"))
	assert.Empty(t, got.resp.Body)
}

func TestHTTPClientBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer srv.Close()

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, srv.URL), func(c *HTTPClientConnection) {
		c.MaxResponseBody = 10
	})

	require.ErrorIs(t, got.err, ErrBodyTooLarge)
	assert.Nil(t, got.resp)
}

// A response delimited by the end of the stream completes on close;
// closing without any response is an error.
func TestHTTPClientRawServer(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
		body    string
	}{
		{name: "EOF delimited", reply: "HTTP/1.0 200 OK\r\n\r\nuntil close", body: "until close"},
		{name: "interim response", reply: "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", body: "ok"},
		{name: "no response", wantErr: ErrRemoteClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener, addr := newLoopbackListener(t)
			go func() {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				buf := make([]byte, 4096)
				conn.Read(buf)
				io.WriteString(conn, tt.reply)
			}()

			got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, "http://"+addr.String()+"/"), nil)

			if tt.wantErr != nil {
				require.ErrorIs(t, got.err, tt.wantErr)
				return
			}
			require.NoError(t, got.err)
			assert.Equal(t, http.StatusOK, got.resp.StatusCode)
			assert.Equal(t, tt.body, string(got.resp.Body))
		})
	}
}

func TestHTTPClientConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	listener.Close()

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, "http://"+address+"/"), nil)

	require.Error(t, got.err)
	assert.Nil(t, got.resp)
}

func TestHTTPClientHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer srv.Close()
	tlsConfig := srv.Client().Transport.(*http.Transport).TLSClientConfig

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, srv.URL), func(c *HTTPClientConnection) {
		c.TLSConfig = tlsConfig
	})

	require.NoError(t, got.err)
	assert.Equal(t, "secure", string(got.resp.Body))
}

// The client and the server interoperate, including chunked bodies.
func TestHTTPClientWithHTTPServer(t *testing.T) {
	payload := strings.Repeat("evnet ", 1000)
	baseURL := startHTTPServer(t, func(s *HTTPServer) {
		s.AddPath("/data", func(req *HTTPRequest, resp *HTTPResponse) {
			resp.SetBodyReader("text/plain", io.MultiReader(strings.NewReader(payload)))
		})
	})

	got := sendRequest(t, mustNewHTTPRequest(t, http.MethodGet, baseURL+"/data"), nil)

	require.NoError(t, got.err)
	assert.Equal(t, "chunked", got.resp.Headers.Get("Transfer-Encoding"))
	assert.Equal(t, payload, string(got.resp.Body))
}

func TestHTTPClientSendErrors(t *testing.T) {
	loop := startLoop(t, NewConfig())
	onLoop(t, loop, func() {
		client := NewHTTPClientConnection(loop, NewConfig(), DefaultSLogger())
		req := mustNewHTTPRequest(t, http.MethodGet, "ftp://example.com/")
		require.Error(t, client.Send(req, nil))

		req = mustNewHTTPRequest(t, http.MethodGet, "http://example.com:99999/")
		require.Error(t, client.Send(req, nil))
	})
}

func TestHTTPClientSendTwice(t *testing.T) {
	listener, addr := newLoopbackListener(t)
	acceptOne(t, listener)
	loop := startLoop(t, NewConfig())
	onLoop(t, loop, func() {
		client := NewHTTPClientConnection(loop, NewConfig(), DefaultSLogger())
		req := mustNewHTTPRequest(t, http.MethodGet, "http://"+addr.String()+"/")
		require.NoError(t, client.Send(req, nil))
		require.Error(t, client.Send(req, nil))
		client.Connection().Abort()
	})
}

func TestHTTPHostHeaderAndPort(t *testing.T) {
	tests := []struct {
		rawURL string
		host   string
		port   uint16
	}{
		{"http://example.com/", "example.com", 80},
		{"https://example.com/", "example.com", 443},
		{"http://example.com:8080/", "example.com:8080", 8080},
		{"http://[::1]:8080/", "[::1]:8080", 8080},
		{"https://[2001:db8::1]/", "[2001:db8::1]", 443},
	}
	for _, tt := range tests {
		req := mustNewHTTPRequest(t, http.MethodGet, tt.rawURL)
		assert.Equal(t, tt.host, httpHostHeader(req.URL), tt.rawURL)
		port, err := httpDefaultPort(req.URL)
		require.NoError(t, err)
		assert.Equal(t, tt.port, port, tt.rawURL)
	}
}
