// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTPRequest is an HTTP request, as received by an [*HTTPServer] or as
// sent by an [*HTTPClientConnection].
type HTTPRequest struct {
	// Method is the request method.
	Method string

	// URL is the request target. Servers see the path and query only.
	URL *url.URL

	// Headers contains the request headers.
	Headers *HTTPHeaders

	// Body is the request body.
	Body []byte

	// ProtoMajor and ProtoMinor are the protocol version.
	ProtoMajor, ProtoMinor int

	// RemoteAddr is the client endpoint, set by servers.
	RemoteAddr string
}

// NewHTTPRequest returns an HTTP/1.1 [*HTTPRequest] for an absolute URL.
func NewHTTPRequest(method, rawURL string) (*HTTPRequest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &HTTPRequest{
		Method:     method,
		URL:        u,
		Headers:    &HTTPHeaders{},
		ProtoMajor: 1,
		ProtoMinor: 1,
	}, nil
}

// Path returns the URL path, defaulting to "/".
func (r *HTTPRequest) Path() string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// HTTPResponse is the response an [HTTPResourceHandler] fills in.
type HTTPResponse struct {
	// StatusCode is the response status.
	StatusCode int

	// Headers contains the response headers. The server adds the
	// framing headers.
	Headers *HTTPHeaders

	// Body is the response body, or nil for an empty body.
	Body DataSourceStream
}

// newHTTPResponse returns an empty 200 response.
func newHTTPResponse() *HTTPResponse {
	return &HTTPResponse{StatusCode: http.StatusOK, Headers: &HTTPHeaders{}}
}

// SetBody sets the body and its Content-Type.
func (r *HTTPResponse) SetBody(contentType string, body DataSourceStream) {
	r.Headers.Set("Content-Type", contentType)
	r.Body = body
}

// SetBodyString is like [*HTTPResponse.SetBody] with a string.
func (r *HTTPResponse) SetBodyString(contentType, body string) {
	r.SetBody(contentType, NewMemoryDataStream([]byte(body)))
}

// SetBodyReader is like [*HTTPResponse.SetBody] with an [io.Reader].
func (r *HTTPResponse) SetBodyReader(contentType string, body io.Reader) {
	r.SetBody(contentType, NewReaderStream(body))
}

// HTTPClientResponse is the response received by an [*HTTPClientConnection].
type HTTPClientResponse struct {
	// StatusCode is the response status.
	StatusCode int

	// Reason is the reason phrase.
	Reason string

	// Headers contains the response headers.
	Headers *HTTPHeaders

	// Body is the decoded response body.
	Body []byte

	// ProtoMajor and ProtoMinor are the protocol version.
	ProtoMajor, ProtoMinor int
}

// writeHTTPRequestHead writes the request line and headers.
func writeHTTPRequestHead(w *MemoryDataStream, req *HTTPRequest, headers *HTTPHeaders) {
	w.WriteString(req.Method + " " + req.URL.RequestURI() + " HTTP/1.1\r\n")
	headers.WriteTo(w)
	w.WriteString("\r\n")
}

// writeHTTPResponseHead writes the status line and headers.
func writeHTTPResponseHead(w *MemoryDataStream, minor int, code int, headers *HTTPHeaders) {
	reason := http.StatusText(code)
	if reason == "" {
		reason = "Status " + strconv.Itoa(code)
	}
	w.WriteString("HTTP/1." + strconv.Itoa(minor) + " " + strconv.Itoa(code) + " " + reason + "\r\n")
	headers.WriteTo(w)
	w.WriteString("\r\n")
}

// httpHostHeader returns the Host header value for u.
func httpHostHeader(u *url.URL) string {
	host := u.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" {
		return host + ":" + port
	}
	return host
}

// httpDefaultPort returns the port of u, defaulting by scheme.
func httpDefaultPort(u *url.URL) (uint16, error) {
	if port := u.Port(); port != "" {
		value, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return 0, err
		}
		return uint16(value), nil
	}
	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

// appendLimited appends data to buf unless the result exceeds limit.
func appendLimited(buf, data []byte, limit int) ([]byte, bool) {
	if len(buf)+len(data) > limit {
		return buf, false
	}
	return append(buf, data...), true
}
