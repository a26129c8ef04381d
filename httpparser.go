// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// HTTPMaxHeaderSize bounds the size of a message head (start line plus
// headers) and of chunked trailers.
const HTTPMaxHeaderSize = 80 * 1024

// HTTPParserType selects which messages an [*HTTPParser] expects.
type HTTPParserType int

const (
	HTTPParserRequest HTTPParserType = iota
	HTTPParserResponse
)

// HeadersAction is returned by the headers-complete callback to tell the
// parser how to continue.
type HeadersAction int

const (
	// HeadersContinue parses the body as framed by the headers.
	HeadersContinue HeadersAction = iota

	// HeadersSkipBody assumes the message has no body, as in a
	// response to a HEAD request.
	HeadersSkipBody

	// HeadersSkipBodyAndUpgrade assumes no body and stops parsing: the
	// rest of the stream belongs to another protocol.
	HeadersSkipBodyAndUpgrade
)

// HTTPErrno is an [*HTTPParser] error code.
type HTTPErrno int

const (
	HTTPErrOK HTTPErrno = iota
	HTTPErrCallbackMessageBegin
	HTTPErrCallbackURL
	HTTPErrCallbackStatus
	HTTPErrCallbackHeaderField
	HTTPErrCallbackHeaderValue
	HTTPErrCallbackHeadersComplete
	HTTPErrCallbackBody
	HTTPErrCallbackMessageComplete
	HTTPErrCallbackChunkHeader
	HTTPErrCallbackChunkComplete
	HTTPErrInvalidEOFState
	HTTPErrHeaderOverflow
	HTTPErrClosedConnection
	HTTPErrInvalidVersion
	HTTPErrInvalidStatus
	HTTPErrInvalidMethod
	HTTPErrInvalidURL
	HTTPErrInvalidHeaderToken
	HTTPErrInvalidContentLength
	HTTPErrUnexpectedContentLength
	HTTPErrInvalidChunkSize
	HTTPErrInvalidTransferEncoding
	HTTPErrLFExpected
)

var httpErrnoInfo = [...]struct {
	name        string
	description string
}{
	HTTPErrOK:                      {"OK", "success"},
	HTTPErrCallbackMessageBegin:    {"CB_MESSAGE_BEGIN", "the message begin callback failed"},
	HTTPErrCallbackURL:             {"CB_URL", "the URL callback failed"},
	HTTPErrCallbackStatus:          {"CB_STATUS", "the status callback failed"},
	HTTPErrCallbackHeaderField:     {"CB_HEADER_FIELD", "the header field callback failed"},
	HTTPErrCallbackHeaderValue:     {"CB_HEADER_VALUE", "the header value callback failed"},
	HTTPErrCallbackHeadersComplete: {"CB_HEADERS_COMPLETE", "the headers complete callback failed"},
	HTTPErrCallbackBody:            {"CB_BODY", "the body callback failed"},
	HTTPErrCallbackMessageComplete: {"CB_MESSAGE_COMPLETE", "the message complete callback failed"},
	HTTPErrCallbackChunkHeader:     {"CB_CHUNK_HEADER", "the chunk header callback failed"},
	HTTPErrCallbackChunkComplete:   {"CB_CHUNK_COMPLETE", "the chunk complete callback failed"},
	HTTPErrInvalidEOFState:         {"INVALID_EOF_STATE", "stream ended at an unexpected time"},
	HTTPErrHeaderOverflow:          {"HEADER_OVERFLOW", "too many header bytes seen"},
	HTTPErrClosedConnection:        {"CLOSED_CONNECTION", "data received after completed connection: close message"},
	HTTPErrInvalidVersion:          {"INVALID_VERSION", "invalid HTTP version"},
	HTTPErrInvalidStatus:           {"INVALID_STATUS", "invalid HTTP status code"},
	HTTPErrInvalidMethod:           {"INVALID_METHOD", "invalid HTTP method"},
	HTTPErrInvalidURL:              {"INVALID_URL", "invalid URL"},
	HTTPErrInvalidHeaderToken:      {"INVALID_HEADER_TOKEN", "invalid character in header"},
	HTTPErrInvalidContentLength:    {"INVALID_CONTENT_LENGTH", "invalid character in content-length header"},
	HTTPErrUnexpectedContentLength: {"UNEXPECTED_CONTENT_LENGTH", "unexpected content-length header"},
	HTTPErrInvalidChunkSize:        {"INVALID_CHUNK_SIZE", "invalid character in chunk size header"},
	HTTPErrInvalidTransferEncoding: {"INVALID_TRANSFER_ENCODING", "request has invalid transfer-encoding"},
	HTTPErrLFExpected:              {"LF_EXPECTED", "LF character expected"},
}

// Name returns the symbolic name of the error code.
func (e HTTPErrno) Name() string {
	if e < 0 || int(e) >= len(httpErrnoInfo) {
		return "UNKNOWN"
	}
	return httpErrnoInfo[e].name
}

// Description returns a human readable description of the error code.
func (e HTTPErrno) Description() string {
	if e < 0 || int(e) >= len(httpErrnoInfo) {
		return "unknown error"
	}
	return httpErrnoInfo[e].description
}

// String implements [fmt.Stringer].
func (e HTTPErrno) String() string {
	return e.Name()
}

// HTTPParserError is the error returned by [*HTTPParser.Execute].
type HTTPParserError struct {
	// Errno is the error code.
	Errno HTTPErrno

	// Err is the error returned by a failing callback, if any.
	Err error
}

// Error implements error.
func (e *HTTPParserError) Error() string {
	msg := "evnet: http parser: " + e.Errno.Description()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the callback error.
func (e *HTTPParserError) Unwrap() error {
	return e.Err
}

// HTTPDataCallback receives a fragment of a message element. An element
// may span any number of fragments.
type HTTPDataCallback func(p *HTTPParser, data []byte) error

// HTTPNotifyCallback signals a message event.
type HTTPNotifyCallback func(p *HTTPParser) error

// HTTPParserSettings is the callback table of an [*HTTPParser]. Nil
// callbacks are skipped. A callback returning an error stops parsing.
type HTTPParserSettings struct {
	OnMessageBegin    HTTPNotifyCallback
	OnURL             HTTPDataCallback
	OnStatus          HTTPDataCallback
	OnHeaderField     HTTPDataCallback
	OnHeaderValue     HTTPDataCallback
	OnHeadersComplete func(p *HTTPParser) (HeadersAction, error)
	OnBody            HTTPDataCallback
	OnMessageComplete HTTPNotifyCallback
	OnChunkHeader     HTTPNotifyCallback
	OnChunkComplete   HTTPNotifyCallback
}

type httpState uint8

const (
	httpStateDead httpState = iota

	httpStateStartReq
	httpStateReqMethod
	httpStateReqURLStart
	httpStateReqURL
	httpStateReqVersion
	httpStateReqLineAlmostDone

	httpStateStartRes
	httpStateResVersion
	httpStateResStatusCode
	httpStateResStatusStart
	httpStateResStatus
	httpStateResLineAlmostDone

	httpStateHeaderFieldStart
	httpStateHeaderField
	httpStateHeaderValueStart
	httpStateHeaderValue
	httpStateHeaderAlmostDone
	httpStateHeadersAlmostDone

	httpStateChunkSizeStart
	httpStateChunkSize
	httpStateChunkExt
	httpStateChunkSizeAlmostDone
	httpStateChunkData
	httpStateChunkDataAlmostDone
	httpStateChunkDataDone

	httpStateBodyIdentity
	httpStateBodyIdentityEOF
)

func (s httpState) isHead() bool {
	return s >= httpStateReqMethod && s <= httpStateHeadersAlmostDone
}

type httpMark uint8

const (
	httpMarkNone httpMark = iota
	httpMarkURL
	httpMarkStatus
	httpMarkField
	httpMarkValue
)

type httpHeaderKind uint8

const (
	httpHeaderOther httpHeaderKind = iota
	httpHeaderConnection
	httpHeaderContentLength
	httpHeaderTransferEncoding
	httpHeaderUpgrade
)

// httpMaxTrackedValue bounds the value bytes kept for framing headers.
const httpMaxTrackedValue = 1024

// HTTPParser is a streaming HTTP/1.x tokenizer.
//
// Execute may be called with arbitrarily split input: message elements
// are delivered to the [HTTPParserSettings] callbacks as fragments, and
// the parser keeps no copy of them. Call Execute with nil data when the
// stream ends, to complete a body delimited by the end of the stream.
//
// Construct using [NewHTTPParser].
type HTTPParser struct {
	// Type is the kind of messages parsed.
	Type HTTPParserType

	// Method is the request method, set once the request line is parsed.
	Method string

	// StatusCode is the response status, set once the status line is parsed.
	StatusCode int

	// HTTPMajor and HTTPMinor are the message version.
	HTTPMajor, HTTPMinor int

	// ContentLength is the remaining size of the body or of the current
	// chunk, or -1 when unknown.
	ContentLength int64

	// Upgrade is set when the stream switched protocol: the bytes following
	// the value returned by Execute belong to the new protocol.
	Upgrade bool

	// Data is an opaque pointer available to the callbacks.
	Data any

	chunked          bool
	connClose        bool
	connKeepAlive    bool
	connUpgrade      bool
	errno            HTTPErrno
	fieldBuf         []byte
	hasContentLength bool
	hasUpgrade       bool
	header           httpHeaderKind
	inTrailer        bool
	mark             httpMark
	nread            int
	skipBody         bool
	state            httpState
	teOther          bool
	tokenBuf         []byte
	valueBuf         []byte
}

// NewHTTPParser returns a parser expecting messages of type t.
func NewHTTPParser(t HTTPParserType) *HTTPParser {
	p := &HTTPParser{}
	p.Init(t)
	return p
}

// Init resets the parser to expect a new stream of messages of type t.
func (p *HTTPParser) Init(t HTTPParserType) {
	data := p.Data
	*p = HTTPParser{Type: t, Data: data, ContentLength: -1}
	p.state = p.startState()
}

func (p *HTTPParser) startState() httpState {
	if p.Type == HTTPParserResponse {
		return httpStateStartRes
	}
	return httpStateStartReq
}

// Errno returns the error code of the last failure.
func (p *HTTPParser) Errno() HTTPErrno {
	return p.errno
}

// IsChunked returns whether the current message uses chunked encoding.
func (p *HTTPParser) IsChunked() bool {
	return p.chunked
}

// ShouldKeepAlive returns whether the connection may carry another
// message after the current one.
func (p *HTTPParser) ShouldKeepAlive() bool {
	if p.HTTPMajor > 0 && p.HTTPMinor > 0 {
		if p.connClose {
			return false
		}
	} else if !p.connKeepAlive {
		return false
	}
	return !p.needsEOF()
}

// needsEOF returns whether the body is delimited by the end of the stream.
func (p *HTTPParser) needsEOF() bool {
	if p.Type == HTTPParserRequest {
		return false
	}
	if p.StatusCode/100 == 1 || p.StatusCode == 204 || p.StatusCode == 304 || p.skipBody {
		return false
	}
	if p.chunked || p.hasContentLength {
		return false
	}
	return true
}

func (p *HTTPParser) fail(errno HTTPErrno, err error) error {
	p.errno = errno
	p.state = httpStateDead
	return &HTTPParserError{Errno: errno, Err: err}
}

func (p *HTTPParser) notify(cb HTTPNotifyCallback, errno HTTPErrno) error {
	if cb == nil {
		return nil
	}
	if err := cb(p); err != nil {
		return p.fail(errno, err)
	}
	return nil
}

func (p *HTTPParser) emit(settings *HTTPParserSettings, kind httpMark, data []byte) error {
	var (
		cb    HTTPDataCallback
		errno HTTPErrno
	)
	switch kind {
	case httpMarkURL:
		cb, errno = settings.OnURL, HTTPErrCallbackURL
	case httpMarkStatus:
		cb, errno = settings.OnStatus, HTTPErrCallbackStatus
	case httpMarkField:
		cb, errno = settings.OnHeaderField, HTTPErrCallbackHeaderField
	case httpMarkValue:
		cb, errno = settings.OnHeaderValue, HTTPErrCallbackHeaderValue
	}
	if cb == nil {
		return nil
	}
	if err := cb(p, data); err != nil {
		return p.fail(errno, err)
	}
	return nil
}

func (p *HTTPParser) emitBody(settings *HTTPParserSettings, data []byte) error {
	if settings.OnBody == nil || len(data) <= 0 {
		return nil
	}
	if err := settings.OnBody(p, data); err != nil {
		return p.fail(HTTPErrCallbackBody, err)
	}
	return nil
}

func (p *HTTPParser) beginMessage(settings *HTTPParserSettings) error {
	p.Method = ""
	p.StatusCode = 0
	p.HTTPMajor, p.HTTPMinor = 0, 0
	p.ContentLength = -1
	p.Upgrade = false
	p.chunked = false
	p.connClose, p.connKeepAlive, p.connUpgrade = false, false, false
	p.hasContentLength, p.hasUpgrade = false, false
	p.inTrailer = false
	p.nread = 0
	p.skipBody = false
	p.teOther = false
	p.tokenBuf = p.tokenBuf[:0]
	return p.notify(settings.OnMessageBegin, HTTPErrCallbackMessageBegin)
}

// Execute parses data and returns the number of bytes consumed, which is
// len(data) unless parsing failed or the stream switched protocol (see
// [HTTPParser.Upgrade]). Pass nil data to signal the end of the stream.
//
// After a failure every call returns the same error.
func (p *HTTPParser) Execute(settings *HTTPParserSettings, data []byte) (int, error) {
	if p.errno != HTTPErrOK {
		return 0, &HTTPParserError{Errno: p.errno}
	}
	if p.Upgrade {
		return 0, nil
	}
	if data == nil {
		return 0, p.executeEOF(settings)
	}

	mark := -1
	if p.mark != httpMarkNone {
		mark = 0
	}
	for i := 0; i < len(data); i++ {
		ch := data[i]
		if p.state.isHead() {
			p.nread++
			if p.nread > HTTPMaxHeaderSize {
				return i, p.fail(HTTPErrHeaderOverflow, nil)
			}
		}

		switch p.state {
		case httpStateDead:
			if ch == '\r' || ch == '\n' {
				continue
			}
			return i, p.fail(HTTPErrClosedConnection, nil)

		case httpStateStartReq:
			if ch == '\r' || ch == '\n' {
				continue
			}
			if err := p.beginMessage(settings); err != nil {
				return i, err
			}
			if !httpguts.IsTokenRune(rune(ch)) {
				return i, p.fail(HTTPErrInvalidMethod, nil)
			}
			p.tokenBuf = append(p.tokenBuf, ch)
			p.state = httpStateReqMethod

		case httpStateReqMethod:
			switch {
			case ch == ' ':
				p.Method = string(p.tokenBuf)
				p.tokenBuf = p.tokenBuf[:0]
				p.state = httpStateReqURLStart
			case httpguts.IsTokenRune(rune(ch)) && len(p.tokenBuf) < 32:
				p.tokenBuf = append(p.tokenBuf, ch)
			default:
				return i, p.fail(HTTPErrInvalidMethod, nil)
			}

		case httpStateReqURLStart:
			if ch <= ' ' || ch == 0x7f {
				return i, p.fail(HTTPErrInvalidURL, nil)
			}
			mark, p.mark = i, httpMarkURL
			p.state = httpStateReqURL

		case httpStateReqURL:
			switch {
			case ch == ' ':
				if err := p.emit(settings, httpMarkURL, data[mark:i]); err != nil {
					return i, err
				}
				mark, p.mark = -1, httpMarkNone
				p.state = httpStateReqVersion
			case ch == '\r' || ch == '\n':
				return i, p.fail(HTTPErrInvalidVersion, nil)
			case ch < ' ' || ch == 0x7f:
				return i, p.fail(HTTPErrInvalidURL, nil)
			}

		case httpStateReqVersion:
			switch ch {
			case '\r', '\n':
				if !p.parseVersion() {
					return i, p.fail(HTTPErrInvalidVersion, nil)
				}
				p.state = httpStateReqLineAlmostDone
				if ch == '\n' {
					p.state = httpStateHeaderFieldStart
				}
			default:
				if len(p.tokenBuf) >= 16 {
					return i, p.fail(HTTPErrInvalidVersion, nil)
				}
				p.tokenBuf = append(p.tokenBuf, ch)
			}

		case httpStateReqLineAlmostDone, httpStateResLineAlmostDone, httpStateHeaderAlmostDone:
			if ch != '\n' {
				return i, p.fail(HTTPErrLFExpected, nil)
			}
			p.state = httpStateHeaderFieldStart

		case httpStateStartRes:
			if ch == '\r' || ch == '\n' {
				continue
			}
			if err := p.beginMessage(settings); err != nil {
				return i, err
			}
			p.tokenBuf = append(p.tokenBuf, ch)
			p.state = httpStateResVersion

		case httpStateResVersion:
			if ch != ' ' {
				if len(p.tokenBuf) >= 16 {
					return i, p.fail(HTTPErrInvalidVersion, nil)
				}
				p.tokenBuf = append(p.tokenBuf, ch)
				continue
			}
			if !p.parseVersion() {
				return i, p.fail(HTTPErrInvalidVersion, nil)
			}
			p.state = httpStateResStatusCode

		case httpStateResStatusCode:
			switch {
			case ch >= '0' && ch <= '9':
				if len(p.tokenBuf) >= 3 {
					return i, p.fail(HTTPErrInvalidStatus, nil)
				}
				p.tokenBuf = append(p.tokenBuf, ch)
				p.StatusCode = p.StatusCode*10 + int(ch-'0')
			case len(p.tokenBuf) != 3:
				return i, p.fail(HTTPErrInvalidStatus, nil)
			case ch == ' ':
				p.state = httpStateResStatusStart
			case ch == '\r':
				p.state = httpStateResLineAlmostDone
			case ch == '\n':
				p.state = httpStateHeaderFieldStart
			default:
				return i, p.fail(HTTPErrInvalidStatus, nil)
			}

		case httpStateResStatusStart:
			switch ch {
			case '\r':
				p.state = httpStateResLineAlmostDone
			case '\n':
				p.state = httpStateHeaderFieldStart
			default:
				mark, p.mark = i, httpMarkStatus
				p.state = httpStateResStatus
			}

		case httpStateResStatus:
			if ch != '\r' && ch != '\n' {
				continue
			}
			if err := p.emit(settings, httpMarkStatus, data[mark:i]); err != nil {
				return i, err
			}
			mark, p.mark = -1, httpMarkNone
			p.state = httpStateResLineAlmostDone
			if ch == '\n' {
				p.state = httpStateHeaderFieldStart
			}

		case httpStateHeaderFieldStart:
			switch {
			case ch == '\r':
				p.state = httpStateHeadersAlmostDone
			case ch == '\n':
				stop, err := p.headersDone(settings)
				if err != nil || stop {
					return i + 1, err
				}
			case httpguts.IsTokenRune(rune(ch)):
				mark, p.mark = i, httpMarkField
				p.fieldBuf = append(p.fieldBuf[:0], lowerASCII(ch))
				p.state = httpStateHeaderField
			default:
				return i, p.fail(HTTPErrInvalidHeaderToken, nil)
			}

		case httpStateHeaderField:
			switch {
			case ch == ':':
				if err := p.emit(settings, httpMarkField, data[mark:i]); err != nil {
					return i, err
				}
				mark, p.mark = -1, httpMarkNone
				p.header = p.classifyHeader()
				p.valueBuf = p.valueBuf[:0]
				p.state = httpStateHeaderValueStart
			case httpguts.IsTokenRune(rune(ch)):
				if len(p.fieldBuf) < 32 {
					p.fieldBuf = append(p.fieldBuf, lowerASCII(ch))
				}
			default:
				return i, p.fail(HTTPErrInvalidHeaderToken, nil)
			}

		case httpStateHeaderValueStart:
			switch {
			case ch == ' ' || ch == '\t':
				continue
			case ch == '\r' || ch == '\n':
				if err := p.emit(settings, httpMarkValue, data[i:i]); err != nil {
					return i, err
				}
				if err := p.processHeader(); err != nil {
					return i, err
				}
				p.state = httpStateHeaderAlmostDone
				if ch == '\n' {
					p.state = httpStateHeaderFieldStart
				}
			case !httpValueByte(ch):
				return i, p.fail(HTTPErrInvalidHeaderToken, nil)
			default:
				mark, p.mark = i, httpMarkValue
				p.trackValue(ch)
				p.state = httpStateHeaderValue
			}

		case httpStateHeaderValue:
			switch {
			case ch == '\r' || ch == '\n':
				if err := p.emit(settings, httpMarkValue, data[mark:i]); err != nil {
					return i, err
				}
				mark, p.mark = -1, httpMarkNone
				if err := p.processHeader(); err != nil {
					return i, err
				}
				p.state = httpStateHeaderAlmostDone
				if ch == '\n' {
					p.state = httpStateHeaderFieldStart
				}
			case !httpValueByte(ch):
				return i, p.fail(HTTPErrInvalidHeaderToken, nil)
			default:
				p.trackValue(ch)
			}

		case httpStateHeadersAlmostDone:
			if ch != '\n' {
				return i, p.fail(HTTPErrLFExpected, nil)
			}
			stop, err := p.headersDone(settings)
			if err != nil || stop {
				return i + 1, err
			}

		case httpStateChunkSizeStart:
			v, ok := unhex(ch)
			if !ok {
				return i, p.fail(HTTPErrInvalidChunkSize, nil)
			}
			p.ContentLength = int64(v)
			p.state = httpStateChunkSize

		case httpStateChunkSize:
			if v, ok := unhex(ch); ok {
				if p.ContentLength > (1<<59)-1 {
					return i, p.fail(HTTPErrInvalidChunkSize, nil)
				}
				p.ContentLength = p.ContentLength*16 + int64(v)
				continue
			}
			switch ch {
			case '\r':
				p.state = httpStateChunkSizeAlmostDone
			case ';', ' ', '\t':
				p.state = httpStateChunkExt
			default:
				return i, p.fail(HTTPErrInvalidChunkSize, nil)
			}

		case httpStateChunkExt:
			if ch == '\r' {
				p.state = httpStateChunkSizeAlmostDone
			}

		case httpStateChunkSizeAlmostDone:
			if ch != '\n' {
				return i, p.fail(HTTPErrLFExpected, nil)
			}
			if err := p.notify(settings.OnChunkHeader, HTTPErrCallbackChunkHeader); err != nil {
				return i, err
			}
			if p.ContentLength == 0 {
				p.inTrailer = true
				p.nread = 0
				p.state = httpStateHeaderFieldStart
				continue
			}
			p.state = httpStateChunkData

		case httpStateChunkData:
			count := min(p.ContentLength, int64(len(data)-i))
			if err := p.emitBody(settings, data[i:i+int(count)]); err != nil {
				return i, err
			}
			p.ContentLength -= count
			i += int(count) - 1
			if p.ContentLength == 0 {
				p.state = httpStateChunkDataAlmostDone
			}

		case httpStateChunkDataAlmostDone:
			if ch != '\r' {
				return i, p.fail(HTTPErrInvalidChunkSize, nil)
			}
			p.state = httpStateChunkDataDone

		case httpStateChunkDataDone:
			if ch != '\n' {
				return i, p.fail(HTTPErrLFExpected, nil)
			}
			if err := p.notify(settings.OnChunkComplete, HTTPErrCallbackChunkComplete); err != nil {
				return i, err
			}
			p.state = httpStateChunkSizeStart

		case httpStateBodyIdentity:
			count := min(p.ContentLength, int64(len(data)-i))
			if err := p.emitBody(settings, data[i:i+int(count)]); err != nil {
				return i, err
			}
			p.ContentLength -= count
			i += int(count) - 1
			if p.ContentLength == 0 {
				if err := p.messageComplete(settings); err != nil {
					return i + 1, err
				}
			}

		case httpStateBodyIdentityEOF:
			if err := p.emitBody(settings, data[i:]); err != nil {
				return i, err
			}
			i = len(data) - 1
		}
	}

	if p.mark != httpMarkNone && mark >= 0 && mark < len(data) {
		if err := p.emit(settings, p.mark, data[mark:]); err != nil {
			return len(data), err
		}
	}
	return len(data), nil
}

func (p *HTTPParser) executeEOF(settings *HTTPParserSettings) error {
	switch p.state {
	case httpStateBodyIdentityEOF:
		return p.messageComplete(settings)
	case httpStateDead, httpStateStartReq, httpStateStartRes:
		return nil
	default:
		return p.fail(HTTPErrInvalidEOFState, nil)
	}
}

// headersDone runs at the end of the head or of the trailers. It returns
// true when parsing must stop because of a protocol upgrade.
func (p *HTTPParser) headersDone(settings *HTTPParserSettings) (bool, error) {
	if p.inTrailer {
		if err := p.notify(settings.OnChunkComplete, HTTPErrCallbackChunkComplete); err != nil {
			return false, err
		}
		return false, p.messageComplete(settings)
	}
	if p.chunked && p.hasContentLength {
		return false, p.fail(HTTPErrUnexpectedContentLength, nil)
	}
	if p.Type == HTTPParserRequest {
		if p.teOther {
			return false, p.fail(HTTPErrInvalidTransferEncoding, nil)
		}
		p.Upgrade = (p.hasUpgrade && p.connUpgrade) || p.Method == "CONNECT"
	} else {
		p.Upgrade = p.hasUpgrade && p.connUpgrade && p.StatusCode == 101
	}

	action := HeadersContinue
	if settings.OnHeadersComplete != nil {
		var err error
		if action, err = settings.OnHeadersComplete(p); err != nil {
			return false, p.fail(HTTPErrCallbackHeadersComplete, err)
		}
	}
	switch action {
	case HeadersSkipBodyAndUpgrade:
		p.Upgrade = true
		p.skipBody = true
	case HeadersSkipBody:
		p.skipBody = true
	}

	hasBody := p.chunked || (p.hasContentLength && p.ContentLength > 0)
	if p.Upgrade && (p.Method == "CONNECT" || p.skipBody || !hasBody) {
		return true, p.messageComplete(settings)
	}
	p.Upgrade = false

	switch {
	case p.skipBody:
		return false, p.messageComplete(settings)
	case p.chunked:
		p.state = httpStateChunkSizeStart
	case p.hasContentLength:
		if p.ContentLength == 0 {
			return false, p.messageComplete(settings)
		}
		p.state = httpStateBodyIdentity
	case p.needsEOF():
		p.state = httpStateBodyIdentityEOF
	default:
		return false, p.messageComplete(settings)
	}
	return false, nil
}

func (p *HTTPParser) messageComplete(settings *HTTPParserSettings) error {
	if err := p.notify(settings.OnMessageComplete, HTTPErrCallbackMessageComplete); err != nil {
		return err
	}
	if p.ShouldKeepAlive() {
		p.state = p.startState()
	} else {
		p.state = httpStateDead
	}
	return nil
}

func (p *HTTPParser) parseVersion() bool {
	v := p.tokenBuf
	p.tokenBuf = p.tokenBuf[:0]
	if len(v) != 8 || string(v[:5]) != "HTTP/" || v[6] != '.' {
		return false
	}
	if v[5] < '0' || v[5] > '9' || v[7] < '0' || v[7] > '9' {
		return false
	}
	p.HTTPMajor, p.HTTPMinor = int(v[5]-'0'), int(v[7]-'0')
	return true
}

func (p *HTTPParser) classifyHeader() httpHeaderKind {
	switch string(p.fieldBuf) {
	case "connection":
		return httpHeaderConnection
	case "content-length":
		return httpHeaderContentLength
	case "transfer-encoding":
		return httpHeaderTransferEncoding
	case "upgrade":
		return httpHeaderUpgrade
	default:
		return httpHeaderOther
	}
}

func (p *HTTPParser) trackValue(ch byte) {
	if p.header != httpHeaderOther && len(p.valueBuf) < httpMaxTrackedValue {
		p.valueBuf = append(p.valueBuf, ch)
	}
}

// processHeader updates the message framing after a complete header.
func (p *HTTPParser) processHeader() error {
	if p.inTrailer {
		return nil
	}
	value := strings.TrimSpace(string(p.valueBuf))
	switch p.header {
	case httpHeaderConnection:
		values := []string{value}
		p.connClose = p.connClose || httpguts.HeaderValuesContainsToken(values, "close")
		p.connKeepAlive = p.connKeepAlive || httpguts.HeaderValuesContainsToken(values, "keep-alive")
		p.connUpgrade = p.connUpgrade || httpguts.HeaderValuesContainsToken(values, "upgrade")

	case httpHeaderContentLength:
		length, err := strconv.ParseInt(value, 10, 64)
		if err != nil || length < 0 || value == "" || value[0] == '+' {
			return p.fail(HTTPErrInvalidContentLength, nil)
		}
		if p.hasContentLength && p.ContentLength != length {
			return p.fail(HTTPErrUnexpectedContentLength, nil)
		}
		p.hasContentLength = true
		p.ContentLength = length

	case httpHeaderTransferEncoding:
		tokens := strings.Split(value, ",")
		last := strings.TrimSpace(tokens[len(tokens)-1])
		p.chunked = strings.EqualFold(last, "chunked")
		p.teOther = !p.chunked

	case httpHeaderUpgrade:
		p.hasUpgrade = true
	}
	return nil
}

func httpValueByte(ch byte) bool {
	return ch == '\t' || (ch >= ' ' && ch != 0x7f)
}

func lowerASCII(ch byte) byte {
	if ch >= 'A' && ch <= 'Z' {
		return ch + ('a' - 'A')
	}
	return ch
}

func unhex(ch byte) (byte, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return ch - '0', true
	case ch >= 'a' && ch <= 'f':
		return ch - 'a' + 10, true
	case ch >= 'A' && ch <= 'F':
		return ch - 'A' + 10, true
	default:
		return 0, false
	}
}
