// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"errors"
	"io"
	"strconv"

	"github.com/google/uuid"
)

// DataSourceStream is a source of bytes read without blocking, as used by
// [*TCPConnection.WriteStream]. Reading is split in two steps: peek with
// ReadMemoryBlock, then consume what was actually sent with Seek.
type DataSourceStream interface {
	// ReadMemoryBlock copies up to len(buf) bytes into buf without
	// consuming them and returns the number of bytes copied, which is
	// zero when no data is available right now.
	ReadMemoryBlock(buf []byte) int

	// Seek consumes count bytes. It returns false when count exceeds
	// the bytes available.
	Seek(count int) bool

	// IsFinished returns whether all data has been consumed.
	IsFinished() bool

	// Available returns the number of bytes left, or -1 when unknown.
	Available() int
}

// MemoryDataStream is a growable in-memory [DataSourceStream].
//
// The zero value is an empty stream ready to use.
type MemoryDataStream struct {
	buf []byte
	pos int
}

var (
	_ DataSourceStream = &MemoryDataStream{}
	_ io.Writer        = &MemoryDataStream{}
)

// NewMemoryDataStream returns a [*MemoryDataStream] containing a copy of data.
func NewMemoryDataStream(data []byte) *MemoryDataStream {
	s := &MemoryDataStream{}
	s.Write(data)
	return s
}

// Write implements [io.Writer]. It never fails.
func (s *MemoryDataStream) Write(data []byte) (int, error) {
	if s.pos > 0 && s.pos == len(s.buf) {
		s.buf, s.pos = s.buf[:0], 0
	}
	s.buf = append(s.buf, data...)
	return len(data), nil
}

// WriteString appends str to the stream.
func (s *MemoryDataStream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// ReadMemoryBlock implements [DataSourceStream].
func (s *MemoryDataStream) ReadMemoryBlock(buf []byte) int {
	return copy(buf, s.buf[s.pos:])
}

// Seek implements [DataSourceStream].
func (s *MemoryDataStream) Seek(count int) bool {
	if count < 0 || count > len(s.buf)-s.pos {
		return false
	}
	s.pos += count
	return true
}

// IsFinished implements [DataSourceStream].
func (s *MemoryDataStream) IsFinished() bool {
	return s.pos >= len(s.buf)
}

// Available implements [DataSourceStream].
func (s *MemoryDataStream) Available() int {
	return len(s.buf) - s.pos
}

// Bytes returns the bytes not consumed yet.
func (s *MemoryDataStream) Bytes() []byte {
	return s.buf[s.pos:]
}

// Reset empties the stream.
func (s *MemoryDataStream) Reset() {
	s.buf, s.pos = s.buf[:0], 0
}

// ReaderStream adapts an [io.Reader] to [DataSourceStream]. The reader
// should not block for long, as with files and in-memory readers.
//
// Construct using [NewReaderStream].
type ReaderStream struct {
	err     error
	pending MemoryDataStream
	reader  io.Reader
}

var _ DataSourceStream = &ReaderStream{}

// NewReaderStream returns a [*ReaderStream] reading from reader.
func NewReaderStream(reader io.Reader) *ReaderStream {
	return &ReaderStream{reader: reader}
}

// ReadMemoryBlock implements [DataSourceStream].
func (s *ReaderStream) ReadMemoryBlock(buf []byte) int {
	if missing := len(buf) - s.pending.Available(); missing > 0 && s.err == nil {
		chunk := make([]byte, missing)
		count, err := s.reader.Read(chunk)
		s.pending.Write(chunk[:count])
		s.err = err
	}
	return s.pending.ReadMemoryBlock(buf)
}

// Seek implements [DataSourceStream].
func (s *ReaderStream) Seek(count int) bool {
	return s.pending.Seek(count)
}

// IsFinished implements [DataSourceStream].
func (s *ReaderStream) IsFinished() bool {
	return s.err != nil && s.pending.IsFinished()
}

// Available implements [DataSourceStream]. The size is known when the
// reader exposes a Len method, as [*bytes.Reader] and [*strings.Reader] do.
func (s *ReaderStream) Available() int {
	if s.err != nil {
		return s.pending.Available()
	}
	if lr, ok := s.reader.(interface{ Len() int }); ok {
		return s.pending.Available() + lr.Len()
	}
	return -1
}

// Err returns the error that ended the stream, if other than [io.EOF].
func (s *ReaderStream) Err() error {
	if errors.Is(s.err, io.EOF) {
		return nil
	}
	return s.err
}

// Close closes the reader when it is an [io.Closer].
func (s *ReaderStream) Close() error {
	if closer, ok := s.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// chunkedStreamBlockSize is the maximum payload of an encoded chunk.
const chunkedStreamBlockSize = 1024 - 16

// ChunkedStream applies HTTP/1.1 chunked transfer coding to a source stream.
//
// Construct using [NewChunkedStream].
type ChunkedStream struct {
	done   bool
	out    MemoryDataStream
	source DataSourceStream
}

var _ DataSourceStream = &ChunkedStream{}

// NewChunkedStream returns a [*ChunkedStream] encoding source.
func NewChunkedStream(source DataSourceStream) *ChunkedStream {
	return &ChunkedStream{source: source}
}

func (s *ChunkedStream) fill() {
	if !s.out.IsFinished() || s.done {
		return
	}
	block := make([]byte, chunkedStreamBlockSize)
	count := s.source.ReadMemoryBlock(block)
	if count > 0 {
		s.source.Seek(count)
		s.out.WriteString(strconv.FormatInt(int64(count), 16))
		s.out.WriteString("\r\n")
		s.out.Write(block[:count])
		s.out.WriteString("\r\n")
		return
	}
	if s.source.IsFinished() {
		s.out.WriteString("0\r\n\r\n")
		s.done = true
	}
}

// ReadMemoryBlock implements [DataSourceStream].
func (s *ChunkedStream) ReadMemoryBlock(buf []byte) int {
	s.fill()
	return s.out.ReadMemoryBlock(buf)
}

// Seek implements [DataSourceStream].
func (s *ChunkedStream) Seek(count int) bool {
	return s.out.Seek(count)
}

// IsFinished implements [DataSourceStream].
func (s *ChunkedStream) IsFinished() bool {
	return s.done && s.out.IsFinished()
}

// Available implements [DataSourceStream].
func (s *ChunkedStream) Available() int {
	return -1
}

// Close closes the source stream when it is an [io.Closer].
func (s *ChunkedStream) Close() error {
	if closer, ok := s.source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// MultipartPart is a part of a [*MultipartStream].
type MultipartPart struct {
	// Headers are the part headers, such as Content-Disposition.
	Headers *HTTPHeaders

	// Stream is the part body.
	Stream DataSourceStream
}

// MultipartProducer returns the next part of a [*MultipartStream], or
// false when there are no more parts.
type MultipartProducer func() (MultipartPart, bool)

// MultipartStream encodes a multipart/form-data body from the parts
// returned by a [MultipartProducer].
//
// Construct using [NewMultipartStream].
type MultipartStream struct {
	boundary string
	current  DataSourceStream
	done     bool
	out      MemoryDataStream
	producer MultipartProducer
}

var _ DataSourceStream = &MultipartStream{}

// NewMultipartStream returns a [*MultipartStream] with a random boundary.
func NewMultipartStream(producer MultipartProducer) *MultipartStream {
	return &MultipartStream{
		boundary: "evnet" + uuid.NewString(),
		producer: producer,
	}
}

// Boundary returns the boundary delimiting the parts.
func (s *MultipartStream) Boundary() string {
	return s.boundary
}

// ContentType returns the Content-Type of the encoded body.
func (s *MultipartStream) ContentType() string {
	return "multipart/form-data; boundary=" + s.boundary
}

func (s *MultipartStream) fill() {
	if s.out.IsFinished() && !s.done {
		if s.current == nil {
			part, ok := s.producer()
			if !ok {
				s.out.WriteString("--" + s.boundary + "--\r\n")
				s.done = true
				return
			}
			s.out.WriteString("--" + s.boundary + "\r\n")
			if part.Headers != nil {
				part.Headers.WriteTo(&s.out)
			}
			s.out.WriteString("\r\n")
			s.current = part.Stream
			if s.current == nil {
				s.current = &MemoryDataStream{}
			}
			return
		}
		if s.current.IsFinished() {
			s.out.WriteString("\r\n")
			s.current = nil
			return
		}
		block := make([]byte, tcpStreamChunkSize)
		count := s.current.ReadMemoryBlock(block)
		if count <= 0 {
			return
		}
		s.current.Seek(count)
		s.out.Write(block[:count])
	}
}

// ReadMemoryBlock implements [DataSourceStream].
func (s *MultipartStream) ReadMemoryBlock(buf []byte) int {
	s.fill()
	return s.out.ReadMemoryBlock(buf)
}

// Seek implements [DataSourceStream].
func (s *MultipartStream) Seek(count int) bool {
	return s.out.Seek(count)
}

// IsFinished implements [DataSourceStream].
func (s *MultipartStream) IsFinished() bool {
	return s.done && s.out.IsFinished()
}

// Available implements [DataSourceStream].
func (s *MultipartStream) Available() int {
	return -1
}
