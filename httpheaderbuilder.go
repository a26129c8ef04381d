// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

// HTTPHeaderBuilder reassembles the header fragments delivered by an
// [*HTTPParser] into an [*HTTPHeaders].
//
// Name fragments accumulate until the first value fragment, which commits
// the header. Later value fragments extend the committed value, and the
// next name fragment starts a new header.
//
// The zero value is ready to use.
type HTTPHeaderBuilder struct {
	field        []byte
	lastWasValue bool
	value        []byte
}

// OnHeaderField accumulates a fragment of a header name.
func (b *HTTPHeaderBuilder) OnHeaderField(data []byte) {
	if b.lastWasValue {
		b.field = b.field[:0]
		b.lastWasValue = false
	}
	b.field = append(b.field, data...)
}

// OnHeaderValue accumulates a fragment of a header value and stores the
// value collected so far into headers.
func (b *HTTPHeaderBuilder) OnHeaderValue(headers *HTTPHeaders, data []byte) {
	if !b.lastWasValue {
		b.value = b.value[:0]
		b.lastWasValue = true
	}
	b.value = append(b.value, data...)
	headers.Set(string(b.field), string(b.value))
}

// Reset prepares the builder for a new message.
func (b *HTTPHeaderBuilder) Reset() {
	b.field = b.field[:0]
	b.value = b.value[:0]
	b.lastWasValue = false
}
