// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"io"
	"strings"
)

type httpHeaderEntry struct {
	name  string
	value string
}

// HTTPHeaders is an ordered collection of HTTP headers with
// case-insensitive names. Setting an existing name replaces its value
// in place, so the original order is preserved on output.
//
// The zero value is an empty collection ready to use.
type HTTPHeaders struct {
	entries []httpHeaderEntry
}

var _ io.WriterTo = &HTTPHeaders{}

func (h *HTTPHeaders) index(name string) int {
	for idx, entry := range h.entries {
		if strings.EqualFold(entry.name, name) {
			return idx
		}
	}
	return -1
}

// Set sets the value of name, replacing any existing value.
func (h *HTTPHeaders) Set(name, value string) {
	if idx := h.index(name); idx >= 0 {
		h.entries[idx].value = value
		return
	}
	h.entries = append(h.entries, httpHeaderEntry{name: name, value: value})
}

// Get returns the value of name, or "" when missing.
func (h *HTTPHeaders) Get(name string) string {
	if idx := h.index(name); idx >= 0 {
		return h.entries[idx].value
	}
	return ""
}

// Lookup is like [*HTTPHeaders.Get] and also reports whether name exists.
func (h *HTTPHeaders) Lookup(name string) (string, bool) {
	if idx := h.index(name); idx >= 0 {
		return h.entries[idx].value, true
	}
	return "", false
}

// Has returns whether name exists.
func (h *HTTPHeaders) Has(name string) bool {
	return h.index(name) >= 0
}

// Delete removes name.
func (h *HTTPHeaders) Delete(name string) {
	if idx := h.index(name); idx >= 0 {
		h.entries = append(h.entries[:idx], h.entries[idx+1:]...)
	}
}

// Len returns the number of headers.
func (h *HTTPHeaders) Len() int {
	return len(h.entries)
}

// Keys returns the header names in insertion order.
func (h *HTTPHeaders) Keys() []string {
	names := make([]string, 0, len(h.entries))
	for _, entry := range h.entries {
		names = append(names, entry.name)
	}
	return names
}

// Each calls fn for every header in insertion order.
func (h *HTTPHeaders) Each(fn func(name, value string)) {
	for _, entry := range h.entries {
		fn(entry.name, entry.value)
	}
}

// Clear removes all the headers.
func (h *HTTPHeaders) Clear() {
	h.entries = h.entries[:0]
}

// WriteTo writes the headers as "Name: value\r\n" lines.
func (h *HTTPHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, entry := range h.entries {
		count, err := io.WriteString(w, entry.name+": "+entry.value+"\r\n")
		total += int64(count)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// String returns the headers formatted as by [*HTTPHeaders.WriteTo].
func (h *HTTPHeaders) String() string {
	var sb strings.Builder
	h.WriteTo(&sb)
	return sb.String()
}
