// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Handles are non-zero, never reused, and released handles resolve to nothing.
func TestHandleTable(t *testing.T) {
	ht := newHandleTable[string]()

	first := ht.register("first")
	second := ht.register("second")
	assert.NotZero(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, ht.len())

	value, found := ht.lookup(first)
	assert.True(t, found)
	assert.Equal(t, "first", value)

	ht.release(first)
	_, found = ht.lookup(first)
	assert.False(t, found)
	assert.Equal(t, 1, ht.len())

	// Releasing twice is harmless
	ht.release(first)

	third := ht.register("third")
	assert.NotEqual(t, first, third)
	assert.NotEqual(t, second, third)

	_, found = ht.lookup(0)
	assert.False(t, found)
}
