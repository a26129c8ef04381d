// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import "sync"

// handleTable maps opaque handles to the objects registered with the
// transport layer, acting as a non-owning back reference.
//
// Transport goroutines capture a handle rather than an object: when the
// posted event runs, the trampoline resolves the handle, and a released
// handle tells it the object is gone.
//
// Handles are never reused, and zero is never a valid handle.
type handleTable[T any] struct {
	mu      sync.Mutex
	entries map[uint64]T
	next    uint64
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{entries: make(map[uint64]T)}
}

func (ht *handleTable[T]) register(v T) uint64 {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.next++
	ht.entries[ht.next] = v
	return ht.next
}

func (ht *handleTable[T]) lookup(handle uint64) (T, bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	v, found := ht.entries[handle]
	return v, found
}

func (ht *handleTable[T]) release(handle uint64) {
	ht.mu.Lock()
	delete(ht.entries, handle)
	ht.mu.Unlock()
}

func (ht *handleTable[T]) len() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.entries)
}

// tcpConnections is the registry of live [*TCPConnection] objects.
var tcpConnections = newHandleTable[*TCPConnection]()

// udpConnections is the registry of live [*UDPConnection] objects.
var udpConnections = newHandleTable[*UDPConnection]()
