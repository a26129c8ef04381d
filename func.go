// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import "context"

// Func is a blocking operation turning an input into a result.
//
// Dialing, handshaking, and DNS exchanges are modeled as [Func] and chained
// with [Compose2] and [Compose3]. They run on goroutines outside of the
// [*EventLoop], which only sees their final result.
//
// A Func receiving a closeable input must close it when returning an
// error, so a failing pipeline leaks nothing.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter adapts a function to [Func].
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}
