// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tasks run one at a time in posting order, including tasks posted by tasks.
func TestEventLoopPostOrder(t *testing.T) {
	loop := startLoop(t, NewConfig())

	var order []int
	done := make(chan struct{})
	for idx := range 10 {
		require.True(t, loop.Post(func() {
			order = append(order, idx)
			if idx == 9 {
				loop.Post(func() { close(done) })
			}
		}))
	}
	waitFor(t, done)

	onLoop(t, loop, func() {
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	})
}

// Posting from many goroutines never loses a task.
func TestEventLoopConcurrentPost(t *testing.T) {
	loop := startLoop(t, NewConfig())

	const posters, perPoster = 8, 100
	counter := 0
	var wg sync.WaitGroup
	for range posters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perPoster {
				loop.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	onLoop(t, loop, func() {
		assert.Equal(t, posters*perPoster, counter)
	})
}

// Run returns the context error and later posts are refused.
func TestEventLoopStop(t *testing.T) {
	logger, records := newCapturingLogger()
	loop := NewEventLoop(NewConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- loop.Run(ctx) }()

	require.NoError(t, loop.Sync(context.Background(), func() {}))
	assert.False(t, loop.Stopped())

	cancel()
	require.ErrorIs(t, waitFor(t, result), context.Canceled)
	assert.True(t, loop.Stopped())

	assert.False(t, loop.Post(func() {}))
	require.ErrorIs(t, loop.Sync(context.Background(), func() {}), ErrLoopStopped)

	assert.Equal(t, []string{"eventLoopStart", "eventLoopDone"}, recordMessages(*records))
}

// Sync gives up when its context is done before the loop runs the task.
func TestEventLoopSyncContext(t *testing.T) {
	loop := NewEventLoop(NewConfig(), DefaultSLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := loop.Sync(ctx, func() {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
