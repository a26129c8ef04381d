// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"errors"
	"io"
	"net"
	"time"
)

const (
	// TCPMSS is the maximum segment size used for receive buffers.
	TCPMSS = 1460

	// TCPSendBufferSize is the per-connection send buffer, in bytes.
	TCPSendBufferSize = 2 * TCPMSS

	// TCPSendQueueLen is the maximum number of segments queued for sending.
	TCPSendQueueLen = 4 * TCPSendBufferSize / TCPMSS
)

// WriteFlags modifies the behavior of [*TCPConnection.Write].
type WriteFlags int

const (
	// WriteFlagMore queues data without sending it; a later write without
	// this flag, or [*TCPConnection.Flush], sends everything queued.
	WriteFlagMore WriteFlags = 1 << iota
)

// tcpPCB is the transport control block of a TCP association.
//
// The reader, writer, and poll goroutines never touch the fields below the
// conn field: they post events to the loop, where the trampolines run. All
// other methods must be called on the loop.
type tcpPCB struct {
	conn net.Conn
	done chan struct{}
	loop *EventLoop
	out  chan []byte

	// arg is the handle of the owning connection in tcpConnections,
	// or zero once the connection detached.
	arg uint64

	closing     bool
	released    bool
	sndBuf      int
	sndQueueLen int
	unsent      [][]byte
}

func newTCPPCB(loop *EventLoop, conn net.Conn, arg uint64) *tcpPCB {
	return &tcpPCB{
		arg:    arg,
		conn:   conn,
		done:   make(chan struct{}),
		loop:   loop,
		out:    make(chan []byte, TCPSendQueueLen),
		sndBuf: TCPSendBufferSize,
	}
}

// start spawns the goroutines feeding stack events to the loop.
func (p *tcpPCB) start(pollInterval time.Duration) {
	go p.readLoop()
	go p.writeLoop()
	if pollInterval > 0 {
		go p.pollLoop(pollInterval)
	}
}

func (p *tcpPCB) readLoop() {
	buf := make([]byte, TCPMSS)
	for {
		count, err := p.conn.Read(buf)
		if count > 0 {
			data := append([]byte(nil), buf[:count]...)
			p.loop.Post(func() { tcpTrampolineReceive(p, data) })
		}
		if err == nil {
			continue
		}
		select {
		case <-p.done:
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			p.loop.Post(func() { tcpTrampolineReceive(p, nil) })
			return
		}
		p.loop.Post(func() { tcpTrampolineError(p, err) })
		return
	}
}

func (p *tcpPCB) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case seg := <-p.out:
			count, err := p.conn.Write(seg)
			if err != nil {
				select {
				case <-p.done:
				default:
					p.loop.Post(func() { tcpTrampolineError(p, err) })
				}
				return
			}
			p.loop.Post(func() { tcpTrampolineSent(p, count) })
		}
	}
}

func (p *tcpPCB) pollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.loop.Post(func() { tcpTrampolinePoll(p) })
		}
	}
}

// hasQueueSpace returns whether one more segment fits in the send queue.
func (p *tcpPCB) hasQueueSpace() bool {
	return p.sndQueueLen < TCPSendQueueLen
}

// availableWriteSize returns the free send buffer space.
func (p *tcpPCB) availableWriteSize() int {
	if p.released || p.closing || !p.hasQueueSpace() {
		return 0
	}
	return p.sndBuf
}

// write queues a copy of data, sending it unless flags has [WriteFlagMore].
func (p *tcpPCB) write(data []byte, flags WriteFlags) (int, error) {
	if p.released || p.closing {
		return 0, ErrNotConnected
	}
	if len(data) <= 0 {
		return 0, nil
	}
	if len(data) > p.sndBuf || !p.hasQueueSpace() {
		return 0, ErrSendBufferFull
	}
	p.unsent = append(p.unsent, append([]byte(nil), data...))
	p.sndBuf -= len(data)
	p.sndQueueLen++
	if flags&WriteFlagMore == 0 {
		p.output()
	}
	return len(data), nil
}

// output hands the unsent segments to the writer goroutine. It never blocks
// because out has room for the whole send queue.
func (p *tcpPCB) output() {
	if p.released {
		return
	}
	for _, seg := range p.unsent {
		p.out <- seg
	}
	p.unsent = nil
}

// onSent releases the send buffer space of a transmitted segment.
func (p *tcpPCB) onSent(count int) {
	p.sndBuf += count
	p.sndQueueLen--
}

// tryClose requests a graceful close. It returns [ErrPending] while queued
// data still awaits transmission; callers retry on the next sent or poll event.
func (p *tcpPCB) tryClose() error {
	if p.released {
		return nil
	}
	p.closing = true
	p.output()
	if p.sndQueueLen > 0 {
		return ErrPending
	}
	p.abort()
	return nil
}

// abort releases the transport immediately, dropping queued data.
func (p *tcpPCB) abort() {
	if p.released {
		return
	}
	p.released = true
	p.unsent = nil
	close(p.done)
	p.conn.Close()
}

// tcpTrampolineReceive delivers received data (nil on remote close).
func tcpTrampolineReceive(p *tcpPCB, data []byte) {
	if p.released {
		return
	}
	c, found := tcpConnections.lookup(p.arg)
	if !found {
		p.tryClose()
		return
	}
	c.internalOnReceive(data)
}

// tcpTrampolineSent delivers the completion of a segment transmission.
func tcpTrampolineSent(p *tcpPCB, count int) {
	p.onSent(count)
	if p.released {
		return
	}
	c, found := tcpConnections.lookup(p.arg)
	if !found {
		p.tryClose()
		return
	}
	c.internalOnSent(count)
}

// tcpTrampolinePoll delivers a periodic poll event.
func tcpTrampolinePoll(p *tcpPCB) {
	if p.released {
		return
	}
	c, found := tcpConnections.lookup(p.arg)
	if !found {
		p.tryClose()
		return
	}
	c.internalOnPoll()
}

// tcpTrampolineError delivers a transport error. The transport is released
// before the connection learns about the error.
func tcpTrampolineError(p *tcpPCB, err error) {
	if p.released {
		return
	}
	p.abort()
	c, found := tcpConnections.lookup(p.arg)
	if !found {
		return
	}
	c.internalOnError(err)
}
