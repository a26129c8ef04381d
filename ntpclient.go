// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"
	"time"
)

const (
	// NTPDefaultServer is the server queried when none is given.
	NTPDefaultServer = "pool.ntp.org"

	// NTPPort is the NTP server port.
	NTPPort = 123

	// NTPPacketSize is the size of an SNTP packet.
	NTPPacketSize = 48

	// NTPVersion is the protocol version sent in requests. Replies with
	// this version or the previous one are accepted.
	NTPVersion = 4

	// NTPModeClient is the mode of requests.
	NTPModeClient = 3

	// NTPModeServer is the mode of valid replies.
	NTPModeServer = 4

	// NTPDefaultAutoQuerySeconds is the default auto-query interval.
	NTPDefaultAutoQuerySeconds = 30

	// NTPMinAutoQuerySeconds is the shortest auto-query interval.
	NTPMinAutoQuerySeconds = 10

	// NTPResponseTimeout is how long to wait for a reply before retrying.
	NTPResponseTimeout = 20 * time.Second

	// NTPEpochOffset is the number of seconds between 1900-01-01 and
	// 1970-01-01.
	NTPEpochOffset = 0x83AA7E80

	// ntpTransmitTimestampOffset is the offset of the transmit timestamp
	// seconds within a packet.
	ntpTransmitTimestampOffset = 40
)

// NTPTimestampToUnix converts the seconds of an NTP timestamp to Unix
// seconds. Arithmetic is modulo 2^32, so timestamps of the era starting
// in 2036 convert correctly.
func NTPTimestampToUnix(seconds uint32) int64 {
	return int64(uint32(seconds - NTPEpochOffset))
}

// newNTPRequest returns a client request packet.
func newNTPRequest() []byte {
	packet := make([]byte, NTPPacketSize)
	packet[0] = NTPVersion<<3 | NTPModeClient
	return packet
}

// parseNTPResponse returns the transmit timestamp seconds of a reply,
// or false when the reply is short or has the wrong mode or version.
func parseNTPResponse(packet []byte) (uint32, bool) {
	if len(packet) < NTPPacketSize {
		return 0, false
	}
	mode := packet[0] & 0x07
	version := (packet[0] >> 3) & 0x07
	if mode != NTPModeServer || (version != NTPVersion && version != NTPVersion-1) {
		return 0, false
	}
	return binary.BigEndian.Uint32(packet[ntpTransmitTimestampOffset:]), true
}

// NTPState is the state of a [*NTPClient].
type NTPState int

const (
	NTPIdle NTPState = iota
	NTPResolvingDNS
	NTPAwaitingResponse
)

// String implements [fmt.Stringer].
func (s NTPState) String() string {
	switch s {
	case NTPIdle:
		return "idle"
	case NTPResolvingDNS:
		return "resolvingDNS"
	case NTPAwaitingResponse:
		return "awaitingResponse"
	default:
		return "NTPState(" + strconv.Itoa(int(s)) + ")"
	}
}

// NTPResultDelegate receives the time obtained by a [*NTPClient].
type NTPResultDelegate func(client *NTPClient, now time.Time)

// NTPClient is an SNTP client. Every request arms a retry timer first, so
// a request which fails at any stage is retried after [NTPResponseTimeout]
// until a valid reply arrives.
//
// Like [*UDPConnection], an NTPClient is owned by the [*EventLoop].
type NTPClient struct {
	autoQuery         bool
	autoQueryInterval uint32
	autoQueryTimer    *Timer
	autoUpdateClock   bool
	cancel            context.CancelFunc
	cfg               *Config
	delegate          NTPResultDelegate
	logger            SLogger
	loop              *EventLoop
	port              uint16
	responseTimer     *Timer
	server            string
	spanID            string
	state             NTPState
	t0                time.Time
	udp               *UDPConnection
}

// NewNTPClient returns a [*NTPClient] and sends the first request.
//
// An empty server means [NTPDefaultServer]. A nonzero intervalSeconds
// enables auto-query with that interval. A nil delegate forces updating
// [Config.SystemClock].
func NewNTPClient(loop *EventLoop, cfg *Config,
	server string, intervalSeconds uint32, delegate NTPResultDelegate, logger SLogger) *NTPClient {
	if server == "" {
		server = NTPDefaultServer
	}
	c := &NTPClient{
		autoQueryInterval: NTPDefaultAutoQuerySeconds,
		autoQueryTimer:    NewTimer(loop),
		autoUpdateClock:   delegate == nil,
		cancel:            func() {},
		cfg:               cfg,
		delegate:          delegate,
		logger:            logger,
		loop:              loop,
		port:              NTPPort,
		responseTimer:     NewTimer(loop),
		server:            server,
		spanID:            NewSpanID(),
		state:             NTPIdle,
	}
	c.udp = NewUDPConnection(loop, cfg, UDPReceiverFunc(c.onReceive), logger)
	c.responseTimer.InitializeMs(uint64(NTPResponseTimeout/time.Millisecond), c.RequestTime)
	c.autoQueryTimer.InitializeMs(uint64(c.autoQueryInterval)*1000, c.RequestTime)
	if intervalSeconds != 0 {
		c.SetAutoQueryInterval(intervalSeconds)
		c.SetAutoQuery(true)
	}
	c.RequestTime()
	return c
}

// RequestTime starts a query.
func (c *NTPClient) RequestTime() {
	c.responseTimer.StartOnce()
	if !c.cfg.StationConnected() {
		c.logger.Info("ntpStationDisconnected", slog.String("spanID", c.spanID))
		return
	}
	c.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.t0 = c.cfg.TimeNow()
	c.state = NTPResolvingDNS
	c.logger.Info(
		"ntpRequestStart",
		slog.String("serverName", c.server),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.t0),
	)
	addr, err := resolveAsync(ctx, c.loop, c.cfg.Resolver, c.server, func(addr netip.Addr, err error) {
		if ctx.Err() != nil {
			return
		}
		c.onResolved(addr, err)
	})
	if err == nil {
		c.internalRequestTime(addr)
		return
	}
	if !errors.Is(err, ErrPending) {
		c.onResolved(addr, err)
	}
}

func (c *NTPClient) onResolved(addr netip.Addr, err error) {
	if err != nil {
		c.logger.Warn(
			"ntpResolveFailed",
			slog.Any("err", err),
			slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
			slog.String("serverName", c.server),
			slog.String("spanID", c.spanID),
		)
		c.state = NTPIdle
		return
	}
	c.internalRequestTime(addr)
}

func (c *NTPClient) internalRequestTime(addr netip.Addr) {
	remote := netip.AddrPortFrom(addr, c.port)
	if err := c.udp.Connect(remote); err != nil {
		c.state = NTPIdle
		return
	}
	request := newNTPRequest()
	c.responseTimer.StartOnce()
	err := c.udp.Send(request)
	c.logger.Info(
		"ntpQuery",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.Any("ntpRawQuery", request),
		slog.String("remoteAddr", remote.String()),
		slog.String("spanID", c.spanID),
		slog.Time("t", c.cfg.TimeNow()),
	)
	c.state = NTPAwaitingResponse
}

func (c *NTPClient) onReceive(_ *UDPConnection, data []byte, remote netip.AddrPort) {
	packet := data[:len(data)-1]
	seconds, ok := parseNTPResponse(packet)
	if !ok {
		c.logger.Warn(
			"ntpBadResponse",
			slog.Any("ntpRawResponse", packet),
			slog.String("remoteAddr", remote.String()),
			slog.String("spanID", c.spanID),
		)
		c.responseTimer.StartOnce()
		return
	}
	c.responseTimer.Stop()
	c.state = NTPIdle
	now := time.Unix(NTPTimestampToUnix(seconds), 0).UTC()
	c.logger.Info(
		"ntpRequestDone",
		slog.Time("ntpTime", now),
		slog.Any("ntpRawResponse", packet),
		slog.String("remoteAddr", remote.String()),
		slog.String("spanID", c.spanID),
		slog.Time("t0", c.t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
	if c.autoUpdateClock {
		c.cfg.SystemClock.SetTime(now)
	}
	if c.delegate != nil {
		c.delegate(c, now)
	}
	if c.autoQuery {
		c.autoQueryTimer.StartOnce()
	} else {
		c.autoQueryTimer.Stop()
	}
}

// SetNTPServer sets the server used by the next request.
func (c *NTPClient) SetNTPServer(server string) {
	c.server = server
}

// SetNTPPort sets the server port used by the next request.
func (c *NTPClient) SetNTPPort(port uint16) {
	c.port = port
}

// Server returns the server name.
func (c *NTPClient) Server() string {
	return c.server
}

// SetAutoQuery enables or disables periodic queries.
func (c *NTPClient) SetAutoQuery(enabled bool) {
	c.autoQuery = enabled
	if enabled {
		c.autoQueryTimer.StartOnce()
		return
	}
	c.autoQueryTimer.Stop()
}

// SetAutoQueryInterval sets the auto-query interval, raised to at least
// [NTPMinAutoQuerySeconds].
func (c *NTPClient) SetAutoQueryInterval(seconds uint32) {
	c.autoQueryInterval = max(seconds, NTPMinAutoQuerySeconds)
	c.autoQueryTimer.SetIntervalMs(uint64(c.autoQueryInterval) * 1000)
}

// AutoQueryInterval returns the auto-query interval in seconds.
func (c *NTPClient) AutoQueryInterval() uint32 {
	return c.autoQueryInterval
}

// SetAutoUpdateSystemClock enables or disables updating
// [Config.SystemClock]. Without a delegate updating is always enabled.
func (c *NTPClient) SetAutoUpdateSystemClock(enabled bool) {
	c.autoUpdateClock = enabled || c.delegate == nil
}

// State returns the request state.
func (c *NTPClient) State() NTPState {
	return c.state
}

// Close stops the timers, cancels a pending resolution, and releases the
// UDP endpoint.
func (c *NTPClient) Close() error {
	c.cancel()
	c.responseTimer.Close()
	c.autoQueryTimer.Close()
	c.udp.Destroy()
	c.state = NTPIdle
	return nil
}
