// SPDX-License-Identifier: GPL-3.0-or-later

package evnet

import (
	"net"
	"time"
)

// DefaultPollInterval is the default interval between two poll events
// delivered to a [*TCPConnection].
const DefaultPollInterval = 500 * time.Millisecond

// Config holds common configuration for evnet components.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc] and by [*TCPConnection.Connect].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// ListenConfig creates listening TCP and UDP sockets.
	//
	// Set by [NewConfig] to a [*net.ListenConfig] enabling address reuse.
	ListenConfig *net.ListenConfig

	// PollInterval is the interval between poll events of TCP connections.
	//
	// Connection timeouts are expressed in multiples of this interval.
	//
	// Set by [NewConfig] to [DefaultPollInterval].
	PollInterval time.Duration

	// Resolver resolves host names for [*TCPConnection] and [*NTPClient].
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	Resolver Resolver

	// StationConnected reports whether the network interface is associated
	// and able to reach the network. [*NTPClient] skips a query otherwise.
	//
	// Set by [NewConfig] to a function always returning true.
	StationConnected func() bool

	// SystemClock is the clock updated by [*NTPClient].
	//
	// Set by [NewConfig] to an [*OffsetClock] using [time.Now].
	SystemClock SystemClock

	// TLSEngine creates TLS sessions for [*TCPConnection].
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:           &net.Dialer{},
		ErrClassifier:    DefaultErrClassifier,
		ListenConfig:     newListenConfig(),
		PollInterval:     DefaultPollInterval,
		Resolver:         net.DefaultResolver,
		StationConnected: func() bool { return true },
		SystemClock:      NewOffsetClock(time.Now),
		TLSEngine:        TLSEngineStdlib{},
		TimeNow:          time.Now,
	}
}
