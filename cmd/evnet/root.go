// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "evnet",
	Short: "Event-driven network stack tools",
	Long: `Evnet runs the components of the evnet stack on a single event loop.

Commands:
  dns      captive DNS server answering A queries with a fixed address
  ntp      query the time with SNTP
  serve    HTTP server answering every path
  get      fetch a URL with the event-driven HTTP client
  resolve  look up a name over UDP, TCP, TLS, or HTTPS

Logs are emitted as JSON on stderr; --verbose adds per-I/O events.`,
	SilenceUsage: true,
	Version:      "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Include per-I/O debug events in the logs")
}

// newLogger returns the logger selected by the --verbose flag.
func newLogger() evnet.SLogger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// runLoop runs setup on a new event loop and runs the loop until the
// context is done or the user interrupts. Setup receives a function that
// stops the loop.
func runLoop(ctx context.Context, cfg *evnet.Config, setup func(loop *evnet.EventLoop, stop func()) error) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	loop := evnet.NewEventLoop(cfg, newLogger())
	var setupErr error
	loop.Post(func() {
		if setupErr = setup(loop, cancel); setupErr != nil {
			cancel()
		}
	})
	err := loop.Run(ctx)
	if setupErr != nil {
		return setupErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
