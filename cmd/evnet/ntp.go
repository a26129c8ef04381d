// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var (
	ntpPort    uint16
	ntpTimeout time.Duration
)

var ntpCmd = &cobra.Command{
	Use:   "ntp [server]",
	Short: "Query the time with SNTP",
	Long: `Send SNTP requests to the server, retrying until a valid reply arrives
or the timeout expires, and print the time in the reply.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNTP,
}

func init() {
	rootCmd.AddCommand(ntpCmd)
	ntpCmd.Flags().Uint16Var(&ntpPort, "port", evnet.NTPPort, "Server UDP port")
	ntpCmd.Flags().DurationVar(&ntpTimeout, "timeout", 30*time.Second, "Give up after this time")
}

func runNTP(cmd *cobra.Command, args []string) error {
	server := evnet.NTPDefaultServer
	if len(args) > 0 {
		server = args[0]
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), ntpTimeout)
	defer cancel()

	var result time.Time
	cfg := evnet.NewConfig()
	err := runLoop(ctx, cfg, func(loop *evnet.EventLoop, stop func()) error {
		client := evnet.NewNTPClient(loop, cfg, server, 0, func(c *evnet.NTPClient, now time.Time) {
			result = now
			stop()
		}, loop.Logger)
		if ntpPort != evnet.NTPPort {
			client.SetNTPPort(ntpPort)
			client.RequestTime()
		}
		return nil
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no reply from %s within %s", server, ntpTimeout)
	}
	if err != nil {
		return err
	}
	if result.IsZero() {
		return errors.New("interrupted")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\toffset %s\n", server, result.Format(time.RFC3339),
		result.Sub(time.Now().Truncate(time.Second)))
	return nil
}
