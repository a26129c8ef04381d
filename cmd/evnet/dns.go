// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net/netip"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var (
	dnsPort    uint16
	dnsDomain  string
	dnsAddress string
	dnsTTL     uint32
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Run a captive DNS server",
	Long: `Answer A queries for --domain with --addr and reject every other name.

Use "*" as the domain to answer every name, as captive portals do.`,
	Args: cobra.NoArgs,
	RunE: runDNS,
}

func init() {
	rootCmd.AddCommand(dnsCmd)
	dnsCmd.Flags().Uint16Var(&dnsPort, "port", evnet.DNSDefaultPort, "UDP port to listen on")
	dnsCmd.Flags().StringVar(&dnsDomain, "domain", "*", "Domain to answer")
	dnsCmd.Flags().StringVar(&dnsAddress, "addr", "192.168.4.1", "IPv4 address returned in answers")
	dnsCmd.Flags().Uint32Var(&dnsTTL, "ttl", evnet.DNSDefaultTTL, "TTL of the answers in seconds")
}

func runDNS(cmd *cobra.Command, args []string) error {
	addr, err := netip.ParseAddr(dnsAddress)
	if err != nil {
		return err
	}
	cfg := evnet.NewConfig()
	return runLoop(cmd.Context(), cfg, func(loop *evnet.EventLoop, stop func()) error {
		server := evnet.NewDNSServer(loop, cfg, loop.Logger)
		server.SetTTL(dnsTTL)
		if !server.Start(dnsPort, dnsDomain, addr) {
			return fmt.Errorf("cannot start DNS server on port %d", dnsPort)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "answering %q with %s on %s\n", server.Domain(), addr, server.LocalAddr())
		return nil
	})
}
