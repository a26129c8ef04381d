// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var (
	resolveServer   string
	resolveProtocol string
	resolveURL      string
	resolveTimeout  time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Look up the IPv4 addresses of a name",
	Long: `Send an A query for name to --server and print the addresses.

Protocols: udp, tcp, dot (DNS over TLS), doh (DNS over HTTPS, needs --url).`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringVar(&resolveServer, "server", "8.8.8.8:53", "Server address and port")
	resolveCmd.Flags().StringVar(&resolveProtocol, "protocol", string(evnet.DNSProtocolUDP), "udp, tcp, dot, or doh")
	resolveCmd.Flags().StringVar(&resolveURL, "url", "", "DNS-over-HTTPS URL")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", evnet.DefaultDNSResolverTimeout, "Lookup timeout")
}

func runResolve(cmd *cobra.Command, args []string) error {
	endpoint, err := netip.ParseAddrPort(resolveServer)
	if err != nil {
		return err
	}
	protocol := evnet.DNSProtocol(resolveProtocol)
	switch protocol {
	case evnet.DNSProtocolUDP, evnet.DNSProtocolTCP, evnet.DNSProtocolTLS:
	case evnet.DNSProtocolHTTPS:
		if resolveURL == "" {
			return fmt.Errorf("--url is required with --protocol doh")
		}
	default:
		return fmt.Errorf("unknown protocol: %s", resolveProtocol)
	}

	resolver := evnet.NewDNSResolver(evnet.NewConfig(), protocol, endpoint, newLogger())
	resolver.Timeout = resolveTimeout
	resolver.URL = resolveURL
	addrs, err := resolver.LookupNetIP(cmd.Context(), "ip4", args[0])
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Fprintln(cmd.OutOrStdout(), addr)
	}
	return nil
}
