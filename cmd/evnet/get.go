// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var (
	getHead     bool
	getInsecure bool
	getMaxBody  int
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Fetch a URL",
	Long: `Fetch an http or https URL over a single connection and print the
status line, the headers, and the body.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVarP(&getHead, "head", "I", false, "Send a HEAD request")
	getCmd.Flags().BoolVarP(&getInsecure, "insecure", "k", false, "Skip TLS certificate verification")
	getCmd.Flags().IntVar(&getMaxBody, "max-body", evnet.HTTPClientDefaultMaxResponseBody, "Largest accepted body")
}

func runGet(cmd *cobra.Command, args []string) error {
	method := http.MethodGet
	if getHead {
		method = http.MethodHead
	}
	req, err := evnet.NewHTTPRequest(method, args[0])
	if err != nil {
		return err
	}

	var (
		resp    *evnet.HTTPClientResponse
		respErr error
	)
	cfg := evnet.NewConfig()
	err = runLoop(cmd.Context(), cfg, func(loop *evnet.EventLoop, stop func()) error {
		client := evnet.NewHTTPClientConnection(loop, cfg, loop.Logger)
		client.MaxResponseBody = getMaxBody
		if getInsecure {
			client.TLSConfig = &tls.Config{InsecureSkipVerify: true}
		}
		return client.Send(req, func(r *evnet.HTTPClientResponse, err error) {
			resp, respErr = r, err
			stop()
		})
	})
	if err != nil {
		return err
	}
	if respErr != nil {
		return respErr
	}
	if resp == nil {
		return errors.New("interrupted")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HTTP/%d.%d %d %s\n", resp.ProtoMajor, resp.ProtoMinor, resp.StatusCode, resp.Reason)
	resp.Headers.Each(func(name, value string) {
		fmt.Fprintf(out, "%s: %s\n", name, value)
	})
	fmt.Fprintln(out)
	out.Write(resp.Body)
	return nil
}
