// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bassosimone/evnet"
	"github.com/spf13/cobra"
)

var (
	servePort     uint16
	serveMessage  string
	serveRedirect string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an HTTP server answering every path",
	Long: `Serve a plain text page on every path, or redirect every path to
--redirect, as the web server of a captive portal does.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Uint16Var(&servePort, "port", 8080, "TCP port to listen on")
	serveCmd.Flags().StringVar(&serveMessage, "message", "Hello from evnet\n", "Body of the page")
	serveCmd.Flags().StringVar(&serveRedirect, "redirect", "", "Redirect every path to this URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := evnet.NewConfig()
	return runLoop(cmd.Context(), cfg, func(loop *evnet.EventLoop, stop func()) error {
		server := evnet.NewHTTPServer(loop, cfg, loop.Logger)
		server.SetDefaultResource(func(req *evnet.HTTPRequest, resp *evnet.HTTPResponse) {
			if serveRedirect != "" {
				resp.StatusCode = http.StatusFound
				resp.Headers.Set("Location", serveRedirect)
				return
			}
			resp.SetBodyString("text/plain; charset=utf-8", serveMessage)
		})
		if err := server.Listen(context.Background(), servePort); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", server.Addr())
		return nil
	})
}
