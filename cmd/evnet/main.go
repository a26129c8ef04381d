// SPDX-License-Identifier: GPL-3.0-or-later

// Command evnet exercises the evnet protocol stack from the command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "evnet: %s\n", err)
		os.Exit(1)
	}
}
