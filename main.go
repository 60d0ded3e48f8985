// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set with -ldflags at build time

// errUnsafeOutput makes the process exit 1 without printing an error.
var errUnsafeOutput = errors.New("blocked URLs found")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errUnsafeOutput) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "context-proxy",
		Short:         "Intercepting reverse proxy for AI coding tools",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newEnvCommand(),
		newScanCommand(),
		newAuditCommand(),
	)
	return root
}
