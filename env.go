// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/tools"
)

func newEnvCommand() *cobra.Command {
	var (
		baseURL string
		export  bool
	)
	cmd := &cobra.Command{
		Use:   "env <tool>",
		Short: "Print the environment that routes a tool through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				baseURL = cfg.BaseURL()
			}

			toolID := args[0]
			d := tools.Resolve(toolID, baseURL)
			out := cmd.OutOrStdout()
			switch {
			case d.NeedsMitm:
				fmt.Fprintf(out, "# %s hard-codes its endpoints; route it through TLS interception\n", toolID)
				return nil
			case !d.Supported():
				return fmt.Errorf("tool %q cannot be routed through the proxy", toolID)
			}

			prefix := ""
			if export {
				prefix = "export "
			}
			for _, kv := range d.Environ() {
				fmt.Fprintln(out, prefix+kv)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Proxy base URL (default from the proxy configuration)")
	cmd.Flags().BoolVar(&export, "export", false, "Prefix each line with export")
	return cmd
}
