// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/plugins/outputscan"
	"github.com/go-core-stack/context-proxy/pkg/scanner"
)

func newScanCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "scan [file]",
		Short: "Scan model output for blocklisted URLs; exits 1 when any are found",
		Long: "Scan reads a captured response body from file, or stdin when no file is given,\n" +
			"extracts the model text and reports URLs whose host is on the blocklist.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			blocked := outputscan.New(outputscan.Options{ExtraDomains: cfg.BlockedDomains}).BlockedDomains()
			result := scanner.Scan(outputscan.ExtractText(body, contentType), blocked)
			if result.Alerts == nil {
				result.Alerts = []scanner.Alert{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.IsSafe {
				return errUnsafeOutput
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type of the input, e.g. text/event-stream (sniffed when empty)")
	return cmd
}
