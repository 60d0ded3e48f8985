// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/context-proxy/pkg/config"
	"github.com/go-core-stack/context-proxy/pkg/plugins/audit"
)

func newAuditCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent exchanges recorded in the audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dbPath = cfg.AuditDB
			}
			if dbPath == "" {
				return errors.New("no audit database: set --db or CONTEXT_PROXY_AUDIT_DB")
			}

			store, err := audit.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range recs {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit database path (default CONTEXT_PROXY_AUDIT_DB)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of exchanges to list")
	return cmd
}
