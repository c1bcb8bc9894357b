package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentcore/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema (plans/tasks/tool_calls/oplog/rate_limit_usage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied to %s store\n", cfg.Store.Driver)
			return nil
		},
	}
}
