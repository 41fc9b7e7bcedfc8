package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stator/internal/config"
	"stator/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		ctx := context.Background()
		if cfg.StoreDriver == "redis" || cfg.StoreDriver == "memory" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s store has no schema to migrate\n", cfg.StoreDriver)
			return nil
		}

		st, err := store.Open(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.StoreDriver)
		return nil
	},
}
