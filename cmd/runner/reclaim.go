package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stator/internal/config"
	"stator/internal/telemetry"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Clear every expired lease once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load(viper.GetViper())
		logger := telemetry.NewLogger(cfg.LogLevel, "runner")
		ctx := context.Background()

		a, r, err := newRunner(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := r.Reclaim(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d expired leases\n", n)
		return nil
	},
}
