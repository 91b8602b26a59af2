package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smsgate/smsgate/internal/migrations"
	"github.com/smsgate/smsgate/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Logging)
		ctx := cmd.Context()

		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		runner := migrations.NewRunner(pool, logger)
		if err := runner.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap migrations: %w", err)
		}
		applied, err := runner.Run(ctx)
		if err != nil {
			return err
		}

		if len(applied) == 0 {
			fmt.Println("No pending migrations.")
			return nil
		}
		for _, name := range applied {
			fmt.Printf("Applied %s\n", name)
		}
		return nil
	},
}
