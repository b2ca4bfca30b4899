package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the database schema",
	Long:  "Creates connection, mirror, annotation and audit tables. Safe to run repeatedly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		fmt.Println("Running migrations...")
		if err := svc.store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		fmt.Printf("✓ Database setup complete (%s)\n", svc.cfg.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
