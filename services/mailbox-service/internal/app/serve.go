package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mailbox HTTP API",
	Long:  "Serves authorization, sync, send and attachment endpoints until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		svc, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
			if err := svc.store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		router, err := api.NewRouter(api.Deps{
			Store:       svc.store,
			Connections: svc.conns,
			Sync:        svc.sync,
			Send:        svc.send,
			Attachments: svc.proxy,
			Config:      svc.cfg.API,
			Logger:      svc.logger,
		})
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              svc.cfg.API.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		errChan := make(chan error, 1)
		go func() {
			svc.logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
			close(errChan)
		}()

		select {
		case <-sigChan:
			fmt.Println("\nShutting down gracefully...")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				fmt.Println("Warning: Some requests may not have completed")
			}
			return nil
		case err := <-errChan:
			return err
		}
	},
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "Run migrations before serving")
	rootCmd.AddCommand(serveCmd)
}
