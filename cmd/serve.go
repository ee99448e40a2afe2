package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/social-publisher/internal/app"
	"github.com/jmehdipour/social-publisher/internal/db"
	httpSrv "github.com/jmehdipour/social-publisher/internal/http"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.FromCommand(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		// attempt history is optional; without ClickHouse the endpoint is not mounted
		var chDB *sqlx.DB
		if a.Cfg.ClickHouse.DSN != "" {
			chDB, err = db.NewClickHouse(a.Cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
		}

		server := httpSrv.NewServer(a.Cfg, a.MySQL, chDB, a.Redis, a.Scheduler, a.Log.Named("http"))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(a.Cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			a.Log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				a.Log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}
