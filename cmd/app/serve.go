package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"karmaguard/internal/pkg/administrator"
	"karmaguard/internal/pkg/config"
	"karmaguard/internal/pkg/logger"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll configured subreddits and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if err := logger.InitLogger(cfg.LogLevel); err != nil {
				return err
			}
			defer logger.Log.Sync()
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	admin, err := administrator.New(cfg)
	if err != nil {
		return err
	}

	// Create a cancellable context so we can gracefully shut down.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := admin.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := admin.StartService(cfg.ServerPort); err != nil {
			logger.Log.Error("Admin service failed", zap.Error(err))
			cancel()
		}
	}()
	go admin.Run(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Log.Info("Received SIGHUP, reloading templates")
			_ = admin.ReloadTemplates()
		case <-ctx.Done():
			logger.Log.Info("Received stop signal, shutting down")
			admin.Stop()
			return nil
		}
	}
}
