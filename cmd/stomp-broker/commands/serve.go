package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/server"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/session"
	"github.com/life-stream-dev/life-stream-go-stomp-broker/internal/subscription"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg config.Config) (err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleaner := event.NewCleaner(logger.Init(cfg.DebugMode, cfg.LogDir))
	defer func() {
		err = errors.Join(err, cleaner.Clean())
	}()
	logger.Debug("Application initializing...")

	store, err := database.Open(ctx, cfg)
	if err != nil {
		logger.FatalF("Error occured while initializing credential store, details: %v", err)
		return err
	}
	cleaner.Add(database.NewCloseCallback(store))

	broker := protocol.NewBroker(
		connection.NewConnectionManager(subscription.NewIndex()),
		session.NewGuard(),
		store,
		cfg.Store.Timeout(),
	)
	srv := server.NewServer(cfg.Server, broker)
	cleaner.Add(srv)

	if err := srv.Serve(ctx); err != nil {
		logger.FatalF("STOMP Server Start error: %v", err)
		return err
	}
	logger.Info("Received interrupt signal, shutting down")
	return nil
}
