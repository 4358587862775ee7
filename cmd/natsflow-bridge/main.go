// Command natsflow-bridge runs the Listener and Sender workers of the bridge
// strategy. Application processes configured with NATSFLOW_STRATEGY=bridge and
// the same NATSFLOW_CLIENT_ID reach the bus through it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/natsflow"
)

func main() {
	logger := natsflow.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	if err := run(logger); err != nil {
		logger.Error("Bridge stopped", err, nil)
		os.Exit(1)
	}
}

func run(logger natsflow.ServiceLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := natsflow.ConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Strategy = natsflow.StrategyBridge
	cfg.BridgeEmbedWorkers = false
	if err := cfg.Validate(); err != nil {
		return err
	}
	resolved := cfg.WithDefaults()
	logger.Info("Starting bridge", natsflow.LogFields{"config": resolved})

	conn, err := natsflow.DialNATS(ctx, natsflow.DialOptions{
		Servers:        resolved.NATSURL,
		Name:           resolved.Name + "-bridge",
		MaxReconnects:  resolved.MaxReconnects,
		ReconnectWait:  resolved.ReconnectWait,
		ConnectTimeout: resolved.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}()

	store, err := natsflow.DialRedis(ctx, resolved.RedisURL, resolved.PollInterval)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	workers, err := natsflow.NewBridgeWorkers(natsflow.WorkerOptions{
		Conn:   conn,
		Store:  store,
		Config: &resolved,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	err = workers.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
