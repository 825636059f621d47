// relay is the local endpoint bridges forward tokens to. It serves the
// bridge WebSocket at /ws and a small HTTP API alongside it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tokenbridge/tokenbridge/internal/config"
	"github.com/tokenbridge/tokenbridge/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		host       string
		port       int
		authToken  string
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "config.yaml", "path to config file (YAML, or JSON with comments)")
	flagSet.StringVar(&host, "host", "", "override listen host")
	flagSet.IntVar(&port, "port", 0, "override listen port")
	flagSet.StringVar(&authToken, "auth-token", "", "require this token on /ws and the /api routes")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if host != "" {
		cfg.Relay.Host = host
	}
	if port > 0 {
		cfg.Relay.Port = port
	}
	if authToken != "" {
		cfg.Relay.AuthToken = authToken
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := relay.NewStore()
	hub := relay.NewHub(logger, cfg.Relay.MaxConnections, cfg.Relay.PingInterval)
	defer hub.Stop()
	server := relay.NewServer(cfg.Relay, store, hub, logger)

	err = relay.ListenAndServe(ctx, cfg.Relay.Host, cfg.Relay.Port, server.Handler(), logger)
	logger.Info("relay stopped", "tokens", store.Count())
	return err
}
