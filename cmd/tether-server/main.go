package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luciancaetano/tether/internal/chat"
	"github.com/luciancaetano/tether/internal/config"
	"github.com/luciancaetano/tether/internal/logging"
	"github.com/luciancaetano/tether/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tether-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a .toml or .yaml config file")
	addr := flag.String("addr", "", "Override the listen address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := logging.New("tether-server", cfg.ToLogging())

	room := chat.NewRoom(logger)
	serverCfg := cfg.ToServer(&logger)
	serverCfg.OnConnect = room.Join
	serverCfg.OnDisconnect = room.Leave
	server := ws.New(serverCfg)
	room.Bind(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info().Str("addr", cfg.Server.Addr).Msg("chat server running, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(stopCtx)
}
