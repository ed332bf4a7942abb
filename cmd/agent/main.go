package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"browserbridge-mcp-server/internal/agent"
	"browserbridge-mcp-server/internal/config"
	"browserbridge-mcp-server/internal/discovery"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the bridge config file")
	bridgeURL := flag.String("bridge-url", "", "Override the bridge WebSocket URL")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *bridgeURL != "" {
		cfg.Agent.BridgeURL = *bridgeURL
	}

	rules, err := discovery.LoadRules(cfg.Discovery.PatternsPath)
	if err != nil {
		log.Fatalf("failed to load discovery patterns: %v", err)
	}

	host := agent.NewRodHost(cfg.Browser)
	if err := host.Start(ctx); err != nil {
		log.Fatalf("failed to connect to browser: %v", err)
	}
	defer host.Close()

	dispatcher := agent.NewDispatcher(host, rules, cfg)
	manager := agent.NewConnectionManager(
		cfg.Agent.BridgeURL,
		cfg.Bridge.AuthToken,
		cfg.Agent.GetReconnectBase(),
		cfg.Agent.GetReconnectCap(),
		cfg.Agent.MaxReconnectAttempts,
		cfg.Agent.GetHeartbeatInterval(),
		dispatcher,
	)

	log.Printf("agent connecting to bridge at %s", cfg.Agent.BridgeURL)
	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agent exited with error: %v", err)
	}
}
