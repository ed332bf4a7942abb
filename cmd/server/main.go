package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"browserbridge-mcp-server/internal/bridge"
	"browserbridge-mcp-server/internal/config"
	"browserbridge-mcp-server/internal/mcpserver"
	"browserbridge-mcp-server/internal/recorder"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the bridge config file")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	var rec *recorder.Recorder
	if cfg.Bridge.TraceDir != "" {
		rec, err = recorder.NewRecorder(cfg.Bridge.TraceDir)
		if err != nil {
			log.Fatalf("failed to initialize wire recorder: %v", err)
		}
		defer rec.Close()
	}

	hub := bridge.NewHub(
		cfg.Bridge.GetCallTimeout(),
		cfg.Bridge.GetHeartbeatInterval(),
		cfg.Bridge.AuthToken,
		rec,
	)

	agentSrv := &http.Server{Addr: cfg.Bridge.AgentAddr, Handler: hub.Handler()}
	go func() {
		log.Printf("agent endpoint listening on %s", cfg.Bridge.AgentAddr)
		if err := agentSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("agent listener failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = agentSrv.Shutdown(shutdownCtx)
	}()

	server := mcpserver.NewServer(cfg, hub)

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
