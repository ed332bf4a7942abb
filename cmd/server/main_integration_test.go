package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"browserbridge-mcp-server/internal/bridge"
	"browserbridge-mcp-server/internal/config"
	"browserbridge-mcp-server/internal/mcpserver"
)

// Covers the wiring main() performs without actually running main().
func TestServerWiring(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := `server:
  name: bridge-test
  version: 0.0.1-test
bridge:
  agent_addr: 127.0.0.1:0
  call_timeout: 2s
  trace_dir: ` + filepath.Join(dir, "traces") + `
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.Server.Name != "bridge-test" {
		t.Errorf("server name = %q", cfg.Server.Name)
	}

	hub := bridge.NewHub(cfg.Bridge.GetCallTimeout(), cfg.Bridge.GetHeartbeatInterval(), cfg.Bridge.AuthToken, nil)
	server := mcpserver.NewServer(cfg, hub)

	// With no agent connected the forwarded call must fail fast with an
	// actionable message, not block for the call timeout.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	_, err = server.CallTool(ctx, "navigate", map[string]interface{}{"url": "https://example.org"})
	if err == nil {
		t.Fatal("expected agent_unavailable")
	}
	if !strings.Contains(err.Error(), "agent_unavailable") {
		t.Errorf("err = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("agent-less call took %v, should fail immediately", time.Since(start))
	}

	// The fallback surface stays visible while disconnected.
	if got := len(hub.Tools()); got != 9 {
		t.Errorf("fallback tools = %d, want 9", got)
	}
}
