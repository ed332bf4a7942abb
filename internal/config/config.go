package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the bridge and agent binaries.
// Both load the same file; each reads only its own sections.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MCP       MCPConfig       `yaml:"mcp"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Agent     AgentConfig     `yaml:"agent"`
	Browser   BrowserConfig   `yaml:"browser"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Inject    InjectConfig    `yaml:"inject"`
	Batch     BatchConfig     `yaml:"batch"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// BridgeConfig configures the agent-facing side of the bridge process.
type BridgeConfig struct {
	// Listen address for the agent WebSocket and health endpoints.
	AgentAddr string `yaml:"agent_addr"`
	// Optional shared token the agent must present when connecting.
	// The BRIDGE_AUTH_TOKEN env var overrides this.
	AuthToken string `yaml:"auth_token"`
	// How long a forwarded call may remain unanswered (e.g. "30s").
	CallTimeout string `yaml:"call_timeout"`
	// Interval between liveness pings to the agent (e.g. "15s").
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	// Optional directory for rotating wire-frame traces; empty disables.
	TraceDir string `yaml:"trace_dir"`
}

// AgentConfig configures the agent's connection back to the bridge.
type AgentConfig struct {
	// Bridge WebSocket endpoint, e.g. "ws://127.0.0.1:8765/agent".
	// The BRIDGE_AGENT_URL env var overrides this.
	BridgeURL string `yaml:"bridge_url"`
	// Reconnect backoff base delay (e.g. "5s").
	ReconnectBase string `yaml:"reconnect_base"`
	// Reconnect backoff cap (e.g. "30s").
	ReconnectCap string `yaml:"reconnect_cap"`
	// Attempts before reconnection stops and must be triggered manually.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// Interval between heartbeat pings to the bridge (e.g. "15s").
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	// Probe timeout when checking a page for a live helper (e.g. "2s").
	ProbeTimeout string `yaml:"probe_timeout"`
	// Bounded probe/inject/re-probe attempts per dispatch.
	InjectAttempts int `yaml:"inject_attempts"`
	// Settle delay between helper injection and re-probe (e.g. "500ms").
	InjectSettle string `yaml:"inject_settle"`
}

// BrowserConfig configures how the agent attaches to or launches Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode.
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
}

// DiscoveryConfig tunes the two-phase element discovery engine.
type DiscoveryConfig struct {
	// Optional YAML file of pattern rules merged over the built-in set.
	PatternsPath string `yaml:"patterns_path"`
	// Cap on candidates scored in the quick viewport scan (default: 10).
	MaxQuick int `yaml:"max_quick"`
	// Cap on elements returned by the detailed phase (default: 30).
	MaxDetailed int `yaml:"max_detailed"`
}

// InjectConfig tunes the input-injection state machine.
type InjectConfig struct {
	// Settle delay before verification after a bypass sequence (e.g. "300ms").
	SettleDelay string `yaml:"settle_delay"`
}

// BatchConfig bounds the batch tab orchestrator.
type BatchConfig struct {
	// Upper bound on URLs per batch request (default: 50).
	MaxURLs int `yaml:"max_urls"`
	// Default tabs created per chunk (default: 5).
	DefaultChunkSize int `yaml:"default_chunk_size"`
	// Delay between tabs inside a chunk (e.g. "150ms").
	ItemDelay string `yaml:"item_delay"`
	// Delay between chunks (e.g. "1s").
	ChunkDelay string `yaml:"chunk_delay"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "browserbridge-mcp",
			Version: "0.2.0",
			LogFile: "browserbridge-mcp.log",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Bridge: BridgeConfig{
			AgentAddr:         "127.0.0.1:8765",
			CallTimeout:       "30s",
			HeartbeatInterval: "15s",
		},
		Agent: AgentConfig{
			BridgeURL:            "ws://127.0.0.1:8765/agent",
			ReconnectBase:        "5s",
			ReconnectCap:         "30s",
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    "15s",
			ProbeTimeout:         "2s",
			InjectAttempts:       3,
			InjectSettle:         "500ms",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "15s",
		},
		Discovery: DiscoveryConfig{
			MaxQuick:    10,
			MaxDetailed: 30,
		},
		Inject: InjectConfig{
			SettleDelay: "300ms",
		},
		Batch: BatchConfig{
			MaxURLs:          50,
			DefaultChunkSize: 5,
			ItemDelay:        "150ms",
			ChunkDelay:       "1s",
		},
	}
}

// Load reads YAML config from disk and overlays defaults. Env overrides for
// secrets are applied last so a .env file can carry them.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_AUTH_TOKEN"); v != "" {
		c.Bridge.AuthToken = v
	}
	if v := os.Getenv("BRIDGE_AGENT_URL"); v != "" {
		c.Agent.BridgeURL = v
	}
}

// Validate ensures required fields exist so the binaries start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Bridge.AgentAddr == "" {
		return errors.New("bridge.agent_addr is required")
	}
	if c.Agent.BridgeURL == "" {
		return errors.New("agent.bridge_url is required")
	}
	if c.Agent.MaxReconnectAttempts < 0 {
		return errors.New("agent.max_reconnect_attempts must not be negative")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetCallTimeout returns the parsed forwarded-call timeout (default 30s).
func (b BridgeConfig) GetCallTimeout() time.Duration {
	return parseDuration(b.CallTimeout, 30*time.Second)
}

// GetHeartbeatInterval returns the parsed bridge heartbeat interval (default 15s).
func (b BridgeConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(b.HeartbeatInterval, 15*time.Second)
}

// GetReconnectBase returns the parsed backoff base delay (default 5s).
func (a AgentConfig) GetReconnectBase() time.Duration {
	return parseDuration(a.ReconnectBase, 5*time.Second)
}

// GetReconnectCap returns the parsed backoff cap (default 30s).
func (a AgentConfig) GetReconnectCap() time.Duration {
	return parseDuration(a.ReconnectCap, 30*time.Second)
}

// GetHeartbeatInterval returns the parsed agent heartbeat interval (default 15s).
func (a AgentConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(a.HeartbeatInterval, 15*time.Second)
}

// GetProbeTimeout returns the parsed helper probe timeout (default 2s).
func (a AgentConfig) GetProbeTimeout() time.Duration {
	return parseDuration(a.ProbeTimeout, 2*time.Second)
}

// GetInjectAttempts returns the bounded probe/inject attempt count (default 3).
func (a AgentConfig) GetInjectAttempts() int {
	if a.InjectAttempts <= 0 {
		return 3
	}
	return a.InjectAttempts
}

// GetInjectSettle returns the settle delay after injection (default 500ms).
func (a AgentConfig) GetInjectSettle() time.Duration {
	return parseDuration(a.InjectSettle, 500*time.Millisecond)
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetMaxQuick returns the quick-scan candidate cap (default 10).
func (d DiscoveryConfig) GetMaxQuick() int {
	if d.MaxQuick <= 0 {
		return 10
	}
	return d.MaxQuick
}

// GetMaxDetailed returns the detailed-phase element cap (default 30).
func (d DiscoveryConfig) GetMaxDetailed() int {
	if d.MaxDetailed <= 0 {
		return 30
	}
	return d.MaxDetailed
}

// GetSettleDelay returns the injection settle delay (default 300ms).
func (i InjectConfig) GetSettleDelay() time.Duration {
	return parseDuration(i.SettleDelay, 300*time.Millisecond)
}

// GetMaxURLs returns the batch URL cap (default 50).
func (b BatchConfig) GetMaxURLs() int {
	if b.MaxURLs <= 0 {
		return 50
	}
	return b.MaxURLs
}

// GetDefaultChunkSize returns the default batch chunk size (default 5).
func (b BatchConfig) GetDefaultChunkSize() int {
	if b.DefaultChunkSize <= 0 {
		return 5
	}
	return b.DefaultChunkSize
}

// GetItemDelay returns the intra-chunk delay (default 150ms).
func (b BatchConfig) GetItemDelay() time.Duration {
	return parseDuration(b.ItemDelay, 150*time.Millisecond)
}

// GetChunkDelay returns the inter-chunk delay (default 1s).
func (b BatchConfig) GetChunkDelay() time.Duration {
	return parseDuration(b.ChunkDelay, time.Second)
}
