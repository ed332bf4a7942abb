// Package mcpserver exposes the bridge's tool surface over MCP, on stdio
// for CLI clients and optionally over SSE.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpgo "github.com/mark3labs/mcp-go/server"

	"browserbridge-mcp-server/internal/bridge"
	"browserbridge-mcp-server/internal/config"
	"browserbridge-mcp-server/internal/protocol"
)

// Server forwards MCP tool calls through the hub to the connected agent.
// Its tool list follows the agent: registration swaps in the agent's
// surface, disconnect swaps the fallback surface back so tools/list never
// comes up empty.
type Server struct {
	cfg       config.Config
	hub       *bridge.Hub
	mcpServer *mcpgo.MCPServer
}

func NewServer(cfg config.Config, hub *bridge.Hub) *Server {
	mcpSrv := mcpgo.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpgo.WithToolCapabilities(true),
		mcpgo.WithLogging(),
		mcpgo.WithRecovery(),
	)

	s := &Server{cfg: cfg, hub: hub, mcpServer: mcpSrv}
	s.setTools(hub.Tools())
	hub.OnRegister(func(tools []protocol.ToolSpec, connected bool) {
		if connected {
			log.Printf("agent registered %d tools", len(tools))
			s.setTools(tools)
			return
		}
		log.Printf("agent disconnected, restoring fallback tool surface")
		s.setTools(hub.Tools())
	})
	return s
}

func (s *Server) setTools(specs []protocol.ToolSpec) {
	tools := make([]mcpgo.ServerTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, mcpgo.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(spec.Name, spec.Description, schema),
			Handler: s.forwardTool(spec.Name),
		})
	}
	s.mcpServer.SetTools(tools...)
}

// forwardTool relays one tool call over the agent socket. Failures come
// back as structured in-band errors, never as protocol-level panics: the
// client should read the code and react, not retry blindly.
func (s *Server) forwardTool(name string) mcpgo.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := s.hub.Call(ctx, name, args)
		if err != nil {
			payload, _ := json.Marshal(protocol.AsError(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(string(payload))},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(result))},
			IsError: false,
		}, nil
	}
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpgo.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful
// shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpgo.NewSSEServer(s.mcpServer, mcpgo.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// CallTool executes a tool by name against the hub directly. Used by
// tests and diagnostics.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := s.hub.Call(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return result, nil
}
