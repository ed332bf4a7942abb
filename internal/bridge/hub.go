// Package bridge owns the agent-facing side of the bridge process: the
// WebSocket endpoint the browser agent connects to, the pending-call
// correlation table, heartbeats, and the advertised tool list.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"browserbridge-mcp-server/internal/protocol"
	"browserbridge-mcp-server/internal/recorder"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AuthHeader carries the optional shared token on the agent connection.
const AuthHeader = "x-bridge-token"

type pendingCall struct {
	result chan protocol.Frame
	timer  *time.Timer
}

// resolve delivers a reply without blocking. Timeout, disconnect, and a
// real reply can race; only the first outcome wins, the rest are dropped.
func (c *pendingCall) resolve(frame protocol.Frame) {
	select {
	case c.result <- frame:
	default:
	}
}

// RegisterListener is notified when the agent (re)announces its tool list
// or the link drops. Used by the MCP layer to refresh advertised tools.
type RegisterListener func(tools []protocol.ToolSpec, connected bool)

// Hub maintains exactly one logical channel to the browser agent and
// correlates forwarded calls with their replies. Replies arrive on the
// read-loop goroutine and may interleave with timeouts in either order;
// the pending table tolerates both. A reply for an unknown id is a no-op.
type Hub struct {
	mu      sync.Mutex
	writeMu sync.Mutex // serializes writes to conn

	conn    *websocket.Conn
	tools   []protocol.ToolSpec
	pending map[string]*pendingCall

	callTimeout time.Duration
	heartbeat   time.Duration
	authToken   string
	started     time.Time

	onRegister RegisterListener
	rec        *recorder.Recorder
	upgrader   websocket.Upgrader
}

// NewHub creates the agent hub. rec may be nil to disable frame tracing.
// Non-positive durations fall back to the config defaults.
func NewHub(callTimeout, heartbeat time.Duration, authToken string, rec *recorder.Recorder) *Hub {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		pending:     make(map[string]*pendingCall),
		callTimeout: callTimeout,
		heartbeat:   heartbeat,
		authToken:   authToken,
		started:     time.Now(),
		rec:         rec,
		upgrader: websocket.Upgrader{
			// The agent connects from the local machine; no browser Origin
			// is involved on this link.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnRegister installs the tool-list listener. Must be called before Handler
// starts serving.
func (h *Hub) OnRegister(fn RegisterListener) {
	h.onRegister = fn
}

// Handler returns the HTTP mux hosting the agent socket and health check.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent", h.handleAgentWS)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// Connected reports whether an agent socket is currently open.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Tools returns the agent's registered tool list, or the compiled-in
// fallback surface when no agent is connected. Dependent layers must treat
// this as ephemeral; it is cleared whenever the link drops.
func (h *Hub) Tools() []protocol.ToolSpec {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil || len(h.tools) == 0 {
		return FallbackTools()
	}
	out := make([]protocol.ToolSpec, len(h.tools))
	copy(out, h.tools)
	return out
}

// Call forwards a tool invocation to the agent and waits for its reply.
// Fails immediately with agent_unavailable when no socket is open, and with
// tool_call_timeout when the reply does not arrive within the call timeout.
// A reply arriving after the timeout is discarded as unmatched.
func (h *Hub) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, protocol.Wrapf(protocol.ErrValidation, "params not serializable: %v", err)
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return nil, protocol.Wrap(protocol.ErrAgentUnavailable,
			"no browser agent is connected; start the agent binary and point it at this bridge (see agent.bridge_url)")
	}

	id := uuid.NewString()
	call := &pendingCall{result: make(chan protocol.Frame, 1)}
	call.timer = time.AfterFunc(h.callTimeout, func() {
		h.removePending(id)
		call.resolve(protocol.NewErrorReply(id, protocol.Wrapf(protocol.ErrToolCallTimeout,
			"no reply for %s after %s", method, h.callTimeout)))
	})

	h.mu.Lock()
	h.pending[id] = call
	h.mu.Unlock()

	frame := protocol.Frame{ID: id, Method: method, Params: rawParams}
	if err := h.writeFrame(conn, frame); err != nil {
		h.removePending(id)
		call.timer.Stop()
		return nil, protocol.Wrapf(protocol.ErrAgentUnavailable, "agent socket write failed: %v", err)
	}

	select {
	case reply := <-call.result:
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Result, nil
	case <-ctx.Done():
		h.removePending(id)
		call.timer.Stop()
		return nil, ctx.Err()
	}
}

// handleAgentWS accepts the single agent connection. A second agent is
// rejected while one is attached.
func (h *Hub) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get(AuthHeader) != h.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		http.Error(w, "agent already connected", http.StatusConflict)
		return
	}
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("agent upgrade failed: %v", err)
		return
	}

	// Claim the slot under one lock: two dials can both pass the
	// pre-upgrade check, and only one may own the connection.
	h.mu.Lock()
	if h.conn != nil {
		h.mu.Unlock()
		log.Printf("concurrent agent connect from %s lost the race, closing", r.RemoteAddr)
		_ = ws.Close()
		return
	}
	h.conn = ws
	h.mu.Unlock()

	connID := uuid.NewString()[:8]
	log.Printf("agent connected from %s (conn %s)", r.RemoteAddr, connID)
	if h.rec != nil {
		if err := h.rec.Start(connID); err != nil {
			log.Printf("frame trace disabled: %v", err)
		}
	}

	stopBeat := make(chan struct{})
	go h.heartbeatLoop(ws, stopBeat)

	h.readLoop(ws)

	close(stopBeat)
	h.dropConn(ws, connID)
}

func (h *Hub) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("dropping malformed agent frame: %v", err)
			continue
		}
		if h.rec != nil {
			h.rec.Log("in", frame.ID, json.RawMessage(raw))
		}
		h.handleFrame(ws, frame)
	}
}

func (h *Hub) handleFrame(ws *websocket.Conn, frame protocol.Frame) {
	switch {
	case frame.Type == protocol.TypeRegister:
		h.mu.Lock()
		h.tools = frame.Tools
		fn := h.onRegister
		h.mu.Unlock()
		log.Printf("agent registered %d tools", len(frame.Tools))
		if fn != nil {
			fn(frame.Tools, true)
		}

	case frame.Type == protocol.TypePing:
		if err := h.writeFrame(ws, protocol.NewPong()); err != nil {
			log.Printf("pong write failed: %v", err)
		}

	case frame.Type == protocol.TypePong:
		// liveness confirmed, nothing to track

	case frame.IsReply():
		h.mu.Lock()
		call := h.pending[frame.ID]
		delete(h.pending, frame.ID)
		h.mu.Unlock()
		if call == nil {
			// Stale or duplicate reply; order-independence requires this
			// to be a no-op rather than an error.
			return
		}
		call.timer.Stop()
		call.resolve(frame)

	default:
		log.Printf("dropping unexpected agent frame: type=%q id=%q method=%q", frame.Type, frame.ID, frame.Method)
	}
}

// heartbeatLoop pings the agent on a fixed interval. A write failure means
// the link is gone; closing the socket unwinds the read loop.
func (h *Hub) heartbeatLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.writeFrame(ws, protocol.NewPing()); err != nil {
				log.Printf("heartbeat failed, closing agent link: %v", err)
				_ = ws.Close()
				return
			}
		}
	}
}

// dropConn tears down connection state: pending calls are rejected so
// callers fail fast instead of waiting out the 30s timeout, and the tool
// list is cleared because tools are ephemeral per connection.
func (h *Hub) dropConn(ws *websocket.Conn, connID string) {
	_ = ws.Close()

	h.mu.Lock()
	if h.conn != ws {
		h.mu.Unlock()
		return
	}
	h.conn = nil
	h.tools = nil
	orphaned := h.pending
	h.pending = make(map[string]*pendingCall)
	fn := h.onRegister
	h.mu.Unlock()

	for id, call := range orphaned {
		call.timer.Stop()
		call.resolve(protocol.NewErrorReply(id, protocol.Wrap(protocol.ErrAgentUnavailable, "agent disconnected")))
	}

	log.Printf("agent disconnected (conn %s), %d in-flight calls rejected", connID, len(orphaned))
	if h.rec != nil {
		_ = h.rec.Close()
	}
	if fn != nil {
		fn(nil, false)
	}
}

func (h *Hub) writeFrame(ws *websocket.Conn, frame protocol.Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.rec != nil {
		h.rec.Log("out", frame.ID, frame)
	}
	return ws.WriteJSON(frame)
}

func (h *Hub) removePending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// handleHealth is the side-channel status endpoint for external monitoring.
// It is plain HTTP, deliberately outside the control protocol.
func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	connected := h.conn != nil
	toolCount := len(h.tools)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"connected":      connected,
		"tools":          toolCount,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// PendingCount reports outstanding forwarded calls (used by tests and the
// health surface).
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Describe returns a short operator-facing status line.
func (h *Hub) Describe() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return "no agent connected"
	}
	return fmt.Sprintf("agent connected, %d tools, %d calls in flight", len(h.tools), len(h.pending))
}
