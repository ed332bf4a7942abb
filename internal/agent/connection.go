package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"browserbridge-mcp-server/internal/bridge"
	"browserbridge-mcp-server/internal/protocol"
)

// Connection states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Caller executes forwarded tool calls and reports the tool surface to
// register. The dispatcher implements it.
type Caller interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
	Tools() []protocol.ToolSpec
}

// ConnectionManager keeps one websocket to the bridge alive, registering
// the tool surface on every (re)connect and answering forwarded calls.
// Reconnects back off exponentially from base to cap; a zero max attempt
// count retries forever.
type ConnectionManager struct {
	url         string
	authToken   string
	base        time.Duration
	cap         time.Duration
	maxAttempts int
	heartbeat   time.Duration
	handler     Caller

	dialer *websocket.Dialer
	sleep  func(context.Context, time.Duration) error

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   State
}

func NewConnectionManager(url, authToken string, base, cap time.Duration, maxAttempts int, heartbeat time.Duration, handler Caller) *ConnectionManager {
	return &ConnectionManager{
		url:         url,
		authToken:   authToken,
		base:        base,
		cap:         cap,
		maxAttempts: maxAttempts,
		heartbeat:   heartbeat,
		handler:     handler,
		dialer:      websocket.DefaultDialer,
		sleep:       sleepCtx,
	}
}

// State reports the current connection state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// backoffDelay is the wait before reconnect attempt n (0-based):
// min(base<<n, cap).
func (m *ConnectionManager) backoffDelay(attempt int) time.Duration {
	d := m.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.cap {
			return m.cap
		}
	}
	if d > m.cap {
		return m.cap
	}
	return d
}

// Run dials and serves until ctx is cancelled or the attempt limit is
// exhausted. A successful registration resets the attempt counter, so a stable
// link that later drops starts its backoff from the base again.
func (m *ConnectionManager) Run(ctx context.Context) error {
	attempt := 0
	for {
		m.setState(StateConnecting)
		registered, err := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			m.setState(StateClosed)
			return ctx.Err()
		}
		if registered {
			// The link was up and registered; this drop starts a fresh
			// backoff sequence rather than continuing the old one.
			attempt = 0
		}
		if err != nil {
			log.Printf("bridge link lost: %v", err)
		}

		m.setState(StateDisconnected)
		delay := m.backoffDelay(attempt)
		attempt++
		if m.maxAttempts > 0 && attempt > m.maxAttempts {
			m.setState(StateClosed)
			return fmt.Errorf("gave up after %d reconnect attempts: %w", m.maxAttempts, err)
		}
		log.Printf("reconnecting to bridge in %s (attempt %d)", delay, attempt)
		if err := m.sleep(ctx, delay); err != nil {
			m.setState(StateClosed)
			return err
		}
	}
}

func (m *ConnectionManager) connectAndServe(ctx context.Context) (registered bool, err error) {
	header := http.Header{}
	if m.authToken != "" {
		header.Set(bridge.AuthHeader, m.authToken)
	}
	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %s: %w", m.url, resp.Status, err)
		}
		return false, fmt.Errorf("dial %s: %w", m.url, err)
	}
	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
	}()

	if err := m.writeFrame(protocol.Frame{Type: protocol.TypeRegister, Tools: m.handler.Tools()}); err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	log.Printf("registered %d tools with bridge at %s", len(m.handler.Tools()), m.url)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.heartbeatLoop(serveCtx, conn)
	go func() {
		// The dial context only covers the handshake; closing the socket
		// here is what unblocks the read loop on shutdown.
		<-serveCtx.Done()
		conn.Close()
	}()

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		m.handleFrame(serveCtx, frame)
	}
}

func (m *ConnectionManager) handleFrame(ctx context.Context, frame protocol.Frame) {
	switch {
	case frame.Type == protocol.TypePing:
		if err := m.writeFrame(protocol.NewPong()); err != nil {
			log.Printf("pong write failed: %v", err)
		}
	case frame.Type == protocol.TypePong:
		// Liveness only.
	case frame.IsCall():
		// Calls run concurrently: a slow page operation must not starve
		// the read loop or the heartbeat.
		go m.serveCall(ctx, frame)
	}
}

func (m *ConnectionManager) serveCall(ctx context.Context, frame protocol.Frame) {
	result, err := m.handler.Handle(ctx, frame.Method, frame.Params)
	var reply protocol.Frame
	if err != nil {
		reply = protocol.NewErrorReply(frame.ID, protocol.AsError(err))
	} else {
		reply = protocol.NewReply(frame.ID, result)
	}
	if err := m.writeFrame(reply); err != nil {
		log.Printf("reply write failed for call %s: %v", frame.ID, err)
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	if m.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeFrame(protocol.NewPing()); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (m *ConnectionManager) writeFrame(frame protocol.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
