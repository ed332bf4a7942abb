package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"browserbridge-mcp-server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent"
}

func dialAgent(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	return ws
}

// fakeAgent reads call frames and answers them via the supplied function.
func fakeAgent(t *testing.T, ws *websocket.Conn, reply func(protocol.Frame) *protocol.Frame) {
	t.Helper()
	go func() {
		for {
			var frame protocol.Frame
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			if !frame.IsCall() {
				continue
			}
			if out := reply(frame); out != nil {
				_ = ws.WriteJSON(out)
			}
		}
	}()
}

func TestCallWithNoAgentFailsImmediately(t *testing.T) {
	h := NewHub(30*time.Second, time.Minute, "", nil)

	start := time.Now()
	_, err := h.Call(context.Background(), "navigate", map[string]string{"url": "https://example.com"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrAgentUnavailable), "got %v", err)
	assert.Less(t, elapsed, time.Second, "no-agent failure must not wait out the call timeout")
}

func TestCallCorrelation(t *testing.T) {
	h := NewHub(5*time.Second, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	defer ws.Close()

	fakeAgent(t, ws, func(call protocol.Frame) *protocol.Frame {
		out := protocol.NewReply(call.ID, map[string]string{"echo": call.Method})
		return &out
	})

	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	raw, err := h.Call(context.Background(), "get-page-state", nil)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "get-page-state", result["echo"])
	assert.Equal(t, 0, h.PendingCount())
}

func TestCallTimeoutAndLateReply(t *testing.T) {
	h := NewHub(150*time.Millisecond, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	defer ws.Close()

	var captured protocol.Frame
	got := make(chan struct{})
	fakeAgent(t, ws, func(call protocol.Frame) *protocol.Frame {
		captured = call
		close(got)
		return nil // never reply in time
	})

	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	start := time.Now()
	_, err := h.Call(context.Background(), "click-element", map[string]string{"element_id": "q1"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, protocol.IsCode(err, protocol.ErrToolCallTimeout), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, 0, h.PendingCount())

	// A reply arriving after the timeout must be ignored without crashing.
	<-got
	late := protocol.NewReply(captured.ID, map[string]string{"too": "late"})
	require.NoError(t, ws.WriteJSON(late))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.PendingCount())
	assert.True(t, h.Connected())
}

func TestUnmatchedReplyIsNoOp(t *testing.T) {
	h := NewHub(time.Second, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	defer ws.Close()
	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	stray := protocol.NewReply("never-issued", map[string]string{"x": "y"})
	require.NoError(t, ws.WriteJSON(stray))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.Connected(), "stray reply must not tear down the link")
}

func TestRegisterAndDisconnectLifecycle(t *testing.T) {
	h := NewHub(time.Second, time.Minute, "", nil)

	type notification struct {
		tools     int
		connected bool
	}
	notes := make(chan notification, 4)
	h.OnRegister(func(tools []protocol.ToolSpec, connected bool) {
		notes <- notification{len(tools), connected}
	})

	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	reg := protocol.Frame{
		Type: protocol.TypeRegister,
		Tools: []protocol.ToolSpec{
			{Name: "navigate", Description: "go", InputSchema: map[string]interface{}{"type": "object"}},
			{Name: "custom-tool", Description: "extra", InputSchema: map[string]interface{}{"type": "object"}},
		},
	}
	require.NoError(t, ws.WriteJSON(reg))

	select {
	case n := <-notes:
		assert.Equal(t, notification{2, true}, n)
	case <-time.After(time.Second):
		t.Fatal("register notification never arrived")
	}
	assert.Len(t, h.Tools(), 2)

	ws.Close()
	select {
	case n := <-notes:
		assert.Equal(t, notification{0, false}, n)
	case <-time.After(time.Second):
		t.Fatal("disconnect notification never arrived")
	}

	// Closed link clears the registered list; the fallback surface returns.
	names := map[string]bool{}
	for _, tool := range h.Tools() {
		names[tool.Name] = true
	}
	assert.True(t, names["discover-elements"], "fallback surface expected after disconnect")
	assert.False(t, names["custom-tool"])
}

func TestDisconnectRejectsInFlightCalls(t *testing.T) {
	h := NewHub(10*time.Second, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	fakeAgent(t, ws, func(protocol.Frame) *protocol.Frame { return nil })
	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.Call(context.Background(), "navigate", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	ws.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, protocol.IsCode(err, protocol.ErrAgentUnavailable), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not rejected on disconnect")
	}
}

func TestSecondAgentRejected(t *testing.T) {
	h := NewHub(time.Second, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	ws := dialAgent(t, ts, nil)
	defer ws.Close()
	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConcurrentAgentDialsKeepOneConnection(t *testing.T) {
	h := NewHub(time.Second, 20*time.Millisecond, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	// All dials race the connection slot; losers are either refused at
	// the pre-upgrade check or closed right after the upgrade.
	conns := make(chan *websocket.Conn, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil); err == nil {
				conns <- ws
			}
		}()
	}
	wg.Wait()
	close(conns)

	open := 0
	for ws := range conns {
		// Only the winning socket stays attached and receives heartbeats.
		_ = ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var frame protocol.Frame
		if err := ws.ReadJSON(&frame); err == nil {
			open++
		}
		ws.Close()
	}
	assert.Equal(t, 1, open, "exactly one agent link must survive the race")
}

func TestAuthToken(t *testing.T) {
	h := NewHub(time.Second, time.Minute, "hunter2", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set(AuthHeader, "hunter2")
	ws := dialAgent(t, ts, header)
	defer ws.Close()
	require.Eventually(t, h.Connected, time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHub(time.Second, time.Minute, "", nil)
	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, false, status["connected"])
	assert.Equal(t, float64(0), status["tools"])
	assert.Contains(t, status, "uptime_seconds")
}

func TestFallbackToolsSurface(t *testing.T) {
	tools := FallbackTools()
	require.NotEmpty(t, tools)

	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.Description, "tool %s needs a description", tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], "tool %s schema", tool.Name)
	}
	for _, want := range []string{"navigate", "discover-elements", "detail-elements", "click-element", "fill-element", "open-tabs-batch", "list-tabs", "activate-tab", "get-page-state"} {
		assert.True(t, names[want], "missing fallback tool %s", want)
	}
}
