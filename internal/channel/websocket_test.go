package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/domain"
)

type wsHarness struct {
	ws     *WebSocketChannel
	bus    *captureBus
	server *httptest.Server
}

func newWSHarness(t *testing.T, actions ActionConfig) *wsHarness {
	t.Helper()
	return newWSHarnessConfig(t, WSConfig{Actions: actions})
}

func newWSHarnessConfig(t *testing.T, cfg WSConfig) *wsHarness {
	t.Helper()
	cfg.Logger = testLogger()
	ws := NewWebSocketChannel(cfg)
	b := newCaptureBus()
	ws.Attach(b)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		_ = ws.Stop()
		srv.Close()
	})
	return &wsHarness{ws: ws, bus: b, server: srv}
}

func (h *wsHarness) dial(t *testing.T, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	if chatID != "" {
		url += "?chat_id=" + chatID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	status := readWS(t, conn)
	require.Equal(t, "status", status.Type)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func (h *wsHarness) waitPublished(t *testing.T, n int) []domain.InboundMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.bus.Published()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.bus.Published()
}

func (h *wsHarness) clientCount() int {
	h.ws.mu.RLock()
	defer h.ws.mu.RUnlock()
	return len(h.ws.clients)
}

func TestWebSocket_ConnectDefaultsToGeneral(t *testing.T) {
	h := newWSHarness(t, ActionConfig{})
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readWS(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.Equal(t, "connected", status.Content)
	assert.Equal(t, DefaultChat, status.ChatID)
}

func TestWebSocket_MessagePublishes(t *testing.T) {
	h := newWSHarness(t, ActionConfig{})
	conn := h.dial(t, "team")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "message", Content: "hello", UserID: "u1"}))

	got := h.waitPublished(t, 1)
	assert.Equal(t, "websocket", got[0].Channel)
	assert.Equal(t, "team", got[0].ChatID)
	assert.Equal(t, "u1", got[0].SenderID)
	assert.Equal(t, "hello", got[0].Content)
}

func TestWebSocket_OutboundGoesToChatOnly(t *testing.T) {
	h := newWSHarness(t, ActionConfig{})
	general := h.dial(t, "")
	other := h.dial(t, "other")
	require.Eventually(t, func() bool { return h.clientCount() == 2 }, time.Second, 5*time.Millisecond)

	msg := commandMessage()
	msg.ChatID = DefaultChat
	h.bus.SendOutbound(domain.OutboundEvent{ChatID: DefaultChat, Kind: domain.OutboundNew, Message: msg})
	h.bus.SendOutbound(domain.OutboundEvent{ChatID: DefaultChat, Kind: domain.OutboundRemove, Message: domain.Message{ID: "m1"}})

	got := readWS(t, general)
	assert.Equal(t, "message", got.Type)
	assert.Equal(t, "m1", got.MessageID)
	require.NotNil(t, got.Message)
	assert.Len(t, got.Message.Actions, 2)

	got = readWS(t, general)
	assert.Equal(t, "remove", got.Type)
	assert.Equal(t, "m1", got.MessageID)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "a client in another chat must not receive the event")
}

func TestWebSocket_TypingBroadcast(t *testing.T) {
	h := newWSHarness(t, ActionConfig{})
	a := h.dial(t, "")
	b := h.dial(t, "")
	require.Eventually(t, func() bool { return h.clientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteJSON(WSMessage{Type: "typing", UserID: "alice"}))

	got := readWS(t, b)
	assert.Equal(t, "typing", got.Type)
	assert.Equal(t, "alice", got.UserID)
}

func TestWebSocket_Action(t *testing.T) {
	inv := &stubInvoker{}
	h := newWSHarness(t, ActionConfig{Invoker: inv, Lookup: lookupFrom(commandMessage())})
	conn := h.dial(t, "")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "action", MessageID: "m1", Name: "command_action", Value: "send"}))

	require.Eventually(t, func() bool { return len(inv.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, invocation{MessageID: "m1", Name: "command_action", Value: "send"}, inv.Calls()[0])
}

func TestWebSocket_Errors(t *testing.T) {
	h := newWSHarness(t, ActionConfig{Invoker: &stubInvoker{}, Lookup: lookupFrom()})
	conn := h.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	got := readWS(t, conn)
	assert.Equal(t, "error", got.Type)
	assert.Equal(t, "invalid JSON", got.Content)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "bogus"}))
	got = readWS(t, conn)
	assert.Equal(t, "error", got.Type)
	assert.Contains(t, got.Content, "bogus")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "action", MessageID: "missing"}))
	got = readWS(t, conn)
	assert.Equal(t, "error", got.Type)
	assert.Equal(t, "missing", got.MessageID)
}

func TestWebSocket_OriginAllowList(t *testing.T) {
	h := newWSHarnessConfig(t, WSConfig{AllowedOrigins: []string{"https://chat.example.com"}})
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://chat.example.com"}})
	require.NoError(t, err)
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "clients without an Origin header are accepted")
	conn.Close()
}

func TestWebSocket_HistoryBackfill(t *testing.T) {
	var askedChat string
	var askedLimit int
	h := newWSHarnessConfig(t, WSConfig{
		HistoryLimit: 7,
		History: func(_ context.Context, chatID string, limit int) ([]domain.Message, error) {
			askedChat, askedLimit = chatID, limit
			return []domain.Message{{ID: "old1", Text: "first"}, {ID: "old2", Text: "second"}}, nil
		},
	})
	conn := h.dial(t, "team")

	first := readWS(t, conn)
	second := readWS(t, conn)
	assert.Equal(t, "message", first.Type)
	assert.Equal(t, "old1", first.MessageID)
	require.NotNil(t, second.Message)
	assert.Equal(t, "second", second.Message.Text)
	assert.Equal(t, "team", askedChat)
	assert.Equal(t, 7, askedLimit)
}

func TestWebSocket_HistoryErrorStillConnects(t *testing.T) {
	h := newWSHarnessConfig(t, WSConfig{
		History: func(context.Context, string, int) ([]domain.Message, error) { return nil, errNotFound },
	})
	conn := h.dial(t, "")

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "message", Content: "still works"}))
	got := h.waitPublished(t, 1)
	assert.Equal(t, "still works", got[0].Content)
}
