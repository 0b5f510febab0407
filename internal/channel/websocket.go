package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

const (
	wsMaxMessageSize = 64 << 10
	wsWriteWait      = 10 * time.Second
)

// HistoryFunc lists the latest messages of a chat, oldest first.
type HistoryFunc func(ctx context.Context, chatID string, limit int) ([]domain.Message, error)

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	Port    int
	Path    string // endpoint path (default: /ws)
	Actions ActionConfig
	// AllowedOrigins restricts browser Origin headers; empty allows any.
	AllowedOrigins []string
	// History, when set, backfills new clients with the chat's recent messages.
	History      HistoryFunc
	HistoryLimit int
	Logger       *slog.Logger
}

// WebSocketChannel lets browser clients join any hub chat. Clients pick the
// chat with the chat_id query parameter.
type WebSocketChannel struct {
	port         int
	path         string
	actions      ActionConfig
	history      HistoryFunc
	historyLimit int
	upgrader     websocket.Upgrader
	bus          domain.MessageBus
	logger       *slog.Logger
	server       *http.Server

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	conn   *websocket.Conn
	chatID string
	mu     sync.Mutex
}

// WSMessage is the JSON protocol for WebSocket communication.
//
// Client to server: "message" (content, user_id), "typing" (user_id) and
// "action" (message_id, name, value). Server to client: "status", "message",
// "update", "remove", "typing" and "error".
type WSMessage struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Value     string          `json:"value,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig) *WebSocketChannel {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &WebSocketChannel{
		port:         cfg.Port,
		path:         cfg.Path,
		actions:      cfg.Actions,
		history:      cfg.History,
		historyLimit: cfg.HistoryLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

func (ws *WebSocketChannel) Name() string { return "websocket" }

// Attach connects the channel to the bus without starting a server.
func (ws *WebSocketChannel) Attach(bus domain.MessageBus) {
	ws.bus = bus
	bus.OnOutbound(ws.Name(), ws.handleOutbound)
}

// Handler serves the WebSocket endpoint.
func (ws *WebSocketChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ws.path, ws.handleUpgrade)
	return mux
}

// Start begins the WebSocket server.
func (ws *WebSocketChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	ws.Attach(bus)

	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.port),
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "port", ws.port, "path", ws.path)

	return serve(ctx, ws.server, ws.closeAllClients)
}

// Stop closes every client connection.
func (ws *WebSocketChannel) Stop() error {
	ws.closeAllClients()
	return nil
}

func (ws *WebSocketChannel) handleOutbound(evt domain.OutboundEvent) {
	out := WSMessage{ChatID: evt.ChatID}
	switch evt.Kind {
	case domain.OutboundNew:
		out.Type = "message"
	case domain.OutboundUpdate:
		out.Type = "update"
	case domain.OutboundRemove:
		out.Type = "remove"
	case domain.OutboundTyping:
		out.Type = "typing"
		out.UserID = evt.UserID
	default:
		return
	}
	if evt.Kind != domain.OutboundTyping {
		msg := evt.Message
		out.Message = &msg
		out.MessageID = msg.ID
	}
	ws.broadcastToChat(evt.ChatID, out)
}

func (ws *WebSocketChannel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = DefaultChat
	}

	client := &wsClient{conn: conn, chatID: chatID}
	clientID := uuid.NewString()
	ws.mu.Lock()
	ws.clients[clientID] = client
	ws.mu.Unlock()
	metrics.WSConnections.Inc()

	ws.logger.Info("websocket client connected", "client_id", clientID, "chat_id", chatID)

	client.send(WSMessage{Type: "status", Content: "connected", ChatID: chatID})
	ws.backfill(r.Context(), client)

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, clientID)
		ws.mu.Unlock()
		metrics.WSConnections.Dec()
		conn.Close()
		ws.logger.Info("websocket client disconnected", "client_id", clientID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var wsMsg WSMessage
		if err := json.Unmarshal(message, &wsMsg); err != nil {
			ws.logger.Warn("invalid websocket message", "err", err)
			client.send(WSMessage{Type: "error", Content: "invalid JSON", ChatID: chatID})
			continue
		}

		switch wsMsg.Type {
		case "message":
			metrics.BridgeMessages(ws.Name()).Inc()
			err := ws.bus.Publish(domain.InboundMessage{
				Channel:   ws.Name(),
				ChatID:    chatID,
				SenderID:  wsMsg.UserID,
				Content:   wsMsg.Content,
				Timestamp: time.Now(),
			})
			if err != nil {
				client.send(WSMessage{Type: "error", Content: err.Error(), ChatID: chatID})
			}

		case "typing":
			ws.broadcastToChat(chatID, WSMessage{Type: "typing", ChatID: chatID, UserID: wsMsg.UserID})

		case "action":
			if err := ws.invokeAction(r.Context(), wsMsg); err != nil {
				ws.logger.Warn("websocket action failed", "message_id", wsMsg.MessageID, "err", err)
				client.send(WSMessage{Type: "error", Content: err.Error(), ChatID: chatID, MessageID: wsMsg.MessageID})
			}

		default:
			client.send(WSMessage{Type: "error", Content: "unknown type " + wsMsg.Type, ChatID: chatID})
		}
	}
}

// backfill sends the chat's recent messages to a newly connected client.
func (ws *WebSocketChannel) backfill(ctx context.Context, client *wsClient) {
	if ws.history == nil {
		return
	}
	msgs, err := ws.history(ctx, client.chatID, ws.historyLimit)
	if err != nil {
		ws.logger.Warn("websocket history failed", "chat_id", client.chatID, "err", err)
		return
	}
	for i := range msgs {
		client.send(WSMessage{Type: "message", ChatID: client.chatID, MessageID: msgs[i].ID, Message: &msgs[i]})
	}
}

func (ws *WebSocketChannel) invokeAction(ctx context.Context, in WSMessage) error {
	if ws.actions.Invoker == nil || ws.actions.Lookup == nil {
		ws.logger.Warn("action received but no action dispatcher is configured", "message_id", in.MessageID)
		return nil
	}
	msg, err := ws.actions.Lookup(ctx, in.MessageID)
	if err != nil {
		return err
	}
	return ws.actions.Invoker.Invoke(ctx, msg, in.Name, in.Value, newAckEvent(nil))
}

func (ws *WebSocketChannel) broadcastToChat(chatID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, client := range ws.clients {
		if client.chatID != chatID {
			continue
		}
		if err := client.write(data); err != nil {
			ws.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) send(msg WSMessage) {
	data, _ := json.Marshal(msg)
	_ = c.write(data)
}

func (ws *WebSocketChannel) closeAllClients() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for id, client := range ws.clients {
		client.conn.Close()
		delete(ws.clients, id)
	}
}
