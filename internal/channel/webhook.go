package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

const (
	signatureHeader = "X-Signature-256"
	maxWebhookBody  = 1 << 20
	maxPostActions  = 5
)

var (
	errEmptyPost      = errors.New("text or media is required")
	errTooManyActions = fmt.Errorf("at most %d actions are allowed", maxPostActions)
)

type WebhookConfig struct {
	Port   int
	Path   string // default: /webhook
	Secret string // HMAC-SHA256 secret; unsigned requests are accepted when empty
	Logger *slog.Logger
}

// Webhook lets external systems (CI, alerting, bots) post messages, with
// optional action buttons, into a hub chat. Button presses on those messages
// go to the hub's resolver like any other action.
type Webhook struct {
	port   int
	path   string
	secret []byte
	bus    domain.MessageBus
	logger *slog.Logger
	server *http.Server
}

// WebhookPost is the JSON body of a webhook request.
type WebhookPost struct {
	ChatID  string          `json:"chat_id"` // default "general"
	UserID  string          `json:"user_id"` // default "webhook"
	Text    string          `json:"text"`
	Media   []string        `json:"media,omitempty"`
	Actions []domain.Action `json:"actions,omitempty"`
}

func (p *WebhookPost) normalize() error {
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" && len(p.Media) == 0 {
		return errEmptyPost
	}
	if len(p.Actions) > maxPostActions {
		return errTooManyActions
	}
	for i, a := range p.Actions {
		if a.Name == "" || a.Text == "" {
			return fmt.Errorf("action %d needs a name and a text", i)
		}
	}
	if p.ChatID == "" {
		p.ChatID = DefaultChat
	}
	if p.UserID == "" {
		p.UserID = "webhook"
	}
	return nil
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Webhook{
		port:   cfg.Port,
		path:   cfg.Path,
		logger: cfg.Logger,
	}
	if cfg.Secret != "" {
		w.secret = []byte(cfg.Secret)
	}
	return w
}

func (w *Webhook) Name() string { return "webhook" }

// Handler serves the webhook endpoint.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handlePost)
	return mux
}

// Start serves the endpoint until ctx is done. The webhook is inbound only.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	w.logger.Info("webhook server starting", "port", w.port, "path", w.path, "signed", w.secret != nil)
	if err := serve(ctx, w.server, nil); err != nil {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

func (w *Webhook) Stop() error { return nil }

func (w *Webhook) handlePost(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		writeJSONError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "cannot read body")
		return
	}

	if w.secret != nil {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			writeJSONError(rw, http.StatusUnauthorized, "missing "+signatureHeader)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			writeJSONError(rw, http.StatusForbidden, "signature mismatch")
			return
		}
	}

	var post WebhookPost
	if err := json.Unmarshal(body, &post); err != nil {
		writeJSONError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := post.normalize(); err != nil {
		writeJSONError(rw, http.StatusBadRequest, err.Error())
		return
	}

	w.logger.Debug("webhook post",
		"chat_id", post.ChatID,
		"user_id", post.UserID,
		"media", len(post.Media),
		"actions", len(post.Actions),
	)
	metrics.BridgeMessages(w.Name()).Inc()
	err = w.bus.Publish(domain.InboundMessage{
		Channel:   w.Name(),
		ChatID:    post.ChatID,
		SenderID:  post.UserID,
		Content:   post.Text,
		Media:     post.Media,
		Actions:   post.Actions,
		Timestamp: time.Now(),
	})
	if err != nil {
		w.logger.Warn("webhook post not queued", "chat_id", post.ChatID, "err", err)
		writeJSONError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "chat_id": post.ChatID})
}

func writeJSONError(rw http.ResponseWriter, code int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body, secret []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
