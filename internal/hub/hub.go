// Package hub is the local chat backend: it stores messages, resolves actions
// and fans events out to the bridges over the message bus.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"teamchat/internal/action"
	"teamchat/internal/bus"
	"teamchat/internal/domain"
)

const (
	defaultConcurrency   = 3
	defaultRateBurst     = 10
	defaultRatePerMinute = 60.0
)

var ErrMessageNotFound = errors.New("message not found")

// Config holds the hub's dependencies.
type Config struct {
	Store    domain.MessageStore
	Bus      domain.MessageBus
	Resolver Resolver // defaults to CommandResolver
	Logger   *slog.Logger
	Events   *bus.EventBus

	// CommandKeyword marks messages that get CommandActions.
	CommandKeyword string

	Concurrency   int // max inbound messages processed in parallel
	RateBurst     int
	RatePerMinute float64 // per chat

	Now func() time.Time
}

// Hub implements the backend side of every conversation.
type Hub struct {
	store       domain.MessageStore
	bus         domain.MessageBus
	resolver    Resolver
	logger      *slog.Logger
	events      *bus.EventBus
	keyword     string
	concurrency int
	limiters    *chatLimiters
	now         func() time.Time
}

// New creates a hub over cfg.Store and cfg.Bus, filling in defaults.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = CommandResolver{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		store:       cfg.Store,
		bus:         cfg.Bus,
		resolver:    cfg.Resolver,
		logger:      cfg.Logger,
		events:      cfg.Events,
		keyword:     cfg.CommandKeyword,
		concurrency: cfg.Concurrency,
		limiters:    newChatLimiters(cfg.RateBurst, cfg.RatePerMinute),
		now:         cfg.Now,
	}
}

// Conversation returns the backend handle a composer in chatID uses.
// source names the local surface ("tui", "cli") for echo suppression.
func (h *Hub) Conversation(chatID, userID, source string) *Conversation {
	return &Conversation{hub: h, chatID: chatID, userID: userID, source: source}
}

// Dispatcher returns an action dispatcher whose callbacks persist to the hub.
func (h *Hub) Dispatcher() *action.Dispatcher {
	return action.New(action.Config{
		Sender: h,
		Update: h.UpdateMessage,
		Remove: h.RemoveMessage,
		Logger: h.logger,
		Events: h.events,
	})
}

// Post stores a new message and announces it to the bridges.
func (h *Hub) Post(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	now := h.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if h.keyword != "" && strings.HasPrefix(msg.Text, h.keyword) && len(msg.Actions) == 0 {
		msg.Actions = append([]domain.Action(nil), CommandActions...)
	}

	if err := h.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	h.logger.Debug("message stored", "id", msg.ID, "chat_id", msg.ChatID, "source", msg.Source)
	h.bus.SendOutbound(domain.OutboundEvent{ChatID: msg.ChatID, Kind: domain.OutboundNew, Message: msg})
	return &msg, nil
}

// SendAction forwards formData for a stored message to the resolver.
func (h *Hub) SendAction(ctx context.Context, messageID string, formData map[string]string) (*domain.ActionReply, error) {
	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	reply, err := h.resolver.Resolve(ctx, *msg, formData)
	if err != nil {
		return nil, fmt.Errorf("resolve action: %w", err)
	}
	if reply != nil && reply.Message != nil {
		if reply.Message.ID == "" {
			reply.Message.ID = msg.ID
		}
		if reply.Message.ChatID == "" {
			reply.Message.ChatID = msg.ChatID
		}
	}
	return reply, nil
}

// UpdateMessage persists msg and announces the update.
func (h *Hub) UpdateMessage(ctx context.Context, msg *domain.Message) error {
	if err := h.store.UpdateMessage(ctx, *msg); err != nil {
		return err
	}
	stored, err := h.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("reload message: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, msg.ID)
	}
	h.bus.SendOutbound(domain.OutboundEvent{ChatID: stored.ChatID, Kind: domain.OutboundUpdate, Message: *stored})
	return nil
}

// RemoveMessage deletes msg and announces the removal.
func (h *Hub) RemoveMessage(ctx context.Context, msg *domain.Message) error {
	if err := h.store.RemoveMessage(ctx, msg.ID); err != nil {
		return err
	}
	h.bus.SendOutbound(domain.OutboundEvent{ChatID: msg.ChatID, Kind: domain.OutboundRemove, Message: *msg})
	return nil
}

// Message returns a stored message or ErrMessageNotFound.
func (h *Hub) Message(ctx context.Context, id string) (*domain.Message, error) {
	msg, err := h.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return msg, nil
}

// History returns the last limit messages of a chat, oldest first.
func (h *Hub) History(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	return h.store.ListMessages(ctx, chatID, limit)
}

// Run consumes inbound bridge messages with bounded concurrency until ctx is
// done or the bus is closed.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started", "concurrency", h.concurrency)

	sem := make(chan struct{}, h.concurrency)
	inbound := h.bus.Subscribe()
	defer func() {
		// Wait for in-flight messages.
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				h.logger.Info("inbound channel closed, hub stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				h.handleInbound(ctx, m)
			}(msg)
		}
	}
}

func (h *Hub) handleInbound(ctx context.Context, in domain.InboundMessage) {
	if strings.TrimSpace(in.Content) == "" && len(in.Media) == 0 {
		return
	}
	if err := h.limiters.get(in.ChatID).Wait(ctx); err != nil {
		h.logger.Warn("inbound message dropped", "channel", in.Channel, "chat_id", in.ChatID, "err", err)
		return
	}

	msg := domain.Message{
		ChatID:  in.ChatID,
		UserID:  in.SenderID,
		Text:    in.Content,
		Actions: in.Actions,
		Source:  in.Channel,
	}
	for _, url := range in.Media {
		msg.Attachments = append(msg.Attachments, domain.Attachment{Type: "file", Name: baseName(url), URL: url})
	}

	if _, err := h.Post(ctx, msg); err != nil {
		h.logger.Error("store inbound message failed", "channel", in.Channel, "chat_id", in.ChatID, "err", err)
	}
}

func baseName(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 && i < len(url)-1 {
		return url[i+1:]
	}
	return url
}

// Conversation binds the hub to one chat and user. It implements
// domain.Conversation.
type Conversation struct {
	hub    *Hub
	chatID string
	userID string
	source string
}

var _ domain.Conversation = (*Conversation)(nil)

func (c *Conversation) ChatID() string { return c.chatID }

func (c *Conversation) SendMessage(ctx context.Context, out domain.OutgoingMessage) (*domain.Message, error) {
	return c.hub.Post(ctx, domain.Message{
		ChatID:      c.chatID,
		UserID:      c.userID,
		Text:        out.Text,
		Attachments: out.Attachments,
		Source:      c.source,
	})
}

func (c *Conversation) SendAction(ctx context.Context, messageID string, formData map[string]string) (*domain.ActionReply, error) {
	return c.hub.SendAction(ctx, messageID, formData)
}

// Keystroke announces that the user is typing.
func (c *Conversation) Keystroke(ctx context.Context) error {
	c.hub.bus.SendOutbound(domain.OutboundEvent{ChatID: c.chatID, Kind: domain.OutboundTyping, UserID: c.userID})
	return nil
}
