package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram bridges one hub chat to a Telegram chat.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	parseMode string
	chat      string
	target    atomic.Int64
	actions   ActionConfig

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
	refs   *messageRefs[[]int]
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Chat      string // hub chat, default "general"
	ChatID    int64  // Telegram chat; learnt from the first message when 0
	Actions   ActionConfig
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Chat == "" {
		cfg.Chat = DefaultChat
	}
	t := &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		chat:      cfg.Chat,
		actions:   cfg.Actions,
		logger:    cfg.Logger,
		refs:      newMessageRefs[[]int](),
	}
	t.target.Store(cfg.ChatID)
	return t
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), t.handleOutbound)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started", "chat", t.chat)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled and panics if called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleOutbound(evt domain.OutboundEvent) {
	if skipOutbound(evt, t.chat, t.Name()) {
		return
	}
	chatID := t.target.Load()
	if chatID == 0 {
		t.logger.Debug("telegram chat not known yet, dropping outbound", "kind", evt.Kind)
		return
	}

	switch evt.Kind {
	case domain.OutboundNew:
		if ids := t.sendMessage(chatID, renderText(evt.Message), actionKeyboard(evt.Message)); len(ids) > 0 {
			t.refs.put(evt.Message.ID, ids)
		}
	case domain.OutboundUpdate:
		t.updateMessage(chatID, evt.Message)
	case domain.OutboundRemove:
		ids, _ := t.refs.take(evt.Message.ID)
		t.deleteMessages(chatID, ids)
	case domain.OutboundTyping:
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	}
}

func (t *Telegram) updateMessage(chatID int64, msg domain.Message) {
	text := renderText(msg)
	ids, ok := t.refs.get(msg.ID)
	if ok && len(ids) == 1 && len(text) <= telegramMaxMsgLen {
		edit := tgbotapi.NewEditMessageText(chatID, ids[0], text)
		kb := actionKeyboard(msg)
		if kb == nil {
			kb = &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
		}
		edit.ReplyMarkup = kb
		_, err := t.bot.Send(edit)
		if err == nil {
			return
		}
		t.logger.Warn("telegram edit failed, reposting", "err", err)
	}
	t.deleteMessages(chatID, ids)
	if ids := t.sendMessage(chatID, text, actionKeyboard(msg)); len(ids) > 0 {
		t.refs.put(msg.ID, ids)
	}
}

func (t *Telegram) deleteMessages(chatID int64, ids []int) {
	for _, id := range ids {
		if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, id)); err != nil {
			t.logger.Warn("telegram delete failed", "message_id", id, "err", err)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(chatID, "⛔ Unauthorized. Your user ID is not in the allow list.", nil)
		return
	}
	t.target.CompareAndSwap(0, chatID)

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		text = strings.TrimSpace(update.Message.Caption)
	}
	var media []string
	if n := len(update.Message.Photo); n > 0 {
		url, err := t.bot.GetFileDirectURL(update.Message.Photo[n-1].FileID)
		if err != nil {
			t.logger.Warn("telegram photo url failed", "err", err)
		} else {
			media = append(media, url)
		}
	}
	if text == "" && len(media) == 0 {
		return
	}

	if update.Message.IsCommand() && t.handleCommand(chatID, update.Message) {
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))

	metrics.BridgeMessages(t.Name()).Inc()
	err := t.bus.Publish(domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    t.chat,
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Media:     media,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
	if err != nil {
		t.logger.Warn("telegram message not queued", "chat_id", chatID, "err", err)
	}
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil {
		return
	}
	ack := newAckEvent(func() {
		_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))
	})
	if err := t.actions.invoke(ctx, cq.Data, ack, t.logger); err != nil {
		t.logger.Warn("telegram action failed", "data", cq.Data, "err", err)
		t.sendMessage(cq.Message.Chat.ID, "⚠️ Action failed.", nil)
	}
}

// handleCommand answers bot-level commands. Chat commands such as /giphy are
// left for the hub.
func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) bool {
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "👋 This chat is bridged to #"+t.chat+".\n\nMessages you send here are posted there, and replies show up here.", nil)
	case "status":
		t.sendMessage(chatID, fmt.Sprintf("🟢 Bridged to #%s\n\nBot: @%s\nYour ID: %d\nChat ID: %d", t.chat, t.bot.Self.UserName, msg.From.ID, chatID), nil)
	default:
		return false
	}
	return true
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage sends text in chunks and attaches markup to the last one. It
// returns the Telegram IDs of the chunks that were delivered.
func (t *Telegram) sendMessage(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) []int {
	chunks := splitMessage(text, telegramMaxMsgLen)
	ids := make([]int, 0, len(chunks))
	for i, chunk := range chunks {
		var kb *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			kb = markup
		}
		if id, ok := t.sendChunk(chatID, chunk, kb); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// sendChunk sends a single chunk with retry and rate limit handling: Markdown
// first, plain text on a parse error, then backoff.
func (t *Telegram) sendChunk(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, bool) {
	const maxRetries = telegramMaxSendRetries

	build := func(parseMode string) tgbotapi.MessageConfig {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		if markup != nil {
			msg.ReplyMarkup = *markup
		}
		return msg
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		parseMode := ""
		if attempt == 0 {
			parseMode = t.parseMode
		}
		sent, err := t.bot.Send(build(parseMode))
		if err == nil {
			return sent.MessageID, true
		}

		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err, "parseMode", t.parseMode)
			if sent, err2 := t.bot.Send(build("")); err2 == nil {
				return sent.MessageID, true
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
	return 0, false
}

// actionKeyboard renders a message's actions as one row of inline buttons.
func actionKeyboard(msg domain.Message) *tgbotapi.InlineKeyboardMarkup {
	if len(msg.Actions) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(msg.Actions))
	for i, a := range msg.Actions {
		label := a.Text
		if label == "" {
			label = a.Value
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, encodeActionData(msg.ID, i)))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}
