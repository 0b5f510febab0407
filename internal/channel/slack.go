package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

const slackMaxMsgLen = 3000

// Slack bridges one hub chat to a Slack channel using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	chat     string
	actions  ActionConfig

	client *slack.Client
	socket *socketmode.Client
	bus    domain.MessageBus
	logger *slog.Logger
	botUID string // the bot's own user ID, to avoid echoing itself
	refs   *messageRefs[[]string]

	mu        sync.RWMutex
	channelID string
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken  string
	AppToken  string
	Chat      string // hub chat, default "general"
	ChannelID string // Slack channel; learnt from the first message when empty
	Actions   ActionConfig
	Logger    *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Chat == "" {
		cfg.Chat = DefaultChat
	}
	return &Slack{
		botToken:  cfg.BotToken,
		appToken:  cfg.AppToken,
		chat:      cfg.Chat,
		channelID: cfg.ChannelID,
		actions:   cfg.Actions,
		logger:    cfg.Logger,
		refs:      newMessageRefs[[]string](),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound(s.Name(), s.handleOutbound)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				req := *evt.Request
				ack := newAckEvent(func() { socketClient.Ack(req) })
				s.handleInteraction(ctx, callback, ack)
				ack.PreventDefault()

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op; the socket closes with Start's context.
func (s *Slack) Stop() error { return nil }

func (s *Slack) channel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

func (s *Slack) learnChannel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channelID == "" {
		s.channelID = id
	}
}

func (s *Slack) handleOutbound(evt domain.OutboundEvent) {
	if skipOutbound(evt, s.chat, s.Name()) {
		return
	}
	channelID := s.channel()
	if channelID == "" {
		s.logger.Debug("slack channel not known yet, dropping outbound", "kind", evt.Kind)
		return
	}

	switch evt.Kind {
	case domain.OutboundNew:
		if ts := s.postMessage(channelID, evt.Message); len(ts) > 0 {
			s.refs.put(evt.Message.ID, ts)
		}
	case domain.OutboundUpdate:
		s.updateMessage(channelID, evt.Message)
	case domain.OutboundRemove:
		stamps, _ := s.refs.take(evt.Message.ID)
		s.deleteMessages(channelID, stamps)
	case domain.OutboundTyping:
		// The Web API has no typing indicator for bots.
		s.logger.Debug("slack typing not supported", "user_id", evt.UserID)
	}
}

func (s *Slack) postMessage(channelID string, msg domain.Message) []string {
	var stamps []string
	for _, blocks := range slackMessageBlocks(msg) {
		_, ts, err := s.client.PostMessage(channelID, slack.MsgOptionBlocks(blocks...), slack.MsgOptionAsUser(true))
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
			continue
		}
		stamps = append(stamps, ts)
	}
	return stamps
}

func (s *Slack) updateMessage(channelID string, msg domain.Message) {
	stamps, _ := s.refs.get(msg.ID)
	chunks := slackMessageBlocks(msg)
	if len(stamps) == 1 && len(chunks) == 1 {
		_, _, _, err := s.client.UpdateMessage(channelID, stamps[0], slack.MsgOptionBlocks(chunks[0]...))
		if err == nil {
			return
		}
		s.logger.Warn("slack update failed, reposting", "err", err)
	}
	s.deleteMessages(channelID, stamps)
	if ts := s.postMessage(channelID, msg); len(ts) > 0 {
		s.refs.put(msg.ID, ts)
	}
}

func (s *Slack) deleteMessages(channelID string, stamps []string) {
	for _, ts := range stamps {
		if _, _, err := s.client.DeleteMessage(channelID, ts); err != nil {
			s.logger.Warn("slack delete failed", "ts", ts, "err", err)
		}
	}
}

func (s *Slack) handleInteraction(ctx context.Context, callback slack.InteractionCallback, ack *ackEvent) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, ba := range callback.ActionCallback.BlockActions {
		if err := s.actions.invoke(ctx, ba.ActionID, ack, s.logger); err != nil {
			s.logger.Warn("slack action failed", "action_id", ba.ActionID, "user", callback.User.ID, "err", err)
		}
	}
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore the bot's own messages and message_changed subtypes.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.publish(ev.Channel, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		s.publish(ev.Channel, ev.User, content)
	}
}

func (s *Slack) publish(channelID, user, text string) {
	s.learnChannel(channelID)
	if channelID != s.channel() {
		return
	}
	s.logger.Info("slack message received", "user", user, "channel", channelID, "content_len", len(text))
	metrics.BridgeMessages(s.Name()).Inc()
	err := s.bus.Publish(domain.InboundMessage{
		Channel:   s.Name(),
		ChatID:    s.chat,
		SenderID:  user,
		Content:   text,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Warn("slack message not queued", "channel", channelID, "err", err)
	}
}

// slackMessageBlocks renders msg as one block list per Slack message. Long
// text is split; the action buttons go with the last part.
func slackMessageBlocks(msg domain.Message) [][]slack.Block {
	chunks := splitMessage(renderText(msg), slackMaxMsgLen)
	out := make([][]slack.Block, 0, len(chunks))
	for i, chunk := range chunks {
		blocks := []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil),
		}
		if i == len(chunks)-1 && len(msg.Actions) > 0 {
			elems := make([]slack.BlockElement, 0, len(msg.Actions))
			for j, a := range msg.Actions {
				label := a.Text
				if label == "" {
					label = a.Value
				}
				btn := slack.NewButtonBlockElement(encodeActionData(msg.ID, j), a.Value,
					slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
				if a.Style == "primary" || a.Style == "danger" {
					btn = btn.WithStyle(slack.Style(a.Style))
				}
				elems = append(elems, btn)
			}
			blocks = append(blocks, slack.NewActionBlock("actions", elems...))
		}
		out = append(out, blocks)
	}
	return out
}
