package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

const discordMaxMsgLen = 2000

// Discord bridges one hub chat to a Discord channel.
type Discord struct {
	token   string
	guildID string
	chat    string
	command string // slash command name, e.g. "giphy"
	actions ActionConfig

	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
	refs    *messageRefs[[]string]

	mu        sync.RWMutex
	channelID string
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token     string
	GuildID   string
	Chat      string // hub chat, default "general"
	ChannelID string // Discord channel; learnt from the first message when empty
	// CommandKeyword is registered as a slash command, e.g. "/giphy".
	CommandKeyword string
	Actions        ActionConfig
	Logger         *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Chat == "" {
		cfg.Chat = DefaultChat
	}
	return &Discord{
		token:     cfg.Token,
		guildID:   cfg.GuildID,
		chat:      cfg.Chat,
		channelID: cfg.ChannelID,
		command:   strings.TrimPrefix(cfg.CommandKeyword, "/"),
		actions:   cfg.Actions,
		logger:    cfg.Logger,
		refs:      newMessageRefs[[]string](),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), d.handleOutbound)

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		var media []string
		for _, a := range m.Attachments {
			media = append(media, a.URL)
		}
		d.publish(m.ChannelID, m.Author.ID, m.Content, media)
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionMessageComponent:
			d.handleComponent(ctx, s, i)
		case discordgo.InteractionApplicationCommand:
			d.handleCommand(s, i)
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username, "chat", d.chat)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op; the session closes with Start's context.
func (d *Discord) Stop() error { return nil }

func (d *Discord) channel() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channelID
}

func (d *Discord) publish(channelID, userID, text string, media []string) {
	d.mu.Lock()
	if d.channelID == "" {
		d.channelID = channelID
	}
	bound := d.channelID
	d.mu.Unlock()
	if channelID != bound {
		return
	}

	d.logger.Info("discord message received", "user_id", userID, "channel_id", channelID, "content_len", len(text))
	metrics.BridgeMessages(d.Name()).Inc()
	err := d.bus.Publish(domain.InboundMessage{
		Channel:   d.Name(),
		ChatID:    d.chat,
		SenderID:  userID,
		Content:   text,
		Media:     media,
		Timestamp: time.Now(),
	})
	if err != nil {
		d.logger.Warn("discord message not queued", "channel_id", channelID, "err", err)
	}
}

func (d *Discord) handleOutbound(evt domain.OutboundEvent) {
	if skipOutbound(evt, d.chat, d.Name()) {
		return
	}
	channelID := d.channel()
	if channelID == "" {
		d.logger.Debug("discord channel not known yet, dropping outbound", "kind", evt.Kind)
		return
	}

	switch evt.Kind {
	case domain.OutboundNew:
		if ids := d.sendMessage(channelID, evt.Message); len(ids) > 0 {
			d.refs.put(evt.Message.ID, ids)
		}
	case domain.OutboundUpdate:
		d.updateMessage(channelID, evt.Message)
	case domain.OutboundRemove:
		ids, _ := d.refs.take(evt.Message.ID)
		d.deleteMessages(channelID, ids)
	case domain.OutboundTyping:
		if err := d.session.ChannelTyping(channelID); err != nil {
			d.logger.Debug("discord typing failed", "err", err)
		}
	}
}

func (d *Discord) sendMessage(channelID string, msg domain.Message) []string {
	chunks := splitMessage(renderText(msg), discordMaxMsgLen)
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 {
			send.Components = discordComponents(msg)
		}
		sent, err := d.session.ChannelMessageSendComplex(channelID, send)
		if err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
			continue
		}
		ids = append(ids, sent.ID)
	}
	return ids
}

func (d *Discord) updateMessage(channelID string, msg domain.Message) {
	ids, _ := d.refs.get(msg.ID)
	text := renderText(msg)
	if len(ids) == 1 && len(text) <= discordMaxMsgLen {
		components := discordComponents(msg)
		if components == nil {
			components = []discordgo.MessageComponent{}
		}
		edit := discordgo.NewMessageEdit(channelID, ids[0]).SetContent(text)
		edit.Components = &components
		_, err := d.session.ChannelMessageEditComplex(edit)
		if err == nil {
			return
		}
		d.logger.Warn("discord edit failed, reposting", "err", err)
	}
	d.deleteMessages(channelID, ids)
	if ids := d.sendMessage(channelID, msg); len(ids) > 0 {
		d.refs.put(msg.ID, ids)
	}
}

func (d *Discord) deleteMessages(channelID string, ids []string) {
	for _, id := range ids {
		if err := d.session.ChannelMessageDelete(channelID, id); err != nil {
			d.logger.Warn("discord delete failed", "message_id", id, "err", err)
		}
	}
}

func (d *Discord) handleComponent(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	ack := newAckEvent(func() {
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
		if err != nil {
			d.logger.Debug("discord interaction ack failed", "err", err)
		}
	})
	if err := d.actions.invoke(ctx, data.CustomID, ack, d.logger); err != nil {
		d.logger.Warn("discord action failed", "custom_id", data.CustomID, "err", err)
	}
	ack.PreventDefault()
}

func (d *Discord) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if data.Name != d.command {
		return
	}
	content := "/" + data.Name
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			content += " " + opt.StringValue()
		}
	}

	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})

	userID := ""
	switch {
	case i.Member != nil && i.Member.User != nil:
		userID = i.Member.User.ID
	case i.User != nil:
		userID = i.User.ID
	}
	d.publish(i.ChannelID, userID, content, nil)
}

func (d *Discord) registerSlashCommands() {
	if d.command == "" {
		return
	}
	cmd := &discordgo.ApplicationCommand{
		Name:        d.command,
		Description: "Post /" + d.command + " to #" + d.chat,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "text",
				Description: "Search text",
				Required:    true,
			},
		},
	}
	// Empty guildID registers a global command.
	if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}

// discordComponents renders a message's actions as one row of buttons.
func discordComponents(msg domain.Message) []discordgo.MessageComponent {
	if len(msg.Actions) == 0 {
		return nil
	}
	buttons := make([]discordgo.MessageComponent, 0, len(msg.Actions))
	for i, a := range msg.Actions {
		label := a.Text
		if label == "" {
			label = a.Value
		}
		style := discordgo.SecondaryButton
		switch a.Style {
		case "primary":
			style = discordgo.PrimaryButton
		case "danger":
			style = discordgo.DangerButton
		}
		buttons = append(buttons, discordgo.Button{
			Label:    label,
			Style:    style,
			CustomID: encodeActionData(msg.ID, i),
		})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}
