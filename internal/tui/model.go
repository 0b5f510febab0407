// Package tui is the full-screen composer: a message list above a textarea
// driven by composer.Composer.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"teamchat/internal/composer"
	"teamchat/internal/domain"
	"teamchat/internal/format"
	"teamchat/internal/textbuf"
)

const (
	eventBuffer = 64
	inputHeight = 3
	// header, toolbar, status line and the input border
	chromeHeight = inputHeight + 5
)

// Config wires the TUI to a composer and the hub.
type Config struct {
	Composer *composer.Composer
	Bus      domain.MessageBus
	Actions  domain.ActionInvoker
	Chat     string
	UserID   string
	History  []domain.Message
	Logger   *slog.Logger
	// Ctx bounds action calls and typing pings.
	Ctx context.Context
}

// outboundMsg carries a hub event into the bubbletea loop.
type outboundMsg domain.OutboundEvent

type actionDoneMsg struct{ err error }

// keyEvent is the domain.Event for actions triggered from the keyboard.
type keyEvent struct{}

func (keyEvent) PreventDefault() {}

// Model is the bubbletea model.
type Model struct {
	comp    *composer.Composer
	actions domain.ActionInvoker
	chat    string
	userID  string
	logger  *slog.Logger
	ctx     context.Context
	events  chan domain.OutboundEvent

	input    textarea.Model
	viewport viewport.Model
	width    int
	height   int

	messages   []domain.Message
	suggestion textbuf.Suggestion
	typing     string
	status     string
	statusErr  bool
}

// New builds the model and subscribes it to the chat's outbound events.
func New(cfg Config) Model {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}

	ta := textarea.New()
	ta.Placeholder = "Message #" + cfg.Chat + " (Enter to send, Ctrl+G for commands)"
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.Prompt = ""
	ta.SetHeight(inputHeight)
	ta.Focus()

	m := Model{
		comp:     cfg.Composer,
		actions:  cfg.Actions,
		chat:     cfg.Chat,
		userID:   cfg.UserID,
		logger:   cfg.Logger,
		ctx:      cfg.Ctx,
		events:   make(chan domain.OutboundEvent, eventBuffer),
		input:    ta,
		viewport: viewport.New(80, 20),
		messages: append([]domain.Message(nil), cfg.History...),
	}

	if cfg.Bus != nil {
		events, logger, chat := m.events, m.logger, m.chat
		cfg.Bus.OnOutbound("tui", func(evt domain.OutboundEvent) {
			if evt.ChatID != chat {
				return
			}
			select {
			case events <- evt:
			default:
				logger.Warn("tui event buffer full, dropping event", "kind", evt.Kind)
			}
		})
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForEvent())
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		return outboundMsg(<-events)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width - 4)
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeHeight, 1)
		m.refresh()
		return m, nil

	case outboundMsg:
		m.applyOutbound(domain.OutboundEvent(msg))
		return m, m.waitForEvent()

	case actionDoneMsg:
		if msg.err != nil {
			m.setError(msg.err)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.status = ""
	switch key := msg.String(); key {
	case "ctrl+c", "esc":
		return m, tea.Quit
	case "ctrl+b":
		m.comp.Toggle(format.Bold)
		return m, nil
	case "ctrl+t":
		m.comp.Toggle(format.Italic)
		return m, nil
	case "ctrl+x":
		m.comp.Toggle(format.Strikethrough)
		return m, nil
	case "ctrl+k":
		m.comp.Toggle(format.Code)
		return m, nil
	case "ctrl+g":
		tr := m.comp.TriggerCommand()
		m.input.SetValue(tr.Draft.Text)
		m.suggestion = tr.Suggestion
		return m, m.perform(tr.Effects)
	case "enter":
		if _, err := m.comp.SubmitDraft(m.ctx); err != nil {
			m.setError(err)
			return m, nil
		}
		m.input.SetValue(m.comp.Text())
		m.suggestion = textbuf.Suggestion{}
		return m, nil
	case "alt+1", "alt+2", "alt+3", "alt+4", "alt+5", "alt+6", "alt+7", "alt+8", "alt+9":
		return m, m.invokeAction(int(key[len(key)-1] - '1'))
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	after := m.input.Value()
	if after == before {
		return m, cmd
	}

	kind := composer.EditInsert
	switch {
	case msg.Type == tea.KeyBackspace:
		kind = composer.EditDeleteBackward
	case msg.Paste:
		kind = composer.EditReplace
	}
	tr := m.comp.Apply(composer.EditIntent{Text: after, Kind: kind})
	if tr.Draft.Text != after {
		m.input.SetValue(tr.Draft.Text)
	}
	m.suggestion = tr.Suggestion
	return m, tea.Batch(cmd, m.perform(tr.Effects))
}

// perform hands effects to the composer. Focus is handled here since the
// textarea lives in the model.
func (m *Model) perform(effects []composer.Effect) tea.Cmd {
	var cmd tea.Cmd
	for _, e := range effects {
		if e == composer.EffectFocus {
			cmd = m.input.Focus()
		}
	}
	m.comp.Perform(m.ctx, effects)
	return cmd
}

// invokeAction presses button idx of the newest message that has buttons.
func (m *Model) invokeAction(idx int) tea.Cmd {
	if m.actions == nil {
		return nil
	}
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if len(msg.Actions) == 0 {
			continue
		}
		if idx >= len(msg.Actions) {
			return nil
		}
		act := msg.Actions[idx]
		invoker, ctx := m.actions, m.ctx
		return func() tea.Msg {
			return actionDoneMsg{err: invoker.Invoke(ctx, &msg, act.Name, act.Value, keyEvent{})}
		}
	}
	return nil
}

func (m *Model) applyOutbound(evt domain.OutboundEvent) {
	switch evt.Kind {
	case domain.OutboundNew:
		m.messages = append(m.messages, evt.Message)
		if evt.Message.UserID == m.typing {
			m.typing = ""
		}
	case domain.OutboundUpdate:
		for i := range m.messages {
			if m.messages[i].ID == evt.Message.ID {
				m.messages[i] = evt.Message
			}
		}
	case domain.OutboundRemove:
		for i := range m.messages {
			if m.messages[i].ID == evt.Message.ID {
				m.messages = append(m.messages[:i], m.messages[i+1:]...)
				break
			}
		}
	case domain.OutboundTyping:
		if evt.UserID != m.userID {
			m.typing = evt.UserID
		}
	}
	m.refresh()
}

func (m *Model) setError(err error) {
	m.status = err.Error()
	m.statusErr = true
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("# " + m.chat))
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(m.renderStatus())
	b.WriteByte('\n')
	b.WriteString(m.renderToolbar())
	b.WriteByte('\n')
	b.WriteString(inputStyle.Render(m.input.View()))
	return b.String()
}

func (m Model) renderMessages() string {
	var lines []string
	newest := -1
	for i := len(m.messages) - 1; i >= 0; i-- {
		if len(m.messages[i].Actions) > 0 {
			newest = i
			break
		}
	}
	for i, msg := range m.messages {
		line := authorStyle.Render(msg.UserID) + " " + msg.Text
		if !msg.UpdatedAt.Equal(msg.CreatedAt) {
			line += metaStyle.Render(" (edited)")
		}
		lines = append(lines, line)
		for _, a := range msg.Attachments {
			lines = append(lines, metaStyle.Render(fmt.Sprintf("  📎 %s %s", a.Name, a.URL)))
		}
		if len(msg.Actions) > 0 {
			lines = append(lines, "  "+renderActions(msg.Actions, i == newest))
		}
	}
	return strings.Join(lines, "\n")
}

// renderActions draws a message's buttons; only the newest set gets key hints.
func renderActions(actions []domain.Action, hints bool) string {
	parts := make([]string, 0, len(actions))
	for i, a := range actions {
		label := a.Text
		if label == "" {
			label = a.Value
		}
		if hints && i < 9 {
			label = fmt.Sprintf("alt+%d %s", i+1, label)
		}
		style := actionStyle
		if a.Style == "primary" {
			style = primaryActionStyle
		}
		parts = append(parts, style.Render(label))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) renderToolbar() string {
	flags := m.comp.Flags()
	toggles := []struct {
		flag  format.Flag
		label string
	}{
		{format.Bold, "B ^b"},
		{format.Italic, "I ^t"},
		{format.Strikethrough, "S ^x"},
		{format.Code, "<> ^k"},
	}
	parts := make([]string, 0, len(toggles)+2)
	for _, t := range toggles {
		style := toggleOffStyle
		if flags.Has(t.flag) && !flags.CommandMode {
			style = toggleOnStyle
		}
		parts = append(parts, style.Render(t.label))
	}
	if m.comp.CanUpload() {
		parts = append(parts, toggleOffStyle.Render("📎"))
	}
	if m.comp.ShowCommandBadge() {
		parts = append(parts, badgeStyle.Render("GIPHY"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) renderStatus() string {
	switch {
	case m.status != "" && m.statusErr:
		return errorStyle.Render(m.status)
	case m.suggestion.Kind == textbuf.SuggestCommand:
		var names []string
		for _, d := range m.comp.Commands().Suggest(m.suggestion.Query) {
			names = append(names, m.comp.Commands().Usage(d))
		}
		return metaStyle.Render(strings.Join(names, "  "))
	case m.typing != "":
		return metaStyle.Render(m.typing + " is typing…")
	}
	return ""
}
