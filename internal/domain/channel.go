package domain

import "context"

// Channel is a bridge to a user-facing platform (Telegram, Slack, CLI, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// MessageSender dispatches a composed message to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) (*Message, error)
}

// ActionSender submits an action's form data for a message.
type ActionSender interface {
	SendAction(ctx context.Context, messageID string, formData map[string]string) (*ActionReply, error)
}

// TypingNotifier emits best-effort typing indicators.
type TypingNotifier interface {
	Keystroke(ctx context.Context) error
}

// Conversation is everything a composer and dispatcher need from one chat.
type Conversation interface {
	MessageSender
	ActionSender
	TypingNotifier
}

// ActionInvoker is implemented by the action dispatcher; bridges call it when a
// user presses a message button.
type ActionInvoker interface {
	Invoke(ctx context.Context, msg *Message, name, value string, event Event) error
}

// Event is the UI event that triggered an action.
type Event interface {
	PreventDefault()
}
