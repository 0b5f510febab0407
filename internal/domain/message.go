package domain

import "time"

// Attachment is an uploaded file carried by a message.
type Attachment struct {
	Type     string `json:"type"` // image | file
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// Action is a server-defined interactive control attached to a message.
type Action struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Text  string `json:"text"`
	Style string `json:"style,omitempty"` // primary | default | danger
}

// Message is a message as known to the backend.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	UserID      string       `json:"user_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Actions     []Action     `json:"actions,omitempty"`
	Source      string       `json:"source,omitempty"` // bridge the message arrived from
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// OutgoingMessage is the candidate a composer hands to the send-message channel.
type OutgoingMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ActionReply is the backend's answer to an action. A nil Message means the
// action resolved by deleting the message.
type ActionReply struct {
	Message *Message `json:"message,omitempty"`
}

// InboundMessage is a message arriving from a bridged platform.
type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Media     []string
	// Actions are buttons the sender wants on the stored message.
	Actions   []Action
	Timestamp time.Time
}

// OutboundKind classifies what a bridge should do with an OutboundEvent.
type OutboundKind string

const (
	OutboundNew    OutboundKind = "new"
	OutboundUpdate OutboundKind = "update"
	OutboundRemove OutboundKind = "remove"
	OutboundTyping OutboundKind = "typing"
)

// OutboundEvent is fanned out by the bus to bridges.
type OutboundEvent struct {
	Channel string // empty = every registered channel
	ChatID  string
	Kind    OutboundKind
	Message Message
	UserID  string // for typing events
}
