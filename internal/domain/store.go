package domain

import "context"

// MessageStore is the local message list.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, msg Message) error
	RemoveMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
	Close() error
}
