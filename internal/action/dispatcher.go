// Package action resolves presses on server-defined message actions.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"teamchat/internal/bus"
	"teamchat/internal/domain"
	"teamchat/internal/metrics"
)

// MessageFunc mutates the local message list.
type MessageFunc func(ctx context.Context, msg *domain.Message) error

// Config wires a Dispatcher. Any nil collaborator makes Invoke a logged no-op.
type Config struct {
	Sender domain.ActionSender
	Update MessageFunc
	Remove MessageFunc
	Logger *slog.Logger
	Events *bus.EventBus
}

// Dispatcher turns an action press into a send-action call and applies the
// reply to the message list.
type Dispatcher struct {
	sender domain.ActionSender
	update MessageFunc
	remove MessageFunc
	logger *slog.Logger
	events *bus.EventBus
}

var _ domain.ActionInvoker = (*Dispatcher)(nil)

// New builds a Dispatcher. Missing collaborators turn Invoke into a logged no-op.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		sender: cfg.Sender,
		update: cfg.Update,
		remove: cfg.Remove,
		logger: cfg.Logger,
		events: cfg.Events,
	}
}

// Invoke submits {name: value} for msg and waits for the reply. A reply
// carrying a message replaces msg; an empty reply removes it. On a send error
// the message list is left alone and the error is returned.
func (d *Dispatcher) Invoke(ctx context.Context, msg *domain.Message, name, value string, event domain.Event) error {
	if event != nil {
		event.PreventDefault()
	}

	switch {
	case msg == nil:
		d.logger.Warn("action invoked without a message", "action", name)
		return nil
	case d.update == nil:
		d.logger.Warn("no update-message callback configured", "action", name)
		return nil
	case d.remove == nil:
		d.logger.Warn("no remove-message callback configured", "action", name)
		return nil
	case d.sender == nil:
		d.logger.Warn("no send-action channel configured", "action", name)
		return nil
	}
	if msg.ID == "" {
		return nil
	}

	metrics.ActionsTotal.Inc()
	start := time.Now()
	reply, err := d.sender.SendAction(ctx, msg.ID, map[string]string{name: value})
	metrics.ActionLatency.Since(start)
	if err != nil {
		metrics.ActionFailures.Inc()
		return fmt.Errorf("send action %q for message %s: %w", name, msg.ID, err)
	}

	d.emit(bus.EventActionInvoked, map[string]any{"message_id": msg.ID, "action": name, "value": value})

	if reply != nil && reply.Message != nil {
		if err := d.update(ctx, reply.Message); err != nil {
			return fmt.Errorf("update message %s: %w", reply.Message.ID, err)
		}
		d.emit(bus.EventMessageUpdated, map[string]any{"message_id": reply.Message.ID})
		return nil
	}

	metrics.ActionRemovals.Inc()
	if err := d.remove(ctx, msg); err != nil {
		return fmt.Errorf("remove message %s: %w", msg.ID, err)
	}
	d.emit(bus.EventMessageRemoved, map[string]any{"message_id": msg.ID})
	return nil
}

func (d *Dispatcher) emit(eventType string, payload map[string]any) {
	d.events.Emit(bus.Event{Type: eventType, Source: "action", Payload: payload})
}
