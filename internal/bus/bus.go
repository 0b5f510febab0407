// Package bus carries inbound bridge messages to the hub, fans hub events out
// to bridges, and distributes internal notifications on an EventBus.
package bus

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"teamchat/internal/domain"
)

var (
	ErrClosed = errors.New("message bus closed")
	ErrFull   = errors.New("message bus full")
)

const (
	defaultBuffer  = 100
	publishTimeout = 10 * time.Second
)

type outboundHandler struct {
	name string
	fn   func(domain.OutboundEvent)
}

// InMemoryBus is the in-process domain.MessageBus.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	logger  *slog.Logger
	wait    time.Duration

	mu       sync.RWMutex
	closed   bool
	handlers []outboundHandler // sorted by name
}

var _ domain.MessageBus = (*InMemoryBus)(nil)

// New creates a bus whose inbound queue holds bufferSize messages.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		logger:  logger,
		wait:    publishTimeout,
	}
}

// Publish queues msg. When the queue is full it waits up to 10 seconds for
// the hub to catch up before giving up with ErrFull.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound queue full, waiting", "channel", msg.Channel, "chat_id", msg.ChatID)
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return nil
	case <-timer.C:
		b.logger.Error("inbound message dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "sender", msg.SenderID)
		return ErrFull
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound delivers evt to the handler named by evt.Channel, or to every
// handler in name order when evt.Channel is empty. A panicking handler is
// logged and skipped.
func (b *InMemoryBus) SendOutbound(evt domain.OutboundEvent) {
	b.mu.RLock()
	var targets []outboundHandler
	if evt.Channel == "" {
		targets = slices.Clone(b.handlers)
	} else if i, ok := b.find(evt.Channel); ok {
		targets = []outboundHandler{b.handlers[i]}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.Debug("no handler for outbound event", "channel", evt.Channel, "kind", evt.Kind)
		return
	}
	for _, h := range targets {
		b.deliver(h, evt)
	}
}

func (b *InMemoryBus) deliver(h outboundHandler, evt domain.OutboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("outbound handler panic", "channel", h.name, "kind", evt.Kind, "panic", r)
		}
	}()
	h.fn(evt)
}

func (b *InMemoryBus) find(name string) (int, bool) {
	return slices.BinarySearchFunc(b.handlers, name, func(h outboundHandler, n string) int {
		return strings.Compare(h.name, n)
	})
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.find(channelName)
	if ok {
		b.handlers[i].fn = handler
		return
	}
	b.handlers = slices.Insert(b.handlers, i, outboundHandler{name: channelName, fn: handler})
}

func (b *InMemoryBus) OffOutbound(channelName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.find(channelName); ok {
		b.handlers = slices.Delete(b.handlers, i, i+1)
	}
}

// Close stops the inbound queue; the hub drains what is left.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
