package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Well-known event types. The prefix before the dot names the emitter, so
// On("composer.*", ...) follows everything a composer does.
const (
	EventCommandModeEntered = "composer.command_mode_entered"
	EventCommandModeExited  = "composer.command_mode_exited"
	EventFormatToggled      = "composer.format_toggled"
	EventMessageSubmitted   = "composer.submitted"
	EventSendFailed         = "composer.send_failed"
	EventTypingStarted      = "composer.typing_started"
	EventUploadStaged       = "staging.staged"
	EventUploadFinished     = "staging.finished"
	EventActionInvoked      = "action.invoked"
	EventMessageUpdated     = "action.message_updated"
	EventMessageRemoved     = "action.message_removed"
)

const defaultHistory = 1000

// Event is an internal notification emitted by the composer, the dispatcher
// and the hub.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

type subscription struct {
	id      uint64
	pattern string
	fn      EventHandler
}

// matches reports whether eventType is selected by pattern: "*" for
// everything, "prefix.*" for one emitter, otherwise an exact type.
func matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// EventBus delivers events synchronously to pattern subscriptions and keeps
// the most recent ones for Replay. A nil *EventBus drops everything.
type EventBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscription
	nextID uint64
	ring   []Event
	head   int // next write position once the ring is full
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, history int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger, ring: make([]Event, 0, history)}
}

// On subscribes fn to events matching pattern and returns a function that
// cancels the subscription.
func (eb *EventBus) On(pattern string, fn EventHandler) (cancel func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, pattern: pattern, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			defer eb.mu.Unlock()
			for i, s := range eb.subs {
				if s.id == id {
					eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit records the event and calls every matching handler in subscription
// order. Handlers must not call back into the emitter. A panicking handler
// is logged and the rest still run.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.record(event)
	var targets []subscription
	for _, s := range eb.subs {
		if matches(s.pattern, event.Type) {
			targets = append(targets, s)
		}
	}
	eb.mu.Unlock()

	for _, s := range targets {
		eb.call(s, event)
	}
}

func (eb *EventBus) call(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "pattern", s.pattern, "panic", r)
		}
	}()
	s.fn(event)
}

func (eb *EventBus) record(event Event) {
	if cap(eb.ring) == 0 {
		return
	}
	if len(eb.ring) < cap(eb.ring) {
		eb.ring = append(eb.ring, event)
		return
	}
	eb.ring[eb.head] = event
	eb.head = (eb.head + 1) % len(eb.ring)
}

// Replay returns recorded events matching pattern at or after since, oldest
// first.
func (eb *EventBus) Replay(pattern string, since time.Time) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	var out []Event
	for i := range eb.ring {
		e := eb.ring[(eb.head+i)%len(eb.ring)]
		if !e.Timestamp.Before(since) && matches(pattern, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

// HistoryLen returns the number of recorded events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.ring)
}
