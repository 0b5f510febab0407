package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"teamchat/internal/domain"
)

// DefaultChat is the hub chat bridges join when none is configured.
const DefaultChat = "general"

var ErrBadActionData = errors.New("malformed action payload")

// ActionConfig connects a bridge's message buttons to the action dispatcher.
type ActionConfig struct {
	Invoker domain.ActionInvoker
	// Lookup loads the hub message a button belongs to.
	Lookup func(ctx context.Context, id string) (*domain.Message, error)
}

// invoke resolves an encoded button press and hands it to the dispatcher.
func (a ActionConfig) invoke(ctx context.Context, data string, ev domain.Event, logger *slog.Logger) error {
	id, idx, ok := decodeActionData(data)
	if !ok {
		ev.PreventDefault()
		return fmt.Errorf("%w: %q", ErrBadActionData, data)
	}
	if a.Invoker == nil || a.Lookup == nil {
		logger.Warn("button pressed but no action dispatcher is configured", "message_id", id)
		ev.PreventDefault()
		return nil
	}
	msg, err := a.Lookup(ctx, id)
	if err != nil {
		ev.PreventDefault()
		return err
	}
	if idx < 0 || idx >= len(msg.Actions) {
		ev.PreventDefault()
		return fmt.Errorf("%w: message %s has no action %d", ErrBadActionData, id, idx)
	}
	act := msg.Actions[idx]
	return a.Invoker.Invoke(ctx, msg, act.Name, act.Value, ev)
}

// ackEvent adapts a platform acknowledgement to domain.Event. The
// acknowledgement runs at most once.
type ackEvent struct {
	once sync.Once
	ack  func()
}

func newAckEvent(ack func()) *ackEvent {
	return &ackEvent{ack: ack}
}

func (e *ackEvent) PreventDefault() {
	e.once.Do(func() {
		if e.ack != nil {
			e.ack()
		}
	})
}

// encodeActionData packs a button as "act:<message id>:<action index>". It
// stays under Telegram's 64 byte callback limit for UUID message IDs.
func encodeActionData(messageID string, idx int) string {
	return "act:" + messageID + ":" + strconv.Itoa(idx)
}

func decodeActionData(data string) (string, int, bool) {
	rest, ok := strings.CutPrefix(data, "act:")
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, false
	}
	return rest[:i], idx, true
}

// renderText is the plain-text form of a hub message for platforms without
// native attachments.
func renderText(msg domain.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Text)
	for _, a := range msg.Attachments {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		name := a.Name
		if name == "" {
			name = a.Type
		}
		fmt.Fprintf(&sb, "📎 %s %s", name, a.URL)
	}
	return sb.String()
}

// splitMessage splits msg into chunks of at most maxLen bytes, preferring a
// newline in the second half of the window. Cuts never fall inside a rune.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			// maxLen is smaller than the first rune.
			_, cut = utf8.DecodeRuneInString(msg)
		}
		if idx := strings.LastIndex(msg[:cut], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// messageRefs maps hub message IDs to the platform messages that show them.
type messageRefs[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func newMessageRefs[T any]() *messageRefs[T] {
	return &messageRefs[T]{m: make(map[string]T)}
}

func (r *messageRefs[T]) put(id string, ref T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = ref
}

func (r *messageRefs[T]) get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.m[id]
	return ref, ok
}

func (r *messageRefs[T]) take(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.m[id]
	delete(r.m, id)
	return ref, ok
}

// skipOutbound reports whether a bridge bound to chat should ignore evt.
func skipOutbound(evt domain.OutboundEvent, chat, bridge string) bool {
	if evt.ChatID != chat {
		return true
	}
	return evt.Kind == domain.OutboundNew && evt.Message.Source == bridge
}

// serve runs srv until ctx is done, then calls stop (if any) and shuts the
// server down with a grace period.
func serve(ctx context.Context, srv *http.Server, stop func()) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		if stop != nil {
			stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
