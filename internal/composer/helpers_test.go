package composer

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"teamchat/internal/bus"
	"teamchat/internal/domain"
	"teamchat/internal/staging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recordingSender struct {
	mu   sync.Mutex
	sent []domain.OutgoingMessage
	err  error
}

func (r *recordingSender) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Message{ID: "m1", Text: msg.Text}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Text
	}
	return out
}

type countingTyping struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingTyping) Keystroke(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

type fixedUploader struct{}

func (fixedUploader) Upload(ctx context.Context, f staging.File) (string, error) {
	return "file:///uploads/" + f.Name, nil
}

type fixture struct {
	c      *Composer
	sender *recordingSender
	typing *countingTyping
	events *bus.EventBus
	now    time.Time
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		sender: &recordingSender{},
		typing: &countingTyping{},
		events: bus.NewEventBus(testLogger()),
		now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := Options{
		Staging: staging.New(staging.Options{Multiple: true, Uploader: fixedUploader{}, Logger: testLogger()}),
		Sender:  f.sender,
		Typing:  f.typing,
		Events:  f.events,
		Logger:  testLogger(),
		Go:      func(fn func()) { fn() },
		Now:     func() time.Time { return f.now },
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.c = New(opts)
	return f
}

// typeText feeds text one rune at a time, like a keyboard would.
func (f *fixture) typeText(s string) Transition {
	var tr Transition
	cur := f.c.Text()
	for _, r := range s {
		cur += string(r)
		tr = f.c.Apply(EditIntent{Text: cur, Kind: EditInsert})
		cur = tr.Draft.Text
	}
	return tr
}

func (f *fixture) backspace() Transition {
	cur := []rune(f.c.Text())
	next := ""
	if len(cur) > 0 {
		next = string(cur[:len(cur)-1])
	}
	return f.c.Apply(EditIntent{Text: next, Kind: EditDeleteBackward})
}

func attachPNG(t *testing.T, c *Composer, name string) staging.Ref {
	t.Helper()
	refs, err := c.Attach(staging.File{Name: name, MimeType: "image/png", Body: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return refs[0]
}
