package channel

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/bus"
	"teamchat/internal/composer"
	"teamchat/internal/domain"
	"teamchat/internal/hub"
	"teamchat/internal/staging"
	"teamchat/internal/store"
)

// syncBuffer guards a bytes.Buffer for reads from the test goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliHarness struct {
	hub  *hub.Hub
	bus  *bus.InMemoryBus
	comp *composer.Composer
	out  *syncBuffer
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cli.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New(10, testLogger())
	h := hub.New(hub.Config{Store: st, Bus: b, CommandKeyword: composer.DefaultCommandKeyword, Logger: testLogger()})

	uploader, err := staging.NewDiskUploader(staging.DiskUploaderConfig{StoragePath: t.TempDir(), Logger: testLogger()})
	require.NoError(t, err)

	conv := h.Conversation(DefaultChat, "alice", "cli")
	comp := composer.New(composer.Options{
		Staging: staging.New(staging.Options{MaxFiles: 5, Multiple: true, Uploader: uploader, Logger: testLogger()}),
		Sender:  conv,
		Typing:  conv,
		Logger:  testLogger(),
		Go:      func(f func()) { f() },
	})
	return &cliHarness{hub: h, bus: b, comp: comp, out: &syncBuffer{}}
}

func (h *cliHarness) run(t *testing.T, lines ...string) string {
	t.Helper()
	cli := NewCLI(CLIConfig{
		Composer: h.comp,
		Actions:  ActionConfig{Invoker: h.hub.Dispatcher(), Lookup: h.hub.Message},
		UserID:   "alice",
		Logger:   testLogger(),
		In:       strings.NewReader(strings.Join(lines, "\n") + "\n"),
		Out:      h.out,
	})
	require.NoError(t, cli.Start(context.Background(), h.bus))
	return h.out.String()
}

func (h *cliHarness) history(t *testing.T) []domain.Message {
	t.Helper()
	msgs, err := h.hub.History(context.Background(), DefaultChat, 0)
	require.NoError(t, err)
	return msgs
}

func TestCLI_FormattedMessage(t *testing.T) {
	h := newCLIHarness(t)

	out := h.run(t, ":b", "hello", "plain")

	assert.Contains(t, out, "bold on")
	assert.Contains(t, out, "[alice] **hello**")
	assert.Contains(t, out, "[alice] plain", "flags reset after a submit")

	msgs := h.history(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "**hello**", msgs[0].Text)
	assert.Equal(t, "cli", msgs[0].Source)
}

func TestCLI_CommandTrigger(t *testing.T) {
	h := newCLIHarness(t)

	out := h.run(t, ":g", "giphy cats")

	assert.Contains(t, out, "/giphy [text] - Post a random gif to the channel")
	assert.Contains(t, out, "[alice] /giphy cats")
	assert.Contains(t, out, "[0] Send  [1] Cancel")

	msgs := h.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/giphy cats", msgs[0].Text)
	assert.Len(t, msgs[0].Actions, 2)
}

func TestCLI_TypedKeyword(t *testing.T) {
	h := newCLIHarness(t)

	h.run(t, "/giphy dogs")

	msgs := h.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/giphy dogs", msgs[0].Text)
}

func TestCLI_ActionRemovesMessage(t *testing.T) {
	h := newCLIHarness(t)
	posted, err := h.hub.Post(context.Background(), domain.Message{ChatID: DefaultChat, UserID: "bob", Text: "/giphy cats"})
	require.NoError(t, err)

	out := h.run(t, ":act "+posted.ID+" 1")

	assert.Contains(t, out, "- "+posted.ID+" removed")
	_, err = h.hub.Message(context.Background(), posted.ID)
	assert.ErrorIs(t, err, hub.ErrMessageNotFound)
}

func TestCLI_ActionSendKeepsMessage(t *testing.T) {
	h := newCLIHarness(t)
	posted, err := h.hub.Post(context.Background(), domain.Message{ChatID: DefaultChat, UserID: "bob", Text: "/giphy cats"})
	require.NoError(t, err)

	out := h.run(t, ":act "+posted.ID+" 0")

	assert.Contains(t, out, "~ [bob] /giphy cats  ("+posted.ID+", edited)")
	got, err := h.hub.Message(context.Background(), posted.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Actions)
}

func TestCLI_Attach(t *testing.T) {
	h := newCLIHarness(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("remember the milk"), 0o644))

	out := h.run(t, ":attach "+path, ":status", "/giphy see file")

	assert.Contains(t, out, "attached notes.txt")
	assert.Contains(t, out, "attachment: notes.txt [complete]")

	msgs := h.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, " see file", msgs[0].Text, "the keyword is stripped from uploads")
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "notes.txt", msgs[0].Attachments[0].Name)
	assert.Equal(t, "text/plain", msgs[0].Attachments[0].MimeType)
}

func TestCLI_DirectiveErrors(t *testing.T) {
	h := newCLIHarness(t)

	out := h.run(t, ":nope", ":act onlyone", ":act id x", ":attach", ":attach /does/not/exist", ":act missing 0")

	assert.Contains(t, out, "! unknown directive :nope")
	assert.Contains(t, out, "! usage: :act <message id> <n>")
	assert.Contains(t, out, "! action index must be a number")
	assert.Contains(t, out, "! usage: :attach <path>")
	assert.Contains(t, out, "no such file")
	assert.Contains(t, out, "message not found")
	assert.Empty(t, h.history(t))
}

func TestCLI_QuitStopsReading(t *testing.T) {
	h := newCLIHarness(t)

	h.run(t, "first", "/quit", "second")

	msgs := h.history(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Text)
}

func TestCLI_Outbound(t *testing.T) {
	out := &syncBuffer{}
	cli := NewCLI(CLIConfig{UserID: "alice", Logger: testLogger(), Out: out})

	cli.handleOutbound(domain.OutboundEvent{ChatID: DefaultChat, Kind: domain.OutboundTyping, UserID: "alice"})
	cli.handleOutbound(domain.OutboundEvent{ChatID: "elsewhere", Kind: domain.OutboundTyping, UserID: "bob"})
	assert.Empty(t, out.String())

	cli.handleOutbound(domain.OutboundEvent{ChatID: DefaultChat, Kind: domain.OutboundTyping, UserID: "bob"})
	assert.Contains(t, out.String(), "bob is typing")
}
