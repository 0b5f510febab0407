package composer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/bus"
	"teamchat/internal/domain"
	"teamchat/internal/format"
	"teamchat/internal/staging"
)

func TestSubmit_CommandModePrefixesKeyword(t *testing.T) {
	f := newFixture(t)
	f.typeText("/giphy cats")
	require.True(t, f.c.Flags().CommandMode)

	out := f.c.Submit(context.Background(), domain.OutgoingMessage{Text: f.c.Text()})

	assert.Equal(t, "/giphy cats", out.Text)
	assert.Equal(t, []string{"/giphy cats"}, f.sender.texts())
	assert.False(t, f.c.Flags().CommandMode)
	assert.Equal(t, "", f.c.Text())
	assert.Equal(t, StateIdle, f.c.State())
}

func TestSubmit_Decorations(t *testing.T) {
	tests := []struct {
		name  string
		flags []format.Flag
		want  string
	}{
		{"none", nil, "hi"},
		{"bold", []format.Flag{format.Bold}, "**hi**"},
		{"italic", []format.Flag{format.Italic}, "*hi*"},
		{"strikethrough", []format.Flag{format.Strikethrough}, "~~hi~~"},
		{"code", []format.Flag{format.Code}, "`hi`"},
		{"bold and italic keeps the last wrap", []format.Flag{format.Bold, format.Italic}, "*hi*"},
		{"bold and code", []format.Flag{format.Code, format.Bold}, "`hi`"},
		{"all", []format.Flag{format.Bold, format.Italic, format.Strikethrough, format.Code}, "~~hi~~"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, flag := range tt.flags {
				f.c.Toggle(flag)
			}

			out := f.c.Submit(context.Background(), domain.OutgoingMessage{Text: "hi"})

			assert.Equal(t, tt.want, out.Text)
			assert.False(t, f.c.Flags().Any(), "flags reset after submit")
		})
	}
}

func TestSubmit_AttachmentStripsKeyword(t *testing.T) {
	f := newFixture(t)
	f.c.Toggle(format.Bold)
	att := domain.Attachment{Type: "image", Name: "cat.png", URL: "file:///cat.png"}

	out := f.c.Submit(context.Background(), domain.OutgoingMessage{
		Text:        "/giphy funny cat",
		Attachments: []domain.Attachment{att},
	})

	assert.Equal(t, " funny cat", out.Text)
	assert.Equal(t, []domain.Attachment{att}, out.Attachments)
}

func TestSubmit_KeywordWithoutAttachmentIsDecorated(t *testing.T) {
	f := newFixture(t)
	f.c.Toggle(format.Code)

	out := f.c.Submit(context.Background(), domain.OutgoingMessage{Text: "/giphy x"})

	assert.Equal(t, "`/giphy x`", out.Text)
}

func TestSubmit_ResetsBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	var seen Transition
	f.c.opts.Sender = senderFunc(func(ctx context.Context, msg domain.OutgoingMessage) (*domain.Message, error) {
		seen = f.c.Snapshot()
		return &domain.Message{ID: "m"}, nil
	})
	attachPNG(t, f.c, "a.png")
	f.c.Toggle(format.Bold)
	f.typeText("hello")

	f.c.Submit(context.Background(), domain.OutgoingMessage{Text: "hello"})

	assert.Equal(t, StateIdle, seen.State)
	assert.Empty(t, seen.Draft.Attachments)
	assert.False(t, seen.Flags.Any())
}

func TestSubmit_DispatchSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	var sendErr error
	f.c.opts.Sender = senderFunc(func(ctx context.Context, msg domain.OutgoingMessage) (*domain.Message, error) {
		sendErr = ctx.Err()
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.c.Submit(ctx, domain.OutgoingMessage{Text: "late"})

	assert.NoError(t, sendErr)
}

func TestSubmit_SendFailureIsLoggedNotReturned(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("backend down")
	var failed []bus.Event
	f.events.On(bus.EventSendFailed, func(e bus.Event) { failed = append(failed, e) })
	f.typeText("hello")

	var out domain.OutgoingMessage
	assert.NotPanics(t, func() {
		out = f.c.Submit(context.Background(), domain.OutgoingMessage{Text: "hello"})
	})

	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "", f.c.Text(), "draft is cleared even though the send failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "backend down", failed[0].Payload["err"])
}

func TestSubmit_NoSenderDropsMessage(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Sender = nil })

	out := f.c.Submit(context.Background(), domain.OutgoingMessage{Text: "hi"})

	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, StateIdle, f.c.State())
}

func TestSubmitDraft_Empty(t *testing.T) {
	f := newFixture(t)
	f.typeText("   ")

	_, err := f.c.SubmitDraft(context.Background())

	assert.ErrorIs(t, err, ErrEmptyDraft)
	assert.Empty(t, f.sender.texts())
}

func TestSubmitDraft_WaitsForUploads(t *testing.T) {
	f := newFixture(t)
	ref := attachPNG(t, f.c, "cat.png")
	f.typeText("look")

	_, err := f.c.SubmitDraft(context.Background())
	require.ErrorIs(t, err, ErrUploadsInFlight)
	assert.Equal(t, "look", f.c.Text(), "refused submit keeps the draft")

	_, err = f.c.Upload(context.Background(), ref.ID)
	require.NoError(t, err)

	out, err := f.c.SubmitDraft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "look", out.Text)
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, "file:///uploads/cat.png", out.Attachments[0].URL)
	assert.Empty(t, f.c.Snapshot().Draft.Attachments)
}

func TestSubmitDraft_FailedUploadIsNotSent(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Staging = staging.New(staging.Options{Multiple: true, Uploader: failingUploader{}, Logger: testLogger()})
	})
	ref := attachPNG(t, f.c, "cat.png")
	_, err := f.c.Upload(context.Background(), ref.ID)
	require.Error(t, err)
	f.typeText("caption")

	out, err := f.c.SubmitDraft(context.Background())

	require.NoError(t, err)
	assert.Empty(t, out.Attachments)
}

func TestSubmitDraft_CommandMode(t *testing.T) {
	f := newFixture(t)
	f.typeText("/giphy dogs")

	out, err := f.c.SubmitDraft(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "/giphy dogs", out.Text)
	assert.Equal(t, []string{"/giphy dogs"}, f.sender.texts())
}

func TestSubmitDraft_OverrideSubmit(t *testing.T) {
	var got domain.OutgoingMessage
	var during State
	var f *fixture
	f = newFixture(t, func(o *Options) {
		o.OverrideSubmit = func(ctx context.Context, candidate domain.OutgoingMessage) domain.OutgoingMessage {
			got = candidate
			during = f.c.State()
			return candidate
		}
	})
	f.c.Toggle(format.Bold)
	f.typeText("raw")

	out, err := f.c.SubmitDraft(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "raw", got.Text, "override receives the untransformed candidate")
	assert.Equal(t, "raw", out.Text)
	assert.Equal(t, StateSubmitting, during)
	assert.Empty(t, f.sender.texts())
	assert.NotEqual(t, StateSubmitting, f.c.State())
}

func TestSubmitDraft_RejectsReentry(t *testing.T) {
	var nested error
	var f *fixture
	f = newFixture(t, func(o *Options) {
		o.OverrideSubmit = func(ctx context.Context, candidate domain.OutgoingMessage) domain.OutgoingMessage {
			_, nested = f.c.SubmitDraft(ctx)
			return candidate
		}
	})
	f.typeText("once")

	_, err := f.c.SubmitDraft(context.Background())

	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrSubmitting)
}

type senderFunc func(ctx context.Context, msg domain.OutgoingMessage) (*domain.Message, error)

func (f senderFunc) SendMessage(ctx context.Context, msg domain.OutgoingMessage) (*domain.Message, error) {
	return f(ctx, msg)
}

type failingUploader struct{}

func (failingUploader) Upload(ctx context.Context, f staging.File) (string, error) {
	return "", errors.New("quota exceeded")
}
