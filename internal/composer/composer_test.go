package composer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/bus"
	"teamchat/internal/format"
	"teamchat/internal/staging"
)

func TestApply_PassesPlainTextThrough(t *testing.T) {
	inputs := []string{
		"hello",
		"giphy cats",
		"/gif cats",
		" /giphy cats",
		"/GIPHY cats",
		"/giphyx",
		"/giphyx cats",
		"emoji :smile",
		"",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			f := newFixture(t)
			tr := f.c.Apply(EditIntent{Text: in, Kind: EditReplace})

			assert.Equal(t, in, tr.Draft.Text)
			assert.False(t, tr.Flags.CommandMode)
			assert.NotEqual(t, StateCommandMode, tr.State)
		})
	}
}

func TestApply_TypedKeywordEntersCommandMode(t *testing.T) {
	f := newFixture(t)

	tr := f.typeText("/giphy search term")

	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, "search term", tr.Draft.Text)
	assert.Equal(t, StateCommandMode, tr.State)
}

func TestApply_PastedKeywordEntersCommandMode(t *testing.T) {
	f := newFixture(t)

	tr := f.c.Apply(EditIntent{Text: "/giphy search term", Kind: EditReplace})

	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, "search term", tr.Draft.Text)
}

func TestApply_BareKeywordWaitsForSeparator(t *testing.T) {
	f := newFixture(t)

	tr := f.typeText("/giphy")
	assert.False(t, tr.Flags.CommandMode)
	assert.Equal(t, "/giphy", tr.Draft.Text)

	tr = f.typeText("s")
	assert.False(t, tr.Flags.CommandMode, "/giphys is not the command")
}

func TestApply_KeywordIgnoredWithStagedUpload(t *testing.T) {
	f := newFixture(t)
	attachPNG(t, f.c, "cat.png")

	tr := f.c.Apply(EditIntent{Text: "/giphy cats", Kind: EditReplace})

	assert.False(t, tr.Flags.CommandMode)
	assert.Equal(t, "/giphy cats", tr.Draft.Text)
	assert.Equal(t, StateEditing, tr.State)
}

func TestApply_BackspaceOnLastCharacterExitsCommandMode(t *testing.T) {
	f := newFixture(t)
	f.c.Apply(EditIntent{Text: "/giphy a", Kind: EditReplace})
	f.c.Toggle(format.Bold)
	require.True(t, f.c.Flags().CommandMode)
	require.Equal(t, "a", f.c.Text())

	tr := f.backspace()

	assert.False(t, tr.Flags.CommandMode)
	assert.False(t, tr.Flags.Any(), "leaving command mode resets decorations")
	assert.Equal(t, "", tr.Draft.Text)
	assert.Equal(t, StateIdle, tr.State)
}

func TestApply_OtherDeletesKeepCommandMode(t *testing.T) {
	f := newFixture(t)
	f.c.Apply(EditIntent{Text: "/giphy cats", Kind: EditReplace})

	tr := f.backspace()
	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, "cat", tr.Draft.Text)

	// Select-all and cut empties the text without a single-character backspace.
	tr = f.c.Apply(EditIntent{Text: "", Kind: EditReplace})
	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, StateCommandMode, tr.State)
}

func TestApply_BackspaceOutsideCommandModeIsPlainEdit(t *testing.T) {
	f := newFixture(t)
	f.typeText("a")

	tr := f.backspace()

	assert.False(t, tr.Flags.CommandMode)
	assert.Equal(t, StateIdle, tr.State)
}

func TestApply_StaysInCommandModeWhenKeywordTypedAgain(t *testing.T) {
	f := newFixture(t)
	f.c.Apply(EditIntent{Text: "/giphy x", Kind: EditReplace})

	tr := f.c.Apply(EditIntent{Text: "/giphy y", Kind: EditReplace})

	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, "/giphy y", tr.Draft.Text, "keyword is only stripped on entry")
}

func TestApply_EmitsCommandModeEvents(t *testing.T) {
	f := newFixture(t)
	var types []string
	f.events.On("*", func(e bus.Event) { types = append(types, e.Type) })

	f.c.Apply(EditIntent{Text: "/giphy a", Kind: EditReplace})
	f.backspace()

	assert.Contains(t, types, bus.EventCommandModeEntered)
	assert.Contains(t, types, bus.EventCommandModeExited)
}

func TestApply_Suggestions(t *testing.T) {
	f := newFixture(t)

	tr := f.c.Apply(EditIntent{Text: "hey @jo", Kind: EditInsert})
	assert.Equal(t, "mention", string(tr.Suggestion.Kind))
	assert.Equal(t, "jo", tr.Suggestion.Query)

	tr = f.c.Apply(EditIntent{Text: "/gi", Kind: EditInsert})
	assert.Equal(t, "command", string(tr.Suggestion.Kind))
	assert.Len(t, f.c.Commands().Suggest(tr.Suggestion.Query), 1)
}

func TestApply_TypingIsThrottled(t *testing.T) {
	f := newFixture(t)

	tr := f.c.Apply(EditIntent{Text: "h", Kind: EditInsert})
	assert.Contains(t, tr.Effects, EffectTyping)

	f.now = f.now.Add(500 * time.Millisecond)
	tr = f.c.Apply(EditIntent{Text: "hi", Kind: EditInsert})
	assert.NotContains(t, tr.Effects, EffectTyping)

	f.now = f.now.Add(2 * time.Second)
	tr = f.c.Apply(EditIntent{Text: "hi!", Kind: EditInsert})
	assert.Contains(t, tr.Effects, EffectTyping)

	tr = f.c.Apply(EditIntent{Text: "", Kind: EditReplace})
	assert.NotContains(t, tr.Effects, EffectTyping, "empty text never pings")
}

func TestTriggerCommand(t *testing.T) {
	focused := 0
	f := newFixture(t, func(o *Options) { o.Focus = func() { focused++ } })
	f.c.Toggle(format.Italic)
	f.c.Apply(EditIntent{Text: "draft", Kind: EditInsert})

	tr := f.c.TriggerCommand()

	assert.Equal(t, "/", tr.Draft.Text)
	assert.False(t, tr.Flags.Any())
	assert.Equal(t, []Effect{EffectFocus, EffectTyping}, tr.Effects)

	f.c.Perform(context.Background(), tr.Effects)
	assert.Equal(t, 1, focused)
	assert.Equal(t, 1, f.typing.calls)

	tr = f.typeText("giphy dogs")
	assert.True(t, tr.Flags.CommandMode)
	assert.Equal(t, "dogs", tr.Draft.Text)
}

func TestPerform_TypingFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.typing.err = errors.New("offline")

	assert.NotPanics(t, func() {
		f.c.Perform(context.Background(), []Effect{EffectTyping, EffectFocus})
	})
	assert.Equal(t, 1, f.typing.calls)
}

func TestToggle_Exclusive(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ExclusiveFormatting = true })

	f.c.Toggle(format.Bold)
	flags := f.c.Toggle(format.Code)

	assert.Equal(t, format.Flags{Code: true}, flags)
}

func TestToggle_NonExclusive(t *testing.T) {
	f := newFixture(t)

	f.c.Toggle(format.Bold)
	flags := f.c.Toggle(format.Code)

	assert.True(t, flags.Bold)
	assert.True(t, flags.Code)
}

func TestAttach_RejectedInCommandMode(t *testing.T) {
	f := newFixture(t)
	f.c.Apply(EditIntent{Text: "/giphy cats", Kind: EditReplace})

	_, err := f.c.Attach(staging.File{Name: "a.png", MimeType: "image/png", Body: strings.NewReader("x")})

	assert.ErrorIs(t, err, ErrCommandMode)
	assert.Empty(t, f.c.Snapshot().Draft.Attachments)
	assert.False(t, f.c.CanUpload())
	assert.True(t, f.c.ShowCommandBadge())
}

func TestAttach_LimitDisablesUploads(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Staging = staging.New(staging.Options{MaxFiles: 1, Logger: testLogger()})
	})
	assert.True(t, f.c.CanUpload())

	attachPNG(t, f.c, "a.png")

	assert.False(t, f.c.CanUpload())
	_, err := f.c.Attach(staging.File{Name: "b.png", MimeType: "image/png"})
	assert.ErrorIs(t, err, staging.ErrLimitReached)
}

func TestUpload_TracksNumberOfUploads(t *testing.T) {
	f := newFixture(t)
	ref := attachPNG(t, f.c, "a.png")

	snap := f.c.Snapshot()
	require.Len(t, snap.Draft.Attachments, 1)
	assert.Equal(t, staging.StatePending, snap.Draft.Attachments[0].State)
	assert.Zero(t, snap.Draft.NumberOfUploads)

	done, err := f.c.Upload(context.Background(), ref.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.StateComplete, done.State)
	assert.Equal(t, "file:///uploads/a.png", done.URL)
}
