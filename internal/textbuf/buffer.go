// Package textbuf holds the composer's draft text and detects autocomplete
// triggers (mentions, emoji, commands) at the caret.
package textbuf

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SuggestionKind classifies an autocomplete trigger.
type SuggestionKind string

const (
	SuggestNone    SuggestionKind = ""
	SuggestMention SuggestionKind = "mention"
	SuggestEmoji   SuggestionKind = "emoji"
	SuggestCommand SuggestionKind = "command"
)

// emojiMinChars is how many characters must follow ':' before emoji
// suggestions open, so times like "10:30" stay quiet.
const emojiMinChars = 2

// Suggestion is the trigger active at the caret, if any.
type Suggestion struct {
	Kind  SuggestionKind
	Query string
}

// Buffer is the draft text plus its caret. The caret is a rune offset and
// always sits at the end of the last change.
type Buffer struct {
	text          string
	caret         int
	commandMarker string
}

// New returns an empty buffer. commandMarker is the literal that opens
// command suggestions when it starts the text (e.g. "/").
func New(commandMarker string) *Buffer {
	return &Buffer{commandMarker: commandMarker}
}

// HandleChange stores text as the new draft and reports the trigger at the
// caret.
func (b *Buffer) HandleChange(text string) Suggestion {
	b.text = text
	b.caret = utf8.RuneCountInString(text)
	return b.suggestion()
}

// Text returns the draft text.
func (b *Buffer) Text() string { return b.text }

// Len returns the draft length in runes.
func (b *Buffer) Len() int { return utf8.RuneCountInString(b.text) }

// Caret returns the caret position in runes.
func (b *Buffer) Caret() int { return b.caret }

// Reset clears the draft.
func (b *Buffer) Reset() {
	b.text = ""
	b.caret = 0
}

func (b *Buffer) suggestion() Suggestion {
	if b.text == "" {
		return Suggestion{}
	}

	if b.commandMarker != "" && strings.HasPrefix(b.text, b.commandMarker) {
		rest := b.text[len(b.commandMarker):]
		if !strings.ContainsFunc(rest, unicode.IsSpace) {
			return Suggestion{Kind: SuggestCommand, Query: rest}
		}
	}

	word := lastWord(b.text)
	switch {
	case strings.HasPrefix(word, "@"):
		return Suggestion{Kind: SuggestMention, Query: word[1:]}
	case strings.HasPrefix(word, ":"):
		q := word[1:]
		if utf8.RuneCountInString(q) >= emojiMinChars && !strings.Contains(q, ":") {
			return Suggestion{Kind: SuggestEmoji, Query: q}
		}
	}
	return Suggestion{}
}

// lastWord returns the run of non-space characters ending at the end of s.
func lastWord(s string) string {
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return s[i+size:]
}
