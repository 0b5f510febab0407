package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToggle_FlipsOnlyOneFlag(t *testing.T) {
	var s ToggleSet

	f := s.Toggle(Bold)
	assert.True(t, f.Bold)
	assert.False(t, f.Italic)

	f = s.Toggle(Italic)
	assert.True(t, f.Bold, "toggling italic must not clear bold")
	assert.True(t, f.Italic)

	f = s.Toggle(Bold)
	assert.False(t, f.Bold)
	assert.True(t, f.Italic)
}

func TestToggle_UnknownFlag(t *testing.T) {
	var s ToggleSet
	s.Toggle(Code)

	f := s.Toggle(Flag("underline"))
	assert.Equal(t, Flags{Code: true}, f)
}

func TestExclusive(t *testing.T) {
	var s ToggleSet
	s.Toggle(Bold)
	s.Toggle(Code)

	f := s.Exclusive(Italic)
	assert.Equal(t, Flags{Italic: true}, f)

	f = s.Exclusive(Italic)
	assert.False(t, f.Any())
}

func TestResetAll_KeepsCommandMode(t *testing.T) {
	var s ToggleSet
	for _, flag := range Decorations {
		s.Toggle(flag)
	}
	s.SetCommandMode(true)

	s.ResetAll()

	f := s.Flags()
	assert.False(t, f.Any())
	assert.True(t, f.CommandMode)
}

func TestWrap(t *testing.T) {
	cases := map[Flag]string{
		Bold:          "**hi**",
		Code:          "`hi`",
		Italic:        "*hi*",
		Strikethrough: "~~hi~~",
		Flag("x"):     "hi",
	}
	for flag, want := range cases {
		assert.Equal(t, want, Wrap(flag, "hi"), string(flag))
	}
}

func TestFlags_Has(t *testing.T) {
	f := Flags{Strikethrough: true}
	assert.True(t, f.Has(Strikethrough))
	assert.False(t, f.Has(Bold))
}
