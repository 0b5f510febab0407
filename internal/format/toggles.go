// Package format tracks the composer's inline formatting toggles and the
// separate command-mode flag.
package format

// Flag names one decoration toggle.
type Flag string

const (
	Bold          Flag = "bold"
	Italic        Flag = "italic"
	Strikethrough Flag = "strikethrough"
	Code          Flag = "code"
)

// Decorations lists the decoration flags in submit wrap order.
var Decorations = []Flag{Bold, Code, Italic, Strikethrough}

// Flags is a snapshot of the toggle set.
type Flags struct {
	Bold          bool `json:"bold"`
	Italic        bool `json:"italic"`
	Strikethrough bool `json:"strikethrough"`
	Code          bool `json:"code"`
	CommandMode   bool `json:"command_mode"`
}

// Has reports whether the given decoration is set.
func (f Flags) Has(flag Flag) bool {
	switch flag {
	case Bold:
		return f.Bold
	case Italic:
		return f.Italic
	case Strikethrough:
		return f.Strikethrough
	case Code:
		return f.Code
	}
	return false
}

// Any reports whether at least one decoration is set.
func (f Flags) Any() bool {
	return f.Bold || f.Italic || f.Strikethrough || f.Code
}

// ToggleSet is the single mutation point for Flags. The zero value is ready
// to use.
type ToggleSet struct {
	flags Flags
}

// Toggle flips one decoration and returns the new snapshot. Other decorations
// are left as they are. Unknown flags change nothing.
func (s *ToggleSet) Toggle(flag Flag) Flags {
	if p := s.field(flag); p != nil {
		*p = !*p
	}
	return s.flags
}

// Exclusive clears every other decoration, then flips flag. This is the
// toolbar behaviour where pressing one icon switches the others off.
func (s *ToggleSet) Exclusive(flag Flag) Flags {
	p := s.field(flag)
	if p == nil {
		return s.flags
	}
	was := *p
	s.ResetAll()
	*p = !was
	return s.flags
}

// ResetAll clears the four decorations. CommandMode is untouched.
func (s *ToggleSet) ResetAll() {
	s.flags.Bold = false
	s.flags.Italic = false
	s.flags.Strikethrough = false
	s.flags.Code = false
}

// SetCommandMode sets the command-mode flag.
func (s *ToggleSet) SetCommandMode(on bool) {
	s.flags.CommandMode = on
}

// Flags returns the current snapshot.
func (s *ToggleSet) Flags() Flags {
	return s.flags
}

func (s *ToggleSet) field(flag Flag) *bool {
	switch flag {
	case Bold:
		return &s.flags.Bold
	case Italic:
		return &s.flags.Italic
	case Strikethrough:
		return &s.flags.Strikethrough
	case Code:
		return &s.flags.Code
	}
	return nil
}

// Wrap returns text decorated with flag's markup.
func Wrap(flag Flag, text string) string {
	switch flag {
	case Bold:
		return "**" + text + "**"
	case Code:
		return "`" + text + "`"
	case Italic:
		return "*" + text + "*"
	case Strikethrough:
		return "~~" + text + "~~"
	}
	return text
}
