package composer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCommandKeyword = "/giphy"
	DefaultCommandMarker  = "/"
)

// CommandDefinition describes a slash command for help and autocomplete.
// The composer never executes commands; the backend does.
type CommandDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Args        string `yaml:"args,omitempty"`
}

// Commands holds the command literals and the known command definitions.
type Commands struct {
	Keyword string
	Marker  string
	defs    []CommandDefinition
}

// NewCommands builds a catalogue. Empty literals fall back to the defaults.
func NewCommands(keyword, marker string, defs ...CommandDefinition) *Commands {
	if keyword == "" {
		keyword = DefaultCommandKeyword
	}
	if marker == "" {
		marker = DefaultCommandMarker
	}
	c := &Commands{Keyword: keyword, Marker: marker}
	c.Add(CommandDefinition{
		Name:        strings.TrimPrefix(keyword, marker),
		Description: "Post a random gif to the channel",
		Args:        "[text]",
	})
	c.Add(defs...)
	return c
}

// Add registers definitions. A definition with an existing name replaces it.
func (c *Commands) Add(defs ...CommandDefinition) {
	for _, d := range defs {
		if d.Name == "" {
			continue
		}
		replaced := false
		for i := range c.defs {
			if c.defs[i].Name == d.Name {
				c.defs[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			c.defs = append(c.defs, d)
		}
	}
	sort.Slice(c.defs, func(i, j int) bool { return c.defs[i].Name < c.defs[j].Name })
}

// HasKeyword reports whether text starts with the command keyword.
func (c *Commands) HasKeyword(text string) bool {
	return strings.HasPrefix(text, c.Keyword)
}

// CutKeyword reports whether text opens a command: the keyword followed by
// whitespace. It returns the query after the keyword and that one separator.
// The bare keyword does not match yet, so typing it character by character
// does not leave a leading space in the query.
func (c *Commands) CutKeyword(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, c.Keyword)
	if !ok || rest == "" {
		return text, false
	}
	r, size := utf8.DecodeRuneInString(rest)
	if !unicode.IsSpace(r) {
		return text, false
	}
	return rest[size:], true
}

// Prefix returns query as a command invocation.
func (c *Commands) Prefix(query string) string {
	return c.Keyword + " " + query
}

// Suggest returns the definitions whose name starts with query.
func (c *Commands) Suggest(query string) []CommandDefinition {
	var out []CommandDefinition
	for _, d := range c.defs {
		if strings.HasPrefix(d.Name, query) {
			out = append(out, d)
		}
	}
	return out
}

// List returns every definition sorted by name.
func (c *Commands) List() []CommandDefinition {
	return append([]CommandDefinition(nil), c.defs...)
}

// Usage renders one definition as help text.
func (c *Commands) Usage(d CommandDefinition) string {
	line := c.Marker + d.Name
	if d.Args != "" {
		line += " " + d.Args
	}
	if d.Description != "" {
		line += " - " + d.Description
	}
	return line
}

// LoadCommandsFromDirectory loads command definitions from the .yaml/.yml
// files in dir. Unreadable files are logged and skipped; a missing directory
// yields no definitions.
func LoadCommandsFromDirectory(dir string, logger *slog.Logger) ([]CommandDefinition, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("commands directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read commands dir: %w", err)
	}

	var defs []CommandDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read command file", "path", path, "err", err)
			continue
		}

		var def CommandDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			logger.Warn("cannot parse command file", "path", path, "err", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		logger.Debug("loaded command", "name", def.Name, "path", path)
		defs = append(defs, def)
	}
	return defs, nil
}
