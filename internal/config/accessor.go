package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnknownPath = errors.New("unknown config path")

// tree is the generic JSON form of a Config, addressed by dot paths such as
// "composer.commandKeyword" or "channels.telegram.allowFrom.0".
type tree map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// decode builds a fresh Config from t. The caller's Config is only replaced
// once decoding succeeded.
func (t tree) decode() (*Config, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// lookup walks path and returns the node it names.
func (t tree) lookup(path string) (any, error) {
	var node any = map[string]any(t)
	for _, key := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
			}
			node = child
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("%w: %s (index %q)", ErrUnknownPath, path, key)
			}
			node = v[i]
		default:
			return nil, fmt.Errorf("%w: %s (%q is a leaf)", ErrUnknownPath, path, key)
		}
	}
	return node, nil
}

// parent returns the object holding the last key of path.
func (t tree) parent(path string) (map[string]any, string, error) {
	keys := strings.Split(path, ".")
	last := keys[len(keys)-1]
	if len(keys) == 1 {
		return t, last, nil
	}
	node, err := t.lookup(strings.Join(keys[:len(keys)-1], "."))
	if err != nil {
		return nil, "", err
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s is not a section", ErrUnknownPath, path)
	}
	return obj, last, nil
}

// GetByPath returns the value at a dot path.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	return t.lookup(path)
}

// SetByPath sets the value at an existing dot path. The text is read as JSON
// first (true, 3, 12.5, ["a","b"]) and as a plain string when that fails or
// does not fit the field. cfg is unchanged on error.
func SetByPath(cfg *Config, path, value string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrUnknownPath)
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}
	obj, key, err := t.parent(path)
	if err != nil {
		return err
	}
	if _, ok := obj[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}

	var next *Config
	var parsed any
	if json.Unmarshal([]byte(value), &parsed) == nil {
		obj[key] = parsed
		next, err = t.decode()
	}
	if next == nil {
		obj[key] = value
		if next, err = t.decode(); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	*cfg = *next
	return nil
}

// Sanitize returns a copy of the config with tokens and secrets masked.
func Sanitize(cfg *Config) *Config {
	clean := *cfg
	clean.Channels.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Channels.Telegram.AllowFrom...)
	clean.Composer.AcceptedFiles = append([]string(nil), cfg.Composer.AcceptedFiles...)

	for _, s := range []*string{
		&clean.Channels.Telegram.Token,
		&clean.Channels.Slack.BotToken,
		&clean.Channels.Slack.AppToken,
		&clean.Channels.Discord.Token,
		&clean.Channels.Webhook.Secret,
		&clean.Hub.Resolver.Secret,
	} {
		if *s != "" {
			*s = maskString(*s)
		}
	}
	return &clean
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dot path → leaf value.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		obj, ok := node.(map[string]any)
		if !ok {
			out[prefix] = node
			return
		}
		for k, v := range obj {
			if prefix != "" {
				k = prefix + "." + k
			}
			walk(k, v)
		}
	}
	walk("", map[string]any(t))
	return out
}
