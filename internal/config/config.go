package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for teamchat.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Composer ComposerConfig `json:"composer"`
	Commands CommandsConfig `json:"commands"`
	Uploads  UploadsConfig  `json:"uploads"`
	Store    StoreConfig    `json:"store"`
	Hub      HubConfig      `json:"hub"`
	Channels ChannelsConfig `json:"channels"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	UserID   string `json:"userId"`            // author of locally composed messages
	Chat     string `json:"chat"`              // hub chat the TUI and CLI join
}

// ComposerConfig configures the message composer.
type ComposerConfig struct {
	MaxNumberOfFiles    int      `json:"maxNumberOfFiles"` // 0 = unlimited
	MultipleUploads     bool     `json:"multipleUploads"`
	AcceptedFiles       []string `json:"acceptedFiles"` // MIME patterns like "image/*"
	CommandKeyword      string   `json:"commandKeyword"`
	CommandMarker       string   `json:"commandMarker"`
	ExclusiveFormatting bool     `json:"exclusiveFormatting"`
	TypingIntervalMs    int      `json:"typingIntervalMs"`
}

// CommandsConfig points at YAML command descriptions for help and suggestions.
type CommandsConfig struct {
	Dir string `json:"dir,omitempty"`
}

type UploadsConfig struct {
	StoragePath  string `json:"storagePath"`
	MaxSizeBytes int64  `json:"maxSizeBytes"`
}

type StoreConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"`
}

type HubConfig struct {
	Concurrency   int            `json:"concurrency"`
	RateBurst     int            `json:"rateBurst"`
	RatePerMinute float64        `json:"ratePerMinute"`
	Resolver      ResolverConfig `json:"resolver"`
}

// ResolverConfig forwards message actions to an HTTP backend. Actions are
// resolved locally when URL is empty.
type ResolverConfig struct {
	URL            string `json:"url,omitempty"`
	Secret         string `json:"secret,omitempty"` // HMAC secret for signing requests
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Retries        int    `json:"retries"`
}

type ChannelsConfig struct {
	CLI       CLIConfig       `json:"cli"`
	Telegram  TelegramConfig  `json:"telegram"`
	Slack     SlackConfig     `json:"slack,omitempty"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	WebSocket WebSocketConfig `json:"websocket"`
	Webhook   WebhookConfig   `json:"webhook"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
	Chat      string         `json:"chat,omitempty"`   // hub chat, default "general"
	ChatID    int64          `json:"chatId,omitempty"` // learnt from the first message when 0
}

type SlackConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"botToken"`
	AppToken  string `json:"appToken"` // required for Socket Mode
	Chat      string `json:"chat,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	GuildID   string `json:"guildId,omitempty"` // optional: restrict slash commands to one guild
	Chat      string `json:"chat,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
}

type WebSocketConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Path           string   `json:"path"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Secret  string `json:"secret,omitempty"`
}

// FlexStringList is a []string that also accepts numbers, so Telegram user
// IDs can be written either way: ["123", 456] reads as {"123", "456"}.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(FlexStringList, len(items))
	for i, item := range items {
		out[i] = flexString(item)
	}
	*f = out
	return nil
}

func flexString(item json.RawMessage) string {
	var s string
	if json.Unmarshal(item, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(item, &n) == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		if fl, err := n.Float64(); err == nil {
			return strconv.FormatInt(int64(fl), 10)
		}
	}
	return string(item)
}

// MetricsConfig configures the Prometheus text endpoint served by the gateway.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.teamchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".teamchat"
	}
	return filepath.Join(home, ".teamchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Uploads.StoragePath = ExpandPath(cfg.Uploads.StoragePath)
	cfg.Commands.Dir = ExpandPath(cfg.Commands.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envRef matches ${VAR} and ${VAR:-default}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandEnvVars substitutes environment references in raw config text. A set,
// non-empty variable wins; otherwise the default is used, and a reference
// without a default is left as written.
func ExpandEnvVars(input string) string {
	var sb strings.Builder
	last := 0
	for _, m := range envRef.FindAllStringSubmatchIndex(input, -1) {
		sb.WriteString(input[last:m[0]])
		last = m[1]

		if val := os.Getenv(input[m[2]:m[3]]); val != "" {
			sb.WriteString(val)
		} else if m[4] >= 0 {
			sb.WriteString(input[m[4]+2 : m[5]])
		} else {
			sb.WriteString(input[m[0]:m[1]])
		}
	}
	sb.WriteString(input[last:])
	return sb.String()
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.Chat) == "" {
		errs = append(errs, "general.chat must not be empty")
	}

	c := cfg.Composer
	if strings.TrimSpace(c.CommandMarker) == "" {
		errs = append(errs, "composer.commandMarker must not be empty")
	}
	if strings.TrimSpace(c.CommandKeyword) == "" {
		errs = append(errs, "composer.commandKeyword must not be empty")
	} else if c.CommandMarker != "" && !strings.HasPrefix(c.CommandKeyword, c.CommandMarker) {
		errs = append(errs, "composer.commandKeyword must start with composer.commandMarker")
	}
	if strings.ContainsAny(c.CommandKeyword, " \t\n") {
		errs = append(errs, "composer.commandKeyword must not contain whitespace")
	}
	if c.MaxNumberOfFiles < 0 {
		errs = append(errs, "composer.maxNumberOfFiles must be >= 0")
	}
	if c.TypingIntervalMs < 0 {
		errs = append(errs, "composer.typingIntervalMs must be >= 0")
	}

	if cfg.Uploads.MaxSizeBytes < 0 {
		errs = append(errs, "uploads.maxSizeBytes must be >= 0")
	}
	if cfg.Store.HistoryLimit < 1 {
		errs = append(errs, "store.historyLimit must be >= 1")
	}

	if cfg.Hub.Concurrency < 1 || cfg.Hub.Concurrency > 100 {
		errs = append(errs, "hub.concurrency must be between 1 and 100")
	}
	if cfg.Hub.RateBurst < 0 {
		errs = append(errs, "hub.rateBurst must be >= 0")
	}
	if cfg.Hub.RatePerMinute < 0 {
		errs = append(errs, "hub.ratePerMinute must be >= 0")
	}
	if r := cfg.Hub.Resolver; r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "hub.resolver.url must be an http(s) URL")
		}
	}
	if cfg.Hub.Resolver.TimeoutSeconds < 0 {
		errs = append(errs, "hub.resolver.timeoutSeconds must be >= 0")
	}
	if cfg.Hub.Resolver.Retries < 0 {
		errs = append(errs, "hub.resolver.retries must be >= 0")
	}

	ports := []struct {
		name string
		port int
	}{
		{"channels.websocket.port", cfg.Channels.WebSocket.Port},
		{"channels.webhook.port", cfg.Channels.Webhook.Port},
		{"metrics.port", cfg.Metrics.Port},
	}
	for _, p := range ports {
		if p.port < 0 || p.port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 65535", p.name))
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and appToken are required when slack is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
