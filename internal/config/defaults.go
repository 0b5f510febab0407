package config

import "os"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			UserID:   defaultUserID(),
			Chat:     "general",
		},
		Composer: ComposerConfig{
			MaxNumberOfFiles: 10,
			MultipleUploads:  true,
			CommandKeyword:   "/giphy",
			CommandMarker:    "/",
			TypingIntervalMs: 2000,
		},
		Commands: CommandsConfig{
			Dir: "~/.teamchat/commands",
		},
		Uploads: UploadsConfig{
			StoragePath:  "~/.teamchat/uploads",
			MaxSizeBytes: 50 * 1024 * 1024,
		},
		Store: StoreConfig{
			DBPath:       "~/.teamchat/messages.db",
			HistoryLimit: 100,
		},
		Hub: HubConfig{
			Concurrency:   3,
			RateBurst:     10,
			RatePerMinute: 60,
			Resolver: ResolverConfig{
				TimeoutSeconds: 10,
				Retries:        2,
			},
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				Enabled: true,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Port:    8081,
				Path:    "/ws",
			},
			Webhook: WebhookConfig{
				Enabled: false,
				Port:    9090,
				Path:    "/webhook",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Port:     9100,
			Endpoint: "/metrics",
		},
	}
}

func defaultUserID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "me"
}
