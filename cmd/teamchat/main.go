package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"teamchat/internal/config"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "teamchat",
		Short: "teamchat: a chat composer with bridges to Telegram, Slack and Discord",
		Long: `teamchat is a local chat hub. Compose messages with formatting, uploads and
slash commands in the terminal, and mirror the conversation to Telegram, Slack,
Discord and WebSocket clients.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.teamchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(composeCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(actionCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		for _, p := range []*string{&cfg.Store.DBPath, &cfg.Uploads.StoragePath, &cfg.Commands.Dir} {
			*p = config.ExpandPath(*p)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads the config, swaps in the configured logger and builds the app.
func setup(quiet bool) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	l, closeLog, err := newLogger(cfg, quiet)
	if err != nil {
		return nil, nil, err
	}
	logger = l

	a, err := newApp(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		closeLog()
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config and data directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.Uploads.StoragePath, cfg.Commands.Dir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. composer.commandKeyword)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. composer.exclusiveFormatting true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			data, _ := json.MarshalIndent(paths, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		chat  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a chat's stored messages as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(false)
			if err != nil {
				return err
			}
			defer cleanup()

			if chat == "" {
				chat = a.cfg.General.Chat
			}
			if limit <= 0 {
				limit = a.cfg.Store.HistoryLimit
			}
			msgs, err := a.hub.History(cmd.Context(), chat, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(msgs)
		},
	}
	cmd.Flags().StringVar(&chat, "chat", "", "hub chat (default: general.chat)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of messages (default: store.historyLimit)")
	return cmd
}

// noopEvent satisfies domain.Event for actions pressed from the command line.
type noopEvent struct{}

func (noopEvent) PreventDefault() {}

func actionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action [message-id] [name] [value]",
		Short: "Invoke a message action (e.g. action <id> command_action send)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			msg, err := a.hub.Message(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.hub.Dispatcher().Invoke(ctx, msg, args[1], args[2], noopEvent{}); err != nil {
				return err
			}
			if _, err := a.hub.Message(ctx, args[0]); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "message %s removed\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message %s updated\n", args[0])
			return nil
		},
	}
}

func chatIDFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "chat", "", "hub chat to join (default: general.chat)")
}
