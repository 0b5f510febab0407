package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"teamchat/internal/bus"
	"teamchat/internal/channel"
	"teamchat/internal/composer"
	"teamchat/internal/config"
	"teamchat/internal/hub"
	"teamchat/internal/staging"
	"teamchat/internal/store"
)

// app holds the components every subcommand shares.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *bus.InMemoryBus
	events *bus.EventBus
	store  *store.SQLiteStore
	hub    *hub.Hub

	closers []func()
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("message store: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    bus.New(100, logger),
		events: bus.NewEventBus(logger),
		store:  st,
	}
	a.events.On("*", func(e bus.Event) {
		logger.Debug("event", "type", e.Type, "source", e.Source, "payload", e.Payload)
	})

	var resolver hub.Resolver
	if rc := cfg.Hub.Resolver; rc.URL != "" {
		wr := hub.NewWebhookResolver(hub.WebhookConfig{
			URL:     rc.URL,
			Secret:  rc.Secret,
			Timeout: time.Duration(rc.TimeoutSeconds) * time.Second,
			Retries: rc.Retries,
			Logger:  logger,
		})
		a.closers = append(a.closers, wr.Close)
		resolver = wr
		logger.Info("actions resolved by webhook", "url", rc.URL)
	}

	a.hub = hub.New(hub.Config{
		Store:          st,
		Bus:            a.bus,
		Resolver:       resolver,
		Logger:         logger,
		Events:         a.events,
		CommandKeyword: cfg.Composer.CommandKeyword,
		Concurrency:    cfg.Hub.Concurrency,
		RateBurst:      cfg.Hub.RateBurst,
		RatePerMinute:  cfg.Hub.RatePerMinute,
	})
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close message store", "err", err)
	}
}

func (a *app) actions() channel.ActionConfig {
	return channel.ActionConfig{Invoker: a.hub.Dispatcher(), Lookup: a.hub.Message}
}

// newComposer builds a composer bound to conv with uploads stored on disk.
func (a *app) newComposer(conv *hub.Conversation) (*composer.Composer, error) {
	cc := a.cfg.Composer

	uploader, err := staging.NewDiskUploader(staging.DiskUploaderConfig{
		StoragePath:  a.cfg.Uploads.StoragePath,
		MaxSizeBytes: a.cfg.Uploads.MaxSizeBytes,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}

	defs, err := composer.LoadCommandsFromDirectory(a.cfg.Commands.Dir, a.logger)
	if err != nil {
		a.logger.Warn("cannot load command definitions", "dir", a.cfg.Commands.Dir, "err", err)
	}

	return composer.New(composer.Options{
		Commands: composer.NewCommands(cc.CommandKeyword, cc.CommandMarker, defs...),
		Staging: staging.New(staging.Options{
			MaxFiles:      cc.MaxNumberOfFiles,
			Multiple:      cc.MultipleUploads,
			AcceptedTypes: cc.AcceptedFiles,
			Uploader:      uploader,
			Logger:        a.logger,
		}),
		Sender:              conv,
		Typing:              conv,
		Logger:              a.logger,
		Events:              a.events,
		ExclusiveFormatting: cc.ExclusiveFormatting,
		TypingInterval:      time.Duration(cc.TypingIntervalMs) * time.Millisecond,
	}), nil
}

// newLogger builds the process logger. Output goes to stderr, plus the
// configured log file; quiet drops stderr for full-screen commands.
func newLogger(cfg *config.Config, quiet bool) (*slog.Logger, func(), error) {
	var writers []io.Writer
	if !quiet {
		writers = append(writers, os.Stderr)
	}
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = func() { f.Close() }
	}

	var out io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.General.LogLevel)})), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
