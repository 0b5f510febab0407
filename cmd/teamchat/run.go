package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"teamchat/internal/channel"
	"teamchat/internal/domain"
	"teamchat/internal/metrics"
	"teamchat/internal/tui"
)

func composeCmd() *cobra.Command {
	var chat string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Open the full-screen composer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(true)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			if chat == "" {
				chat = a.cfg.General.Chat
			}
			user := a.cfg.General.UserID
			comp, err := a.newComposer(a.hub.Conversation(chat, user, "tui"))
			if err != nil {
				return err
			}
			history, err := a.hub.History(ctx, chat, a.cfg.Store.HistoryLimit)
			if err != nil {
				return err
			}

			go a.hub.Run(ctx)

			model := tui.New(tui.Config{
				Composer: comp,
				Bus:      a.bus,
				Actions:  a.hub.Dispatcher(),
				Chat:     chat,
				UserID:   user,
				History:  history,
				Logger:   a.logger,
				Ctx:      ctx,
			})
			_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			a.bus.OffOutbound("tui")
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
	chatIDFlag(cmd, &chat)
	return cmd
}

func chatCmd() *cobra.Command {
	var chat string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Line-oriented composer on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			if chat == "" {
				chat = a.cfg.General.Chat
			}
			user := a.cfg.General.UserID
			comp, err := a.newComposer(a.hub.Conversation(chat, user, "cli"))
			if err != nil {
				return err
			}

			go a.hub.Run(ctx)

			cli := channel.NewCLI(channel.CLIConfig{
				Composer: comp,
				Actions:  a.actions(),
				Chat:     chat,
				UserID:   user,
				Logger:   a.logger,
			})
			return cli.Start(ctx, a.bus)
		},
	}
	chatIDFlag(cmd, &chat)
	return cmd
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the hub with all enabled bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := setup(false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signalContext()
			defer cancel()

			bridges := enabledBridges(a)
			if len(bridges) == 0 {
				return fmt.Errorf("no bridges enabled; set channels.*.enabled in %s", resolveConfigPath())
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.hub.Run(gctx)
				return nil
			})
			if a.cfg.Metrics.Enabled {
				g.Go(func() error { return serveMetrics(gctx, a) })
			}
			for _, b := range bridges {
				g.Go(func() error {
					a.logger.Info("bridge starting", "bridge", b.Name())
					if err := b.Start(gctx, a.bus); err != nil {
						return fmt.Errorf("%s: %w", b.Name(), err)
					}
					return nil
				})
			}

			a.logger.Info("gateway running", "bridges", len(bridges))
			err = g.Wait()
			for _, b := range bridges {
				if serr := b.Stop(); serr != nil {
					a.logger.Warn("bridge stop failed", "bridge", b.Name(), "err", serr)
				}
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// enabledBridges builds every bridge switched on in the config.
func enabledBridges(a *app) []domain.Channel {
	ch := a.cfg.Channels
	var out []domain.Channel
	if ch.Telegram.Enabled {
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			ParseMode: ch.Telegram.ParseMode,
			Chat:      ch.Telegram.Chat,
			ChatID:    ch.Telegram.ChatID,
			Actions:   a.actions(),
			Logger:    a.logger,
		}))
	}
	if ch.Slack.Enabled {
		out = append(out, channel.NewSlack(channel.SlackConfig{
			BotToken:  ch.Slack.BotToken,
			AppToken:  ch.Slack.AppToken,
			Chat:      ch.Slack.Chat,
			ChannelID: ch.Slack.ChannelID,
			Actions:   a.actions(),
			Logger:    a.logger,
		}))
	}
	if ch.Discord.Enabled {
		out = append(out, channel.NewDiscord(channel.DiscordConfig{
			Token:          ch.Discord.Token,
			GuildID:        ch.Discord.GuildID,
			Chat:           ch.Discord.Chat,
			ChannelID:      ch.Discord.ChannelID,
			CommandKeyword: a.cfg.Composer.CommandKeyword,
			Actions:        a.actions(),
			Logger:         a.logger,
		}))
	}
	if ch.WebSocket.Enabled {
		out = append(out, channel.NewWebSocketChannel(channel.WSConfig{
			Port:           ch.WebSocket.Port,
			Path:           ch.WebSocket.Path,
			Actions:        a.actions(),
			AllowedOrigins: ch.WebSocket.AllowedOrigins,
			History:        a.hub.History,
			HistoryLimit:   a.cfg.Store.HistoryLimit,
			Logger:         a.logger,
		}))
	}
	if ch.Webhook.Enabled {
		out = append(out, channel.NewWebhook(channel.WebhookConfig{
			Port:   ch.Webhook.Port,
			Path:   ch.Webhook.Path,
			Secret: ch.Webhook.Secret,
			Logger: a.logger,
		}))
	}
	return out
}

func serveMetrics(ctx context.Context, a *app) error {
	mc := a.cfg.Metrics
	mux := http.NewServeMux()
	mux.Handle(mc.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(mc.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("metrics listening", "addr", srv.Addr, "path", mc.Endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

