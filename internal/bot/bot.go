package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/studyhall/studybot/config"
	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/service"
	"github.com/studyhall/studybot/internal/storage"
)

// Bot is the Telegram surface: commands for managing events, the sync
// trigger, and the channel reconcile results are reported on.
type Bot struct {
	api     *tgbotapi.BotAPI
	cfg     *config.Config
	storage *storage.Storage
	events  *service.EventService
	sync    *service.SyncService
	google  *gcal.Provider
	logger  *slog.Logger
	server  *http.Server
}

func New(cfg *config.Config, store *storage.Storage, events *service.EventService, syncSvc *service.SyncService, google *gcal.Provider, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", slog.String("username", api.Self.UserName))

	b := &Bot{
		api:     api,
		cfg:     cfg,
		storage: store,
		events:  events,
		sync:    syncSvc,
		google:  google,
		logger:  logger,
	}

	b.setCommands()
	return b, nil
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "today", Description: "Today's study sessions"},
		{Command: "week", Description: "This week's sessions"},
		{Command: "add", Description: "Add a session: /add 2026-09-01 15:00 Algebra"},
		{Command: "sync", Description: "Sync with Google Calendar now"},
		{Command: "connect", Description: "Link your Google Calendar"},
		{Command: "help", Description: "Command reference"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.logger.Warn("failed to set bot commands", slog.String("error", err.Error()))
	}
}

// SetupWebhook registers the webhook with Telegram.
func (b *Bot) SetupWebhook() error {
	webhookURL := b.cfg.PublicURL + "/bot"

	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}

	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	info, err := b.api.GetWebhookInfo()
	if err != nil {
		return fmt.Errorf("get webhook info: %w", err)
	}
	if info.LastErrorDate != 0 {
		b.logger.Warn("webhook last error", slog.String("message", info.LastErrorMessage))
	}

	b.logger.Info("webhook set", slog.String("url", webhookURL))
	return nil
}

// Start serves the webhook, the OAuth callback, and the JSON API until the
// context is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updates := b.api.ListenForWebhook("/bot")

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.HandleFunc("/auth/google/callback", b.handleGoogleCallback)

	b.SetupAPI()

	b.server = &http.Server{
		Addr:    ":" + b.cfg.ServerPort,
		Handler: nil, // DefaultServeMux
	}

	go func() {
		b.logger.Info("http server starting", slog.String("port", b.cfg.ServerPort))
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("http server error", slog.String("error", err.Error()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-updates:
			go b.handleUpdate(update)
		}
	}
}

func (b *Bot) Stop(ctx context.Context) error {
	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}

// SendMessage delivers a plain notification to a chat. Used by the
// scheduler for reminders and sync reports.
func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	_, err := b.api.Send(msg)
	return err
}
