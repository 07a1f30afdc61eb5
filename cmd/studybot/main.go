package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studyhall/studybot/config"
	"github.com/studyhall/studybot/internal/bot"
	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/scheduler"
	"github.com/studyhall/studybot/internal/service"
	"github.com/studyhall/studybot/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to init storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	google := gcal.NewProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL, store)
	syncSvc := service.NewSyncService(store, google, logger)
	eventSvc := service.NewEventService(store, google, logger)

	tgBot, err := bot.New(cfg, store, eventSvc, syncSvc, google, logger)
	if err != nil {
		logger.Error("failed to init bot", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := tgBot.SetupWebhook(); err != nil {
		logger.Error("failed to setup webhook", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sched := scheduler.New(cfg, store, syncSvc, logger)
	sched.SetSender(tgBot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		if err := tgBot.Start(ctx); err != nil {
			logger.Error("bot error", slog.String("error", err.Error()))
		}
	}()

	logger.Info("studybot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tgBot.Stop(shutdownCtx); err != nil {
		logger.Error("bot shutdown error", slog.String("error", err.Error()))
	}
}
