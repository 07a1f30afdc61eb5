package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/studyhall/studybot/config"
	"github.com/studyhall/studybot/internal/service"
	"github.com/studyhall/studybot/internal/storage"
)

// MessageSender delivers notifications. Satisfied by *bot.Bot.
type MessageSender interface {
	SendMessage(chatID int64, text string) error
}

// Scheduler drives the periodic jobs: reconciling every connected user's
// calendar and delivering event reminders.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	storage *storage.Storage
	sync    *service.SyncService
	logger  *slog.Logger
	sender  MessageSender
}

func New(cfg *config.Config, store *storage.Storage, syncSvc *service.SyncService, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(cfg.Timezone)),
		cfg:     cfg,
		storage: store,
		sync:    syncSvc,
		logger:  logger,
	}
}

func (s *Scheduler) SetSender(sender MessageSender) {
	s.sender = sender
}

func (s *Scheduler) Start(ctx context.Context) error {
	syncSpec := fmt.Sprintf("@every %s", s.cfg.SyncInterval)
	if _, err := s.cron.AddFunc(syncSpec, s.reconcileAll); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}

	if _, err := s.cron.AddFunc("* * * * *", s.checkReminders); err != nil {
		return fmt.Errorf("add reminder check: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.String("timezone", s.cfg.Timezone.String()),
		slog.Duration("sync_interval", s.cfg.SyncInterval),
	)

	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// reconcileAll runs one reconcile pass per connected user. Users are
// independent; one user's failure never blocks the rest.
func (s *Scheduler) reconcileAll() {
	users, err := s.storage.ListConnectedUsers()
	if err != nil {
		s.logger.Error("list connected users", slog.String("error", err.Error()))
		return
	}

	for _, user := range users {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		result, err := s.sync.Reconcile(ctx, user.ID)
		cancel()

		if err != nil {
			s.logger.Error("scheduled reconcile failed",
				slog.Int64("user_id", user.ID),
				slog.String("error", err.Error()))
			s.notify(user.ChatID, "Calendar sync failed: "+err.Error()+"\nUse /connect to re-link Google Calendar.")
			continue
		}

		// Quiet on clean passes; only surface trouble.
		if !result.Clean() {
			s.notify(user.ChatID, result.Summary())
		}
	}
}

// checkReminders sends a Telegram reminder for events starting soon.
func (s *Scheduler) checkReminders() {
	events, err := s.storage.ListUpcomingEventsForReminder(s.cfg.ReminderLookahead)
	if err != nil {
		s.logger.Error("list upcoming events", slog.String("error", err.Error()))
		return
	}

	for _, e := range events {
		user, err := s.storage.GetUser(e.UserID)
		if err != nil || user == nil || user.ChatID == 0 {
			continue
		}

		text := fmt.Sprintf("Starting at %s: %s", e.StartTime.In(s.cfg.Timezone).Format("15:04"), e.Title)
		if e.HasLocation() {
			text += " @ " + e.Location
		}
		s.notify(user.ChatID, text)

		if err := s.storage.MarkEventReminded(e.ID); err != nil {
			s.logger.Error("mark reminded", slog.Int64("event_id", e.ID), slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) notify(chatID int64, text string) {
	if s.sender == nil || chatID == 0 {
		return
	}
	if err := s.sender.SendMessage(chatID, text); err != nil {
		s.logger.Warn("send notification", slog.String("error", err.Error()))
	}
}
