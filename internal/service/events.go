package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhall/studybot/internal/domain"
	"github.com/studyhall/studybot/internal/storage"
)

// EventService is the local CRUD surface used by the bot and the HTTP API.
// Every local write leaves the event pending so the next reconcile pushes it.
type EventService struct {
	storage   *storage.Storage
	calendars CalendarProvider // nil disables remote deletes
	logger    *slog.Logger
}

func NewEventService(s *storage.Storage, calendars CalendarProvider, logger *slog.Logger) *EventService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventService{storage: s, calendars: calendars, logger: logger}
}

// CreateEvent stores a new local event in pending state.
func (s *EventService) CreateEvent(userID int64, title, description, location string, start, end time.Time, allDay bool, reminder string) (*domain.Event, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if end.Before(start) {
		return nil, fmt.Errorf("event ends before it starts")
	}
	if location == "" {
		location = domain.NoLocation
	}

	event := &domain.Event{
		UserID:      userID,
		Title:       title,
		Description: description,
		Location:    location,
		StartTime:   start,
		EndTime:     end,
		AllDay:      allDay,
		Reminder:    reminder,
		SyncStatus:  domain.SyncPending,
	}

	if err := s.storage.CreateEvent(event); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return event, nil
}

// UpdateEvent applies a local edit and marks the event pending again.
func (s *EventService) UpdateEvent(event *domain.Event) error {
	event.SyncStatus = domain.SyncPending
	if err := s.storage.UpdateEvent(event); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event locally and, when it was already pushed,
// from Google. A failed remote delete is logged but does not block the
// local delete; the remote delete is idempotent on the Google side.
func (s *EventService) DeleteEvent(ctx context.Context, eventID, userID int64) error {
	event, err := s.storage.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	if event == nil || event.UserID != userID {
		return fmt.Errorf("event not found")
	}

	if event.RemoteID != "" && s.calendars != nil {
		if api, err := s.calendars.ClientFor(ctx, userID); err == nil {
			if err := api.DeleteEvent(ctx, event.RemoteID); err != nil {
				s.logger.Warn("remote delete failed",
					slog.Int64("event_id", eventID),
					slog.String("error", err.Error()))
			}
		}
	}

	return s.storage.DeleteEvent(eventID)
}

// GetEvent returns an event owned by the user, or nil.
func (s *EventService) GetEvent(eventID, userID int64) (*domain.Event, error) {
	event, err := s.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	if event == nil || event.UserID != userID {
		return nil, nil
	}
	return event, nil
}

// ListToday returns today's events for a user.
func (s *EventService) ListToday(userID int64) ([]*domain.Event, error) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.storage.ListEvents(userID, from, from.AddDate(0, 0, 1))
}

// ListWeek returns the next seven days of events for a user.
func (s *EventService) ListWeek(userID int64) ([]*domain.Event, error) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.storage.ListEvents(userID, from, from.AddDate(0, 0, 7))
}

// ListRange returns events in an arbitrary window.
func (s *EventService) ListRange(userID int64, from, to time.Time) ([]*domain.Event, error) {
	return s.storage.ListEvents(userID, from, to)
}

// ListAll returns every event for a user, for the ICS feed.
func (s *EventService) ListAll(userID int64) ([]*domain.Event, error) {
	return s.storage.ListAllEvents(userID)
}
