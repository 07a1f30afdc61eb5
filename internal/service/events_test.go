package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/studyhall/studybot/internal/domain"
	"github.com/studyhall/studybot/internal/storage"
)

func newTestEventService(t *testing.T) (*EventService, *storage.Storage, int64) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	u := &domain.User{TelegramID: 100, Name: "Test User"}
	if err := store.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEventService(store, nil, logger), store, u.ID
}

func TestCreateEventValidation(t *testing.T) {
	svc, _, userID := newTestEventService(t)
	start := time.Date(2026, 9, 2, 15, 0, 0, 0, time.UTC)

	if _, err := svc.CreateEvent(userID, "", "", "", start, start.Add(time.Hour), false, ""); err == nil {
		t.Error("empty title accepted")
	}
	if _, err := svc.CreateEvent(userID, "Backwards", "", "", start, start.Add(-time.Hour), false, ""); err == nil {
		t.Error("end before start accepted")
	}
}

func TestCreateEventDefaults(t *testing.T) {
	svc, _, userID := newTestEventService(t)
	start := time.Date(2026, 9, 2, 15, 0, 0, 0, time.UTC)

	e, err := svc.CreateEvent(userID, "Algebra review", "", "", start, start.Add(time.Hour), false, "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if e.Location != domain.NoLocation {
		t.Errorf("Location = %q, want placeholder", e.Location)
	}
	if e.SyncStatus != domain.SyncPending {
		t.Errorf("SyncStatus = %q, want pending", e.SyncStatus)
	}
	if !e.NeedsPush() {
		t.Error("new event does not need a push")
	}
}

func TestUpdateEventMarksPending(t *testing.T) {
	svc, store, userID := newTestEventService(t)
	start := time.Date(2026, 9, 2, 15, 0, 0, 0, time.UTC)

	e, err := svc.CreateEvent(userID, "Quiz prep", "", "Room 2", start, start.Add(time.Hour), false, "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	// Simulate a completed push, then a local edit.
	e.RemoteID = "remote-1"
	e.SyncStatus = domain.SyncSynced
	if err := store.SaveSyncState(e); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}

	e.Title = "Quiz prep (moved)"
	if err := svc.UpdateEvent(e); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}

	got, _ := store.GetEvent(e.ID)
	if got.SyncStatus != domain.SyncPending {
		t.Errorf("SyncStatus after edit = %q, want pending", got.SyncStatus)
	}
	if got.RemoteID != "remote-1" {
		t.Errorf("RemoteID lost on edit: %q", got.RemoteID)
	}
}

func TestGetEventOwnership(t *testing.T) {
	svc, store, userID := newTestEventService(t)
	start := time.Date(2026, 9, 2, 15, 0, 0, 0, time.UTC)

	other := &domain.User{TelegramID: 200, Name: "Other"}
	if err := store.CreateUser(other); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	e, err := svc.CreateEvent(userID, "Mine", "", "", start, start.Add(time.Hour), false, "")
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	got, err := svc.GetEvent(e.ID, other.ID)
	if err != nil || got != nil {
		t.Errorf("foreign GetEvent = (%v, %v), want (nil, nil)", got, err)
	}
	if err := svc.DeleteEvent(context.Background(), e.ID, other.ID); err == nil {
		t.Error("foreign delete accepted")
	}
	if err := svc.DeleteEvent(context.Background(), e.ID, userID); err != nil {
		t.Errorf("owner delete failed: %v", err)
	}
}
