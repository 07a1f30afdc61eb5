package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/domain"
)

// SyncStore is the slice of the storage layer the sync engine needs.
// Satisfied by *storage.Storage.
type SyncStore interface {
	ListPendingEvents(userID int64) ([]*domain.Event, error)
	GetEventByRemoteID(userID int64, remoteID string) (*domain.Event, error)
	CreateEvent(e *domain.Event) error
	SaveSyncState(e *domain.Event) error
	OverwriteFromRemote(e *domain.Event, remoteUpdated time.Time) error
	DeleteEvent(id int64) error

	SyncCursor(userID int64) (string, error)
	SetSyncCursor(userID int64, cursor string) error
	ClearSyncCursor(userID int64) error
}

// CalendarProvider hands out an authenticated calendar client per user.
// Satisfied by *gcal.Provider.
type CalendarProvider interface {
	ClientFor(ctx context.Context, userID int64) (gcal.CalendarAPI, error)
}

// ReconcileResult summarizes one reconcile pass. Per-item failures land in
// Errors; the pass itself still completes.
type ReconcileResult struct {
	PushedToRemote   int
	PulledFromRemote int
	Errors           []string
}

func (r *ReconcileResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Clean reports whether the pass finished without per-item errors.
func (r *ReconcileResult) Clean() bool {
	return len(r.Errors) == 0
}

// Summary formats the result for a notification message.
func (r *ReconcileResult) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Calendar sync: %d pushed, %d pulled", r.PushedToRemote, r.PulledFromRemote))
	if len(r.Errors) > 0 {
		sb.WriteString(fmt.Sprintf(", %d errors:", len(r.Errors)))
		for _, e := range r.Errors {
			sb.WriteString("\n  - " + e)
		}
	}
	return sb.String()
}

// SyncService keeps the local event store and Google Calendar consistent.
// Push runs before pull so freshly pushed events are not re-imported as
// foreign changes within the same pass.
type SyncService struct {
	store     SyncStore
	calendars CalendarProvider
	mapper    Mapper
	logger    *slog.Logger
	now       func() time.Time

	// One reconcile per user at a time. Push mutates sync status on shared
	// rows and pull rewrites the shared cursor; interleaving two passes for
	// the same user could double-apply pushes or tear cursor writes.
	mu    sync.Mutex
	locks map[int64]*userLock
}

// userLock serializes reconciles for one user. Entries are refcounted and
// removed from the map once the last holder releases, so the map stays
// bounded by the number of reconciles in flight.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewSyncService creates the sync engine. A nil logger falls back to
// slog.Default().
func NewSyncService(store SyncStore, calendars CalendarProvider, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:     store,
		calendars: calendars,
		logger:    logger,
		now:       time.Now,
		locks:     make(map[int64]*userLock),
	}
}

func (s *SyncService) lockUser(userID int64) *userLock {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *SyncService) unlockUser(userID int64, l *userLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, userID)
	}
	s.mu.Unlock()
}

// Reconcile runs one full push-then-pull pass for a user and returns the
// aggregated counts. Only a credential failure is returned as an error;
// everything per-item is recorded in the result.
func (s *SyncService) Reconcile(ctx context.Context, userID int64) (*ReconcileResult, error) {
	lock := s.lockUser(userID)
	defer s.unlockUser(userID, lock)

	start := s.now()

	api, err := s.calendars.ClientFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("calendar client for user %d: %w", userID, err)
	}

	result := &ReconcileResult{}
	s.pushLocal(ctx, api, userID, result)
	s.pullRemote(ctx, api, userID, result)

	s.logger.Info("reconcile finished",
		slog.Int64("user_id", userID),
		slog.Int("pushed", result.PushedToRemote),
		slog.Int("pulled", result.PulledFromRemote),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("took", s.now().Sub(start)),
	)

	return result, nil
}

// pushLocal sends every pending, failed, or never-pushed event to Google.
// A single failed event is recorded and skipped; the batch continues.
func (s *SyncService) pushLocal(ctx context.Context, api gcal.CalendarAPI, userID int64, result *ReconcileResult) {
	events, err := s.store.ListPendingEvents(userID)
	if err != nil {
		result.errorf("list pending events: %v", err)
		return
	}

	for _, ev := range events {
		draft := s.mapper.ToRemote(ev)

		var remoteID string
		if ev.RemoteID == "" {
			remoteID, err = api.CreateEvent(ctx, draft)
		} else {
			remoteID, err = api.UpdateEvent(ctx, ev.RemoteID, draft)
		}
		if err != nil {
			ev.SyncStatus = domain.SyncFailed
			if saveErr := s.store.SaveSyncState(ev); saveErr != nil {
				result.errorf("mark %q failed: %v", ev.Title, saveErr)
			}
			result.errorf("push %q: %v", ev.Title, err)
			continue
		}

		now := s.now()
		ev.RemoteID = remoteID
		ev.SyncStatus = domain.SyncSynced
		ev.LastSyncedAt = &now
		if err := s.store.SaveSyncState(ev); err != nil {
			result.errorf("save sync state for %q: %v", ev.Title, err)
			continue
		}
		result.PushedToRemote++
	}
}

// pullRemote walks the incremental change feed and applies each remote
// change locally. On the first cursor expiry the cursor is cleared and the
// pull restarts once on the lookback-window path; a second expiry in the
// same pass is recorded and given up on.
func (s *SyncService) pullRemote(ctx context.Context, api gcal.CalendarAPI, userID int64, result *ReconcileResult) {
	cursor, err := s.store.SyncCursor(userID)
	if err != nil {
		result.errorf("load sync cursor: %v", err)
		return
	}

	newCursor, err := s.pullPages(ctx, api, userID, cursor, result)
	if errors.Is(err, gcal.ErrCursorExpired) {
		s.logger.Warn("sync cursor expired, falling back to windowed pull",
			slog.Int64("user_id", userID))
		if err := s.store.ClearSyncCursor(userID); err != nil {
			result.errorf("clear expired cursor: %v", err)
			return
		}

		newCursor, err = s.pullPages(ctx, api, userID, "", result)
		if errors.Is(err, gcal.ErrCursorExpired) {
			// Retried once already; bail out rather than loop on a service
			// that keeps rejecting cursors.
			result.errorf("pull aborted: cursor expired again after windowed retry")
			return
		}
	}
	if err != nil {
		result.errorf("pull changes: %v", err)
		return
	}

	// Only a listing that ran to its last page emits a cursor. Keep the old
	// one when none was obtained.
	if newCursor != "" {
		if err := s.store.SetSyncCursor(userID, newCursor); err != nil {
			result.errorf("save sync cursor: %v", err)
		}
	}
}

// pullPages drives one complete paginated listing. An empty cursor selects
// the windowed pull (fixed lookback, ordered by modification time); the two
// paths are distinct client calls because the remote service rejects
// ordering together with a cursor. Returns the next cursor emitted by the
// final page.
func (s *SyncService) pullPages(ctx context.Context, api gcal.CalendarAPI, userID int64, cursor string, result *ReconcileResult) (string, error) {
	windowStart := gcal.DefaultWindowStart(s.now())

	var pageToken, nextCursor string
	for {
		var page *gcal.ChangePage
		var err error
		if cursor == "" {
			page, err = api.ChangesInWindow(ctx, windowStart, pageToken)
		} else {
			page, err = api.ChangesSince(ctx, cursor, pageToken)
		}
		if err != nil {
			return "", err
		}

		for i := range page.Items {
			if err := s.applyRemoteChange(&page.Items[i], userID, result); err != nil {
				result.errorf("apply remote event %s: %v", page.Items[i].ID, err)
			}
		}

		if page.NextCursor != "" {
			nextCursor = page.NextCursor
		}
		if page.NextPageToken == "" {
			return nextCursor, nil
		}
		pageToken = page.NextPageToken
	}
}

// applyRemoteChange reconciles a single remote item against the local store.
func (s *SyncService) applyRemoteChange(re *gcal.RemoteEvent, userID int64, result *ReconcileResult) error {
	local, err := s.store.GetEventByRemoteID(userID, re.ID)
	if err != nil {
		return fmt.Errorf("lookup by remote id: %w", err)
	}

	if re.Cancelled {
		// Tombstone: drop the correlated local event. No correlate means
		// nothing to do, not an error.
		if local == nil {
			return nil
		}
		if err := s.store.DeleteEvent(local.ID); err != nil {
			return fmt.Errorf("delete local event: %w", err)
		}
		result.PulledFromRemote++
		return nil
	}

	now := s.now()

	if local == nil {
		ev := s.mapper.FromRemote(re, userID)
		ev.SyncStatus = domain.SyncSynced
		ev.LastSyncedAt = &now
		ev.UpdatedAt = re.LastModified()
		if err := s.store.CreateEvent(ev); err != nil {
			return fmt.Errorf("create local event: %w", err)
		}
		result.PulledFromRemote++
		return nil
	}

	if ResolveConflict(local, re) == WinnerLocal {
		// Local edit is newer; the next push phase re-asserts it upstream.
		return nil
	}

	mapped := s.mapper.FromRemote(re, userID)
	local.Title = mapped.Title
	local.Description = mapped.Description
	local.Location = mapped.Location
	local.StartTime = mapped.StartTime
	local.EndTime = mapped.EndTime
	local.AllDay = mapped.AllDay
	local.SyncStatus = domain.SyncSynced
	local.LastSyncedAt = &now
	if err := s.store.OverwriteFromRemote(local, re.LastModified()); err != nil {
		return fmt.Errorf("overwrite local event: %w", err)
	}
	result.PulledFromRemote++
	return nil
}
