package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/domain"
)

var testNow = time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory SyncStore. It hands out copies so mutations only
// land through the explicit save methods, same as the SQL-backed store.
type fakeStore struct {
	nextID int64
	events map[int64]*domain.Event

	cursor        string
	savedCursors  []string
	cursorCleared int

	failCreateTitle string // CreateEvent fails for this title
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[int64]*domain.Event{}}
}

func (f *fakeStore) add(e domain.Event) int64 {
	f.nextID++
	e.ID = f.nextID
	f.events[e.ID] = &e
	return e.ID
}

func (f *fakeStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(f.events))
	for id := range f.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeStore) ListPendingEvents(userID int64) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, id := range f.sortedIDs() {
		e := f.events[id]
		if e.UserID == userID && e.NeedsPush() {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEventByRemoteID(userID int64, remoteID string) (*domain.Event, error) {
	for _, e := range f.events {
		if e.UserID == userID && e.RemoteID == remoteID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateEvent(e *domain.Event) error {
	if f.failCreateTitle != "" && e.Title == f.failCreateTitle {
		return errors.New("disk full")
	}
	f.add(*e)
	return nil
}

func (f *fakeStore) SaveSyncState(e *domain.Event) error {
	stored, ok := f.events[e.ID]
	if !ok {
		return fmt.Errorf("no event %d", e.ID)
	}
	stored.RemoteID = e.RemoteID
	stored.SyncStatus = e.SyncStatus
	stored.LastSyncedAt = e.LastSyncedAt
	return nil
}

func (f *fakeStore) OverwriteFromRemote(e *domain.Event, remoteUpdated time.Time) error {
	if _, ok := f.events[e.ID]; !ok {
		return fmt.Errorf("no event %d", e.ID)
	}
	cp := *e
	cp.UpdatedAt = remoteUpdated
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteEvent(id int64) error {
	delete(f.events, id)
	return nil
}

func (f *fakeStore) SyncCursor(userID int64) (string, error) { return f.cursor, nil }

func (f *fakeStore) SetSyncCursor(userID int64, cursor string) error {
	f.cursor = cursor
	f.savedCursors = append(f.savedCursors, cursor)
	return nil
}

func (f *fakeStore) ClearSyncCursor(userID int64) error {
	f.cursor = ""
	f.cursorCleared++
	return nil
}

// fakeCalendar serves scripted change pages keyed by cursor. Cursors without
// a script behave as expired, matching how Google rejects unknown sync tokens.
type fakeCalendar struct {
	nextRemote int
	creates    []*gcal.EventDraft
	updates    map[string]*gcal.EventDraft
	createErrs map[string]error // by draft title

	sincePages  map[string][]*gcal.ChangePage
	windowPages []*gcal.ChangePage
	windowErr   error
	sinceCalls  int
	windowCalls int
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		updates:    map[string]*gcal.EventDraft{},
		createErrs: map[string]error{},
		sincePages: map[string][]*gcal.ChangePage{},
	}
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, d *gcal.EventDraft) (string, error) {
	if err := f.createErrs[d.Title]; err != nil {
		return "", err
	}
	f.nextRemote++
	f.creates = append(f.creates, d)
	return fmt.Sprintf("remote-%d", f.nextRemote), nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, remoteID string, d *gcal.EventDraft) (string, error) {
	f.updates[remoteID] = d
	return remoteID, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, remoteID string) error { return nil }

func (f *fakeCalendar) ChangesSince(ctx context.Context, cursor, pageToken string) (*gcal.ChangePage, error) {
	f.sinceCalls++
	pages, ok := f.sincePages[cursor]
	if !ok {
		return nil, gcal.ErrCursorExpired
	}
	return pageAt(pages, pageToken)
}

func (f *fakeCalendar) ChangesInWindow(ctx context.Context, windowStart time.Time, pageToken string) (*gcal.ChangePage, error) {
	f.windowCalls++
	if f.windowErr != nil {
		return nil, f.windowErr
	}
	if len(f.windowPages) == 0 {
		return &gcal.ChangePage{}, nil
	}
	return pageAt(f.windowPages, pageToken)
}

func pageAt(pages []*gcal.ChangePage, token string) (*gcal.ChangePage, error) {
	idx := 0
	if token != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(token, "page-"))
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", token)
		}
		idx = n
	}
	if idx >= len(pages) {
		return nil, fmt.Errorf("no page %d scripted", idx)
	}
	return pages[idx], nil
}

type fakeProvider struct {
	api gcal.CalendarAPI
	err error
}

func (f *fakeProvider) ClientFor(ctx context.Context, userID int64) (gcal.CalendarAPI, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.api, nil
}

func newTestSync(store *fakeStore, cal *fakeCalendar) *SyncService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewSyncService(store, &fakeProvider{api: cal}, logger)
	svc.now = func() time.Time { return testNow }
	return svc
}

func pendingEvent(userID int64, title string) domain.Event {
	return domain.Event{
		UserID:     userID,
		Title:      title,
		Location:   domain.NoLocation,
		StartTime:  testNow.Add(24 * time.Hour),
		EndTime:    testNow.Add(25 * time.Hour),
		SyncStatus: domain.SyncPending,
		UpdatedAt:  testNow.Add(-time.Hour),
	}
}

func TestReconcileNotConnected(t *testing.T) {
	svc := NewSyncService(newFakeStore(), &fakeProvider{err: gcal.ErrNotConnected},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Reconcile(context.Background(), 1)
	if !errors.Is(err, gcal.ErrNotConnected) {
		t.Fatalf("Reconcile error = %v, want ErrNotConnected", err)
	}
}

func TestReconcilePushCreate(t *testing.T) {
	store := newFakeStore()
	id := store.add(pendingEvent(1, "Algebra review"))

	cal := newFakeCalendar()
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Clean() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.PushedToRemote != 1 {
		t.Errorf("PushedToRemote = %d, want 1", result.PushedToRemote)
	}

	stored := store.events[id]
	if stored.RemoteID != "remote-1" {
		t.Errorf("RemoteID = %q, want remote-1", stored.RemoteID)
	}
	if stored.SyncStatus != domain.SyncSynced {
		t.Errorf("SyncStatus = %q, want synced", stored.SyncStatus)
	}
	if stored.LastSyncedAt == nil || !stored.LastSyncedAt.Equal(testNow) {
		t.Errorf("LastSyncedAt = %v, want %v", stored.LastSyncedAt, testNow)
	}
	if len(cal.creates) != 1 || len(cal.updates) != 0 {
		t.Errorf("creates=%d updates=%d, want 1/0", len(cal.creates), len(cal.updates))
	}
}

func TestReconcilePushUpdate(t *testing.T) {
	store := newFakeStore()
	ev := pendingEvent(1, "Chem lab prep")
	ev.RemoteID = "remote-9"
	store.add(ev)

	cal := newFakeCalendar()
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.PushedToRemote != 1 {
		t.Errorf("PushedToRemote = %d, want 1", result.PushedToRemote)
	}
	if _, ok := cal.updates["remote-9"]; !ok {
		t.Error("existing remote event was not updated in place")
	}
	if len(cal.creates) != 0 {
		t.Errorf("unexpected create calls: %d", len(cal.creates))
	}
}

func TestReconcilePushFailureIsolation(t *testing.T) {
	store := newFakeStore()
	badID := store.add(pendingEvent(1, "Broken event"))
	goodID := store.add(pendingEvent(1, "Good event"))

	cal := newFakeCalendar()
	cal.createErrs["Broken event"] = errors.New("quota exceeded")
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.PushedToRemote != 1 {
		t.Errorf("PushedToRemote = %d, want 1", result.PushedToRemote)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "Broken event") {
		t.Errorf("error does not name the failed event: %q", result.Errors[0])
	}

	if store.events[badID].SyncStatus != domain.SyncFailed {
		t.Errorf("failed event status = %q, want failed", store.events[badID].SyncStatus)
	}
	if store.events[goodID].SyncStatus != domain.SyncSynced {
		t.Errorf("good event status = %q, want synced", store.events[goodID].SyncStatus)
	}
}

func TestPullCreatesLocalEvent(t *testing.T) {
	store := newFakeStore()
	store.cursor = "cur-1"

	cal := newFakeCalendar()
	cal.sincePages["cur-1"] = []*gcal.ChangePage{{
		Items: []gcal.RemoteEvent{{
			ID:      "remote-77",
			Title:   "Study group",
			Start:   gcal.EventTime{Time: testNow.Add(48 * time.Hour)},
			End:     gcal.EventTime{Time: testNow.Add(49 * time.Hour)},
			Updated: testNow.Add(-time.Minute),
		}},
		NextCursor: "cur-2",
	}}
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.PulledFromRemote != 1 {
		t.Errorf("PulledFromRemote = %d, want 1", result.PulledFromRemote)
	}

	local, _ := store.GetEventByRemoteID(1, "remote-77")
	if local == nil {
		t.Fatal("remote event was not imported")
	}
	if local.SyncStatus != domain.SyncSynced {
		t.Errorf("imported status = %q, want synced", local.SyncStatus)
	}
	if !local.UpdatedAt.Equal(testNow.Add(-time.Minute)) {
		t.Errorf("imported UpdatedAt = %v, want remote modification time", local.UpdatedAt)
	}
	if store.cursor != "cur-2" {
		t.Errorf("cursor = %q, want cur-2", store.cursor)
	}
}

func TestPullTombstone(t *testing.T) {
	store := newFakeStore()
	store.cursor = "cur-1"
	ev := pendingEvent(1, "To be deleted")
	ev.RemoteID = "remote-5"
	ev.SyncStatus = domain.SyncSynced
	id := store.add(ev)

	cal := newFakeCalendar()
	cal.sincePages["cur-1"] = []*gcal.ChangePage{{
		Items: []gcal.RemoteEvent{
			{ID: "remote-5", Cancelled: true},
			{ID: "remote-unknown", Cancelled: true},
		},
		NextCursor: "cur-2",
	}}
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Clean() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if _, ok := store.events[id]; ok {
		t.Error("tombstoned event still present locally")
	}
	// Only the correlated tombstone counts; the unknown one is a no-op.
	if result.PulledFromRemote != 1 {
		t.Errorf("PulledFromRemote = %d, want 1", result.PulledFromRemote)
	}
}

func TestPullConflict(t *testing.T) {
	localEdit := testNow.Add(-time.Minute)

	tests := []struct {
		name          string
		remoteUpdated time.Time
		wantTitle     string
		wantPulled    int
	}{
		{"remote newer wins", localEdit.Add(time.Second), "Remote title", 1},
		{"local newer survives", localEdit.Add(-time.Second), "Local title", 0},
		{"tie keeps local", localEdit, "Local title", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.cursor = "cur-1"
			ev := pendingEvent(1, "Local title")
			ev.RemoteID = "remote-3"
			ev.UpdatedAt = localEdit
			id := store.add(ev)

			cal := newFakeCalendar()
			cal.sincePages["cur-1"] = []*gcal.ChangePage{{
				Items: []gcal.RemoteEvent{{
					ID:      "remote-3",
					Title:   "Remote title",
					Start:   gcal.EventTime{Time: testNow.Add(time.Hour)},
					End:     gcal.EventTime{Time: testNow.Add(2 * time.Hour)},
					Updated: tt.remoteUpdated,
				}},
				NextCursor: "cur-2",
			}}
			svc := newTestSync(store, cal)

			result, err := svc.Reconcile(context.Background(), 1)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if got := store.events[id].Title; got != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got, tt.wantTitle)
			}
			if result.PulledFromRemote != tt.wantPulled {
				t.Errorf("PulledFromRemote = %d, want %d", result.PulledFromRemote, tt.wantPulled)
			}
		})
	}
}

func TestPullPagination(t *testing.T) {
	store := newFakeStore()
	store.cursor = "cur-1"

	remote := func(id string) gcal.RemoteEvent {
		return gcal.RemoteEvent{
			ID:      id,
			Title:   "Event " + id,
			Start:   gcal.EventTime{Time: testNow.Add(time.Hour)},
			End:     gcal.EventTime{Time: testNow.Add(2 * time.Hour)},
			Updated: testNow.Add(-time.Minute),
		}
	}

	cal := newFakeCalendar()
	cal.sincePages["cur-1"] = []*gcal.ChangePage{
		{Items: []gcal.RemoteEvent{remote("a"), remote("b")}, NextPageToken: "page-1"},
		{Items: []gcal.RemoteEvent{remote("c")}, NextPageToken: "page-2"},
		{Items: []gcal.RemoteEvent{remote("d")}, NextCursor: "cur-final"},
	}
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Clean() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.PulledFromRemote != 4 {
		t.Errorf("PulledFromRemote = %d, want 4", result.PulledFromRemote)
	}
	if cal.sinceCalls != 3 {
		t.Errorf("sinceCalls = %d, want 3", cal.sinceCalls)
	}

	// The cursor must be written once, from the final page only.
	if len(store.savedCursors) != 1 || store.savedCursors[0] != "cur-final" {
		t.Errorf("savedCursors = %v, want [cur-final]", store.savedCursors)
	}
}

func TestPullCursorExpiredRecovers(t *testing.T) {
	store := newFakeStore()
	store.cursor = "stale"

	cal := newFakeCalendar()
	// No script for "stale": ChangesSince reports it expired. The windowed
	// fallback serves the full lookback listing with a fresh cursor.
	cal.windowPages = []*gcal.ChangePage{{
		Items: []gcal.RemoteEvent{{
			ID:      "remote-11",
			Title:   "Recovered event",
			Start:   gcal.EventTime{Time: testNow.Add(time.Hour)},
			End:     gcal.EventTime{Time: testNow.Add(2 * time.Hour)},
			Updated: testNow.Add(-time.Minute),
		}},
		NextCursor: "cur-fresh",
	}}
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.Clean() {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.PulledFromRemote != 1 {
		t.Errorf("PulledFromRemote = %d, want 1", result.PulledFromRemote)
	}
	if store.cursorCleared != 1 {
		t.Errorf("cursorCleared = %d, want 1", store.cursorCleared)
	}
	if cal.windowCalls != 1 {
		t.Errorf("windowCalls = %d, want exactly one fallback", cal.windowCalls)
	}
	if store.cursor != "cur-fresh" {
		t.Errorf("cursor = %q, want cur-fresh", store.cursor)
	}
}

func TestPullCursorExpiredTwiceAborts(t *testing.T) {
	store := newFakeStore()
	store.cursor = "stale"

	cal := newFakeCalendar()
	cal.windowErr = gcal.ErrCursorExpired
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "aborted") {
		t.Errorf("Errors = %v, want a single abort error", result.Errors)
	}
	if cal.windowCalls != 1 {
		t.Errorf("windowCalls = %d, want 1 (no retry loop)", cal.windowCalls)
	}
	if len(store.savedCursors) != 0 {
		t.Errorf("cursor written after aborted pull: %v", store.savedCursors)
	}
}

func TestPullItemFailureContinues(t *testing.T) {
	store := newFakeStore()
	store.cursor = "cur-1"
	store.failCreateTitle = "Poison"

	remote := func(id, title string) gcal.RemoteEvent {
		return gcal.RemoteEvent{
			ID:      id,
			Title:   title,
			Start:   gcal.EventTime{Time: testNow.Add(time.Hour)},
			End:     gcal.EventTime{Time: testNow.Add(2 * time.Hour)},
			Updated: testNow.Add(-time.Minute),
		}
	}

	cal := newFakeCalendar()
	cal.sincePages["cur-1"] = []*gcal.ChangePage{{
		Items:      []gcal.RemoteEvent{remote("remote-a", "Poison"), remote("remote-b", "Fine")},
		NextCursor: "cur-2",
	}}
	svc := newTestSync(store, cal)

	result, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// The failing item is recorded but the rest of the page still applies.
	if len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", result.Errors)
	}
	if result.PulledFromRemote != 1 {
		t.Errorf("PulledFromRemote = %d, want 1", result.PulledFromRemote)
	}
	if local, _ := store.GetEventByRemoteID(1, "remote-b"); local == nil {
		t.Error("healthy item was not applied after the failing one")
	}
	if store.cursor != "cur-2" {
		t.Errorf("cursor = %q, want cur-2", store.cursor)
	}
}

func TestReconcileIdempotence(t *testing.T) {
	store := newFakeStore()
	id := store.add(pendingEvent(1, "Algebra review"))

	cal := newFakeCalendar()
	// First pass has no cursor, so the pull is windowed. The window echoes
	// the event just pushed (the fake assigns remote-1) with a later
	// modification time, as Google would.
	cal.windowPages = []*gcal.ChangePage{{
		Items: []gcal.RemoteEvent{{
			ID:      "remote-1",
			Title:   "Algebra review",
			Start:   gcal.EventTime{Time: testNow.Add(24 * time.Hour)},
			End:     gcal.EventTime{Time: testNow.Add(25 * time.Hour)},
			Updated: testNow,
		}},
		NextCursor: "cur-1",
	}}
	// Second pass resumes from cur-1 and sees nothing new.
	cal.sincePages["cur-1"] = []*gcal.ChangePage{{NextCursor: "cur-2"}}

	svc := newTestSync(store, cal)

	first, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.PushedToRemote != 1 {
		t.Errorf("first pass pushed = %d, want 1", first.PushedToRemote)
	}

	second, err := svc.Reconcile(context.Background(), 1)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.PushedToRemote != 0 || second.PulledFromRemote != 0 {
		t.Errorf("second pass = %d pushed / %d pulled, want 0/0",
			second.PushedToRemote, second.PulledFromRemote)
	}
	if !second.Clean() {
		t.Errorf("second pass errors: %v", second.Errors)
	}
	if store.events[id].SyncStatus != domain.SyncSynced {
		t.Errorf("status after two passes = %q, want synced", store.events[id].SyncStatus)
	}
}

func TestReconcileReleasesUserLocks(t *testing.T) {
	store := newFakeStore()
	store.add(pendingEvent(1, "Algebra review"))

	cal := newFakeCalendar()
	svc := newTestSync(store, cal)

	// Contending passes for the same user serialize on the per-user lock;
	// once the last one finishes its entry must be gone from the map.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reconcile(context.Background(), 1); err != nil {
				t.Errorf("Reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	svc.mu.Lock()
	held := len(svc.locks)
	svc.mu.Unlock()
	if held != 0 {
		t.Errorf("%d lock entries left after all reconciles finished, want 0", held)
	}
}

func TestResultSummary(t *testing.T) {
	r := &ReconcileResult{PushedToRemote: 2, PulledFromRemote: 3}
	if got := r.Summary(); got != "Calendar sync: 2 pushed, 3 pulled" {
		t.Errorf("Summary() = %q", got)
	}

	r.errorf("push %q: %v", "X", errors.New("boom"))
	if got := r.Summary(); !strings.Contains(got, "1 errors") {
		t.Errorf("Summary() = %q, want error count", got)
	}
	if r.Clean() {
		t.Error("Clean() = true with errors present")
	}
}
