package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

// lookbackWindow is how far back the windowed pull reaches when no cursor is
// available.
const lookbackWindow = 30 * 24 * time.Hour

// CalendarAPI is the per-user calendar surface the sync engine drives.
// Satisfied by *Client; faked in tests.
//
// The two listing variants are deliberately separate methods: Google rejects
// orderBy together with a sync token, so the exclusivity is structural
// rather than a flag that could be set wrong.
type CalendarAPI interface {
	CreateEvent(ctx context.Context, draft *EventDraft) (string, error)
	UpdateEvent(ctx context.Context, remoteID string, draft *EventDraft) (string, error)
	DeleteEvent(ctx context.Context, remoteID string) error
	ChangesSince(ctx context.Context, cursor, pageToken string) (*ChangePage, error)
	ChangesInWindow(ctx context.Context, windowStart time.Time, pageToken string) (*ChangePage, error)
}

// Client wraps the Google Calendar v3 service for a single user's calendar.
type Client struct {
	svc        *calendar.Service
	calendarID string
}

// NewClient wraps an already-authenticated calendar service. Used directly
// in tests; production clients come from Provider.ClientFor.
func NewClient(svc *calendar.Service, calendarID string) *Client {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Client{svc: svc, calendarID: calendarID}
}

// DefaultWindowStart returns the start of the lookback window used when no
// cursor is stored.
func DefaultWindowStart(now time.Time) time.Time {
	return now.Add(-lookbackWindow)
}

// CreateEvent inserts a new event and returns its Google event ID.
func (c *Client) CreateEvent(ctx context.Context, draft *EventDraft) (string, error) {
	ev, err := c.svc.Events.Insert(c.calendarID, draftToAPI(draft)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return ev.Id, nil
}

// UpdateEvent replaces an existing event and returns its Google event ID.
func (c *Client) UpdateEvent(ctx context.Context, remoteID string, draft *EventDraft) (string, error) {
	ev, err := c.svc.Events.Update(c.calendarID, remoteID, draftToAPI(draft)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("update event %s: %w", remoteID, err)
	}
	return ev.Id, nil
}

// DeleteEvent removes an event. An already-deleted event is treated as
// success so deletes are idempotent.
func (c *Client) DeleteEvent(ctx context.Context, remoteID string) error {
	err := c.svc.Events.Delete(c.calendarID, remoteID).Context(ctx).Do()
	if err != nil && !isGoneOrNotFound(err) {
		return fmt.Errorf("delete event %s: %w", remoteID, err)
	}
	return nil
}

// ChangesSince lists changes after the given cursor, one page at a time.
// Returns ErrCursorExpired when Google no longer accepts the cursor.
func (c *Client) ChangesSince(ctx context.Context, cursor, pageToken string) (*ChangePage, error) {
	call := c.svc.Events.List(c.calendarID).
		SyncToken(cursor).
		SingleEvents(true).
		ShowDeleted(true)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		if isGone(err) {
			return nil, ErrCursorExpired
		}
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return pageFromAPI(resp), nil
}

// ChangesInWindow lists all events modified since windowStart, ordered by
// modification time. This is the initial (or post-expiry) pull path.
func (c *Client) ChangesInWindow(ctx context.Context, windowStart time.Time, pageToken string) (*ChangePage, error) {
	call := c.svc.Events.List(c.calendarID).
		UpdatedMin(windowStart.UTC().Format(time.RFC3339)).
		OrderBy("updated").
		SingleEvents(true).
		ShowDeleted(true)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list window: %w", err)
	}
	return pageFromAPI(resp), nil
}

func pageFromAPI(resp *calendar.Events) *ChangePage {
	page := &ChangePage{
		NextPageToken: resp.NextPageToken,
		NextCursor:    resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Items = append(page.Items, eventFromAPI(item))
	}
	return page
}

func eventFromAPI(ev *calendar.Event) RemoteEvent {
	re := RemoteEvent{
		ID:          ev.Id,
		Title:       ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Cancelled:   ev.Status == "cancelled",
	}
	re.Start = timeFromAPI(ev.Start)
	re.End = timeFromAPI(ev.End)
	if t, err := time.Parse(time.RFC3339, ev.Created); err == nil {
		re.Created = t
	}
	if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
		re.Updated = t
	}
	return re
}

func timeFromAPI(dt *calendar.EventDateTime) EventTime {
	if dt == nil {
		return EventTime{}
	}
	if dt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return EventTime{Time: t}
		}
		return EventTime{}
	}
	if dt.Date != "" {
		// Whole-day event: only a date is given, use the midnight boundary.
		if t, err := time.Parse("2006-01-02", dt.Date); err == nil {
			return EventTime{Time: t, AllDay: true}
		}
	}
	return EventTime{}
}

func draftToAPI(d *EventDraft) *calendar.Event {
	ev := &calendar.Event{
		Summary:     d.Title,
		Description: d.Description,
		Location:    d.Location,
	}

	if d.AllDay {
		// The API's end date is exclusive. Events pulled from Google already
		// carry the exclusive date; a locally created same-day event does
		// not, and end == start would be rejected.
		end := d.End
		if !end.After(d.Start) {
			end = d.Start.AddDate(0, 0, 1)
		}
		ev.Start = &calendar.EventDateTime{Date: d.Start.Format("2006-01-02")}
		ev.End = &calendar.EventDateTime{Date: end.Format("2006-01-02")}
	} else {
		ev.Start = &calendar.EventDateTime{DateTime: d.Start.UTC().Format(time.RFC3339)}
		ev.End = &calendar.EventDateTime{DateTime: d.End.UTC().Format(time.RFC3339)}
	}

	if d.ReminderMinutes > 0 {
		ev.Reminders = &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "popup", Minutes: int64(d.ReminderMinutes)},
			},
			ForceSendFields: []string{"UseDefault"},
		}
	}

	return ev
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusGone
}

func isGoneOrNotFound(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
}
