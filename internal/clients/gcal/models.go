package gcal

import (
	"errors"
	"time"
)

// ErrCursorExpired is returned by the incremental listing when Google
// rejects the stored sync token (HTTP 410). The caller must clear the
// cursor and fall back to a windowed pull.
var ErrCursorExpired = errors.New("sync cursor expired")

// ErrNotConnected is returned when a user has no stored Google credentials
// or the refresh token can no longer be exchanged.
var ErrNotConnected = errors.New("google calendar not connected")

// EventTime is a start or end instant as Google reports it. All-day events
// carry a bare date; Time then holds the midnight boundary in UTC.
type EventTime struct {
	Time   time.Time
	AllDay bool
}

// IsZero reports whether the instant is absent.
func (t EventTime) IsZero() bool {
	return t.Time.IsZero()
}

// RemoteEvent is a calendar event as returned by Google, reduced to the
// fields reconciliation depends on.
type RemoteEvent struct {
	ID          string
	Title       string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Created     time.Time
	Updated     time.Time

	// Cancelled marks a tombstone: the event was deleted in Google Calendar
	// but still appears in the incremental feed so deletions can be observed.
	Cancelled bool
}

// LastModified returns the best available modification instant: Updated,
// falling back to Created, falling back to the zero time.
func (e *RemoteEvent) LastModified() time.Time {
	if !e.Updated.IsZero() {
		return e.Updated
	}
	return e.Created
}

// EventDraft is the local-owned shape sent to Google on create and update.
type EventDraft struct {
	Title           string
	Description     string
	Location        string
	Start           time.Time
	End             time.Time
	AllDay          bool
	ReminderMinutes int // 0 means no reminder override
}

// ChangePage is one page of the incremental listing.
type ChangePage struct {
	Items         []RemoteEvent
	NextPageToken string // non-empty means more pages follow
	NextCursor    string // emitted on the final page of a listing only
}
