package domain

import "time"

// SyncStatus tracks where an event stands relative to Google Calendar.
type SyncStatus string

const (
	// SyncPending means the event has local changes not yet pushed.
	SyncPending SyncStatus = "pending"

	// SyncSynced means the event matches what was last exchanged with Google.
	SyncSynced SyncStatus = "synced"

	// SyncFailed means the last push attempt failed; it will be retried on
	// the next reconcile.
	SyncFailed SyncStatus = "failed"
)

// NoLocation is the sentinel stored when the user picked no place for an
// event. It is never sent to Google.
const NoLocation = "No location selected"

// Event is a study-session calendar event owned by the local store.
type Event struct {
	ID           int64
	UserID       int64
	RemoteID     string // Google Calendar event ID, empty until first push
	Title        string
	Description  string
	Location     string
	StartTime    time.Time
	EndTime      time.Time
	AllDay       bool
	Reminder     string // human reminder spec, e.g. "15 minutes before"
	SyncStatus   SyncStatus
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NeedsPush reports whether the event has to be sent to Google on the next
// reconcile.
func (e *Event) NeedsPush() bool {
	return e.RemoteID == "" || e.SyncStatus == SyncPending || e.SyncStatus == SyncFailed
}

// HasLocation reports whether the event carries a real place, not the
// sentinel.
func (e *Event) HasLocation() bool {
	return e.Location != "" && e.Location != NoLocation
}

// FormatTime returns the event time for display.
func (e *Event) FormatTime() string {
	if e.AllDay {
		return "all day"
	}
	if e.EndTime.IsZero() {
		return e.StartTime.Format("15:04")
	}
	return e.StartTime.Format("15:04") + "-" + e.EndTime.Format("15:04")
}

// IsToday returns true if the event starts today.
func (e *Event) IsToday() bool {
	now := time.Now()
	return e.StartTime.Year() == now.Year() &&
		e.StartTime.YearDay() == now.YearDay()
}
