package domain

import "time"

// User is a study-group member. Google Calendar credentials and the sync
// cursor live on the user row so that reconciliation state follows the
// account, not the process.
type User struct {
	ID         int64
	TelegramID int64
	Name       string
	ChatID     int64 // Telegram chat for notifications and reminders

	GoogleAccessToken  string
	GoogleRefreshToken string
	GoogleTokenExpiry  time.Time
	GoogleCalendarID   string // empty means "primary"

	// SyncCursor is the opaque token from the last successful incremental
	// pull. Empty means never pulled (or cleared after expiry).
	SyncCursor string

	CreatedAt time.Time
}

// CalendarConnected reports whether the user has linked a Google account.
func (u *User) CalendarConnected() bool {
	return u.GoogleRefreshToken != ""
}

// CalendarID returns the calendar to sync against, defaulting to the
// account's primary calendar.
func (u *User) CalendarID() string {
	if u.GoogleCalendarID == "" {
		return "primary"
	}
	return u.GoogleCalendarID
}
