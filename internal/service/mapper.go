package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/studyhall/studybot/internal/clients/gcal"
	"github.com/studyhall/studybot/internal/domain"
)

const (
	// untitledEvent is used for remote events without a summary.
	untitledEvent = "Untitled event"

	// defaultReminderMinutes is used when a reminder spec cannot be parsed.
	defaultReminderMinutes = 30

	// defaultEventDuration fills in a missing remote end time.
	defaultEventDuration = time.Hour
)

// Mapper translates between local events and the Google Calendar shapes.
// It is pure: no I/O, no clock reads.
type Mapper struct{}

// ToRemote builds the draft sent to Google for a local event.
func (Mapper) ToRemote(e *domain.Event) *gcal.EventDraft {
	d := &gcal.EventDraft{
		Title:       e.Title,
		Description: e.Description,
		Start:       e.StartTime,
		End:         e.EndTime,
		AllDay:      e.AllDay,
	}
	if e.HasLocation() {
		d.Location = e.Location
	}
	if e.Reminder != "" {
		d.ReminderMinutes = ParseReminder(e.Reminder)
	}
	return d
}

// FromRemote builds a local event from a Google event. Whole-day events get
// the date boundary as their instant, a missing end defaults to start plus
// one hour, and missing title/location fall back to placeholders.
func (Mapper) FromRemote(re *gcal.RemoteEvent, userID int64) *domain.Event {
	e := &domain.Event{
		UserID:      userID,
		RemoteID:    re.ID,
		Title:       re.Title,
		Description: re.Description,
		Location:    re.Location,
		StartTime:   re.Start.Time,
		EndTime:     re.End.Time,
		AllDay:      re.Start.AllDay,
	}

	if e.Title == "" {
		e.Title = untitledEvent
	}
	if e.Location == "" {
		e.Location = domain.NoLocation
	}
	if e.EndTime.IsZero() && !e.StartTime.IsZero() {
		e.EndTime = e.StartTime.Add(defaultEventDuration)
	}

	return e
}

// ParseReminder converts a human reminder spec like "15 minutes before" or
// "2 hours" into minutes. Unparsable specs fall back to a fixed offset.
func ParseReminder(spec string) int {
	fields := strings.Fields(strings.ToLower(spec))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		switch strings.TrimSuffix(fields[i+1], "s") {
		case "minute", "min":
			return n
		case "hour", "hr":
			return n * 60
		case "day":
			return n * 24 * 60
		}
	}
	return defaultReminderMinutes
}
