// Package ics renders local events as an iCalendar feed so users can
// subscribe from any calendar app without going through Google.
package ics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/studyhall/studybot/internal/domain"
)

const productID = "-//StudyBot//Calendar//EN"

// Feed encodes the events as a single VCALENDAR document.
func Feed(events []*domain.Event) (string, error) {
	// The encoder refuses a calendar with no components, but a subscribed
	// feed must stay valid when the user has no events yet.
	if len(events) == 0 {
		return "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:" + productID + "\r\nEND:VCALENDAR\r\n", nil
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, e := range events {
		cal.Children = append(cal.Children, eventComponent(e))
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}

func eventComponent(e *domain.Event) *ical.Component {
	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, eventUID(e))
	vevent.Props.SetText(ical.PropSummary, e.Title)

	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.HasLocation() {
		vevent.Props.SetText(ical.PropLocation, e.Location)
	}

	if e.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, e.StartTime)
		if !e.EndTime.IsZero() {
			vevent.Props.SetDate(ical.PropDateTimeEnd, e.EndTime)
		}
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.StartTime.UTC())
		if !e.EndTime.IsZero() {
			vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.EndTime.UTC())
		}
	}

	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	return vevent.Component
}

// eventUID prefers the Google event id so a subscribed feed and the Google
// calendar agree on identity; unsynced events get a local UID.
func eventUID(e *domain.Event) string {
	if e.RemoteID != "" {
		return e.RemoteID + "@studybot"
	}
	return fmt.Sprintf("local-%d@studybot", e.ID)
}
