package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/studyhall/studybot/internal/domain"
	"github.com/studyhall/studybot/internal/ics"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type EventResponse struct {
	ID          int64  `json:"id"`
	RemoteID    string `json:"remote_id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	AllDay      bool   `json:"all_day"`
	Reminder    string `json:"reminder,omitempty"`
	SyncStatus  string `json:"sync_status"`
}

type EventRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartTime   string `json:"start_time"` // RFC3339
	EndTime     string `json:"end_time"`   // RFC3339
	AllDay      bool   `json:"all_day"`
	Reminder    string `json:"reminder"`
}

type SyncResponse struct {
	Pushed int      `json:"pushed"`
	Pulled int      `json:"pulled"`
	Errors []string `json:"errors,omitempty"`
}

// SetupAPI registers the JSON API behind Basic Auth. Disabled when no
// credentials are configured.
func (b *Bot) SetupAPI() {
	if !b.cfg.APIEnabled() {
		return
	}

	http.HandleFunc("/api/events", b.basicAuth(b.apiEvents))
	http.HandleFunc("/api/events/", b.basicAuth(b.apiEventByID))
	http.HandleFunc("/api/sync", b.basicAuth(b.apiSync))
	http.HandleFunc("/api/calendar.ics", b.basicAuth(b.apiCalendarFeed))
}

func (b *Bot) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != b.cfg.APIUsername || pass != b.cfg.APIPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="studybot"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (b *Bot) apiUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id < 1 {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "user_id query parameter is required"})
		return 0, false
	}
	return id, true
}

func (b *Bot) apiEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.apiUserID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		from, to := weekWindow()
		if v := r.URL.Query().Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid from"})
				return
			}
			from = t
		}
		if v := r.URL.Query().Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid to"})
				return
			}
			to = t
		}

		events, err := b.events.ListRange(userID, from, to)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: eventResponses(events)})

	case http.MethodPost:
		var req EventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid body: " + err.Error()})
			return
		}
		start, end, err := parseEventTimes(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
			return
		}

		event, err := b.events.CreateEvent(userID, req.Title, req.Description, req.Location, start, end, req.AllDay, req.Reminder)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: eventResponse(event)})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, APIResponse{Error: "method not allowed"})
	}
}

func (b *Bot) apiEventByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.apiUserID(w, r)
	if !ok {
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/api/events/")
	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid event id"})
		return
	}

	switch r.Method {
	case http.MethodPut:
		event, err := b.events.GetEvent(eventID, userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
			return
		}
		if event == nil {
			writeJSON(w, http.StatusNotFound, APIResponse{Error: "event not found"})
			return
		}

		var req EventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: "invalid body: " + err.Error()})
			return
		}
		start, end, err := parseEventTimes(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
			return
		}

		event.Title = req.Title
		event.Description = req.Description
		event.Location = req.Location
		event.StartTime = start
		event.EndTime = end
		event.AllDay = req.AllDay
		event.Reminder = req.Reminder
		if err := b.events.UpdateEvent(event); err != nil {
			writeJSON(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: eventResponse(event)})

	case http.MethodDelete:
		if err := b.events.DeleteEvent(r.Context(), eventID, userID); err != nil {
			writeJSON(w, http.StatusNotFound, APIResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, APIResponse{Success: true})

	default:
		writeJSON(w, http.StatusMethodNotAllowed, APIResponse{Error: "method not allowed"})
	}
}

func (b *Bot) apiSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, APIResponse{Error: "method not allowed"})
		return
	}
	userID, ok := b.apiUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	result, err := b.sync.Reconcile(ctx, userID)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, APIResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: SyncResponse{
		Pushed: result.PushedToRemote,
		Pulled: result.PulledFromRemote,
		Errors: result.Errors,
	}})
}

func (b *Bot) apiCalendarFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := b.apiUserID(w, r)
	if !ok {
		return
	}

	events, err := b.events.ListAll(userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
		return
	}

	feed, err := ics.Feed(events)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Write([]byte(feed))
}

// handleGoogleCallback completes the OAuth consent flow started by /connect.
// The state carries the user id.
func (b *Bot) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("state"), 10, 64)
	if err != nil {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	if err := b.google.Exchange(r.Context(), userID, code); err != nil {
		b.logger.Error("oauth exchange failed", slog.String("error", err.Error()))
		http.Error(w, "could not link calendar", http.StatusBadGateway)
		return
	}

	if user, err := b.storage.GetUser(userID); err == nil && user != nil && user.ChatID != 0 {
		b.SendMessage(user.ChatID, "Google Calendar linked. /sync to run the first sync.")
	}

	w.Write([]byte("Calendar linked. You can close this tab and return to Telegram."))
}

func parseEventTimes(req EventRequest) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, errInvalidTime("start_time")
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, errInvalidTime("end_time")
	}
	return start, end, nil
}

type errInvalidTime string

func (e errInvalidTime) Error() string { return "invalid " + string(e) + ", want RFC3339" }

func weekWindow() (time.Time, time.Time) {
	now := time.Now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return from, from.AddDate(0, 0, 7)
}

func eventResponse(e *domain.Event) EventResponse {
	resp := EventResponse{
		ID:          e.ID,
		RemoteID:    e.RemoteID,
		Title:       e.Title,
		Description: e.Description,
		StartTime:   e.StartTime.Format(time.RFC3339),
		EndTime:     e.EndTime.Format(time.RFC3339),
		AllDay:      e.AllDay,
		Reminder:    e.Reminder,
		SyncStatus:  string(e.SyncStatus),
	}
	if e.HasLocation() {
		resp.Location = e.Location
	}
	return resp
}

func eventResponses(events []*domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}
