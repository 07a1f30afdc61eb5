package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/studyhall/studybot/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			telegram_id INTEGER UNIQUE NOT NULL,
			name TEXT NOT NULL,
			chat_id INTEGER NOT NULL DEFAULT 0,
			google_access_token TEXT NOT NULL DEFAULT '',
			google_refresh_token TEXT NOT NULL DEFAULT '',
			google_token_expiry DATETIME,
			google_calendar_id TEXT NOT NULL DEFAULT '',
			sync_cursor TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			reminder TEXT NOT NULL DEFAULT '',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_synced_at DATETIME,
			reminded_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_id ON events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_events_sync_status ON events(user_id, sync_status)`,
		// One local event per Google event. An empty remote_id means
		// "not pushed yet" and is exempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_remote_id
			ON events(user_id, remote_id) WHERE remote_id != ''`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *Storage) CreateUser(u *domain.User) error {
	res, err := s.db.Exec(
		`INSERT INTO users (telegram_id, name, chat_id) VALUES (?, ?, ?)`,
		u.TelegramID, u.Name, u.ChatID,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	u.ID = id
	return nil
}

const userColumns = `id, telegram_id, name, chat_id, google_access_token, google_refresh_token,
	google_token_expiry, google_calendar_id, sync_cursor, created_at`

func (s *Storage) scanUser(scan func(dest ...any) error) (*domain.User, error) {
	u := &domain.User{}
	var expiry sql.NullTime
	err := scan(&u.ID, &u.TelegramID, &u.Name, &u.ChatID,
		&u.GoogleAccessToken, &u.GoogleRefreshToken, &expiry,
		&u.GoogleCalendarID, &u.SyncCursor, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		u.GoogleTokenExpiry = expiry.Time
	}
	return u, nil
}

func (s *Storage) GetUser(id int64) (*domain.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return s.scanUser(row.Scan)
}

func (s *Storage) GetUserByTelegramID(telegramID int64) (*domain.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	return s.scanUser(row.Scan)
}

func (s *Storage) UpdateUserChat(userID, chatID int64) error {
	_, err := s.db.Exec(`UPDATE users SET chat_id = ? WHERE id = ?`, chatID, userID)
	return err
}

// ListConnectedUsers returns users with a linked Google account, for the
// scheduler's periodic reconcile pass.
func (s *Storage) ListConnectedUsers() ([]*domain.User, error) {
	rows, err := s.db.Query(
		`SELECT ` + userColumns + ` FROM users WHERE google_refresh_token != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		u, err := s.scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Google credentials (implements gcal.TokenStore) ---

func (s *Storage) GoogleTokens(userID int64) (*oauth2.Token, string, error) {
	u, err := s.GetUser(userID)
	if err != nil {
		return nil, "", err
	}
	if u == nil || !u.CalendarConnected() {
		return nil, "", nil
	}
	tok := &oauth2.Token{
		AccessToken:  u.GoogleAccessToken,
		RefreshToken: u.GoogleRefreshToken,
		Expiry:       u.GoogleTokenExpiry,
	}
	return tok, u.CalendarID(), nil
}

func (s *Storage) SaveGoogleTokens(userID int64, tok *oauth2.Token) error {
	// A refresh response may omit the refresh token; keep the stored one.
	if tok.RefreshToken != "" {
		_, err := s.db.Exec(
			`UPDATE users SET google_access_token = ?, google_refresh_token = ?, google_token_expiry = ? WHERE id = ?`,
			tok.AccessToken, tok.RefreshToken, tok.Expiry, userID)
		return err
	}
	_, err := s.db.Exec(
		`UPDATE users SET google_access_token = ?, google_token_expiry = ? WHERE id = ?`,
		tok.AccessToken, tok.Expiry, userID)
	return err
}

func (s *Storage) SetCalendarID(userID int64, calendarID string) error {
	_, err := s.db.Exec(`UPDATE users SET google_calendar_id = ? WHERE id = ?`, calendarID, userID)
	return err
}

// DisconnectGoogle drops the credentials and the cursor together; a cursor
// without credentials is meaningless.
func (s *Storage) DisconnectGoogle(userID int64) error {
	_, err := s.db.Exec(
		`UPDATE users SET google_access_token = '', google_refresh_token = '',
			google_token_expiry = NULL, sync_cursor = '' WHERE id = ?`, userID)
	return err
}

// --- Sync cursor ---

func (s *Storage) SyncCursor(userID int64) (string, error) {
	var cursor string
	err := s.db.QueryRow(`SELECT sync_cursor FROM users WHERE id = ?`, userID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}

func (s *Storage) SetSyncCursor(userID int64, cursor string) error {
	_, err := s.db.Exec(`UPDATE users SET sync_cursor = ? WHERE id = ?`, cursor, userID)
	return err
}

func (s *Storage) ClearSyncCursor(userID int64) error {
	return s.SetSyncCursor(userID, "")
}

// --- Events ---

const eventColumns = `id, user_id, remote_id, title, description, location, start_time, end_time,
	all_day, reminder, sync_status, last_synced_at, created_at, updated_at`

func (s *Storage) CreateEvent(e *domain.Event) error {
	now := time.Now()
	if e.SyncStatus == "" {
		e.SyncStatus = domain.SyncPending
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	res, err := s.db.Exec(
		`INSERT INTO events (user_id, remote_id, title, description, location, start_time, end_time, all_day, reminder, sync_status, last_synced_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.RemoteID, e.Title, e.Description, e.Location, e.StartTime, e.EndTime,
		e.AllDay, e.Reminder, e.SyncStatus, e.LastSyncedAt, now, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.ID = id
	e.CreatedAt = now
	return nil
}

func (s *Storage) scanEvent(scan func(dest ...any) error) (*domain.Event, error) {
	e := &domain.Event{}
	err := scan(&e.ID, &e.UserID, &e.RemoteID, &e.Title, &e.Description, &e.Location,
		&e.StartTime, &e.EndTime, &e.AllDay, &e.Reminder, &e.SyncStatus,
		&e.LastSyncedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Storage) GetEvent(id int64) (*domain.Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return s.scanEvent(row.Scan)
}

func (s *Storage) GetEventByRemoteID(userID int64, remoteID string) (*domain.Event, error) {
	if remoteID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND remote_id = ?`,
		userID, remoteID)
	return s.scanEvent(row.Scan)
}

// UpdateEvent persists a local edit: all content fields, pending status, and
// a fresh updated_at so conflict resolution sees the edit.
func (s *Storage) UpdateEvent(e *domain.Event) error {
	e.UpdatedAt = time.Now()
	_, err := s.db.Exec(
		`UPDATE events SET remote_id = ?, title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
			all_day = ?, reminder = ?, sync_status = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		e.RemoteID, e.Title, e.Description, e.Location, e.StartTime, e.EndTime,
		e.AllDay, e.Reminder, e.SyncStatus, e.LastSyncedAt, e.UpdatedAt, e.ID,
	)
	return err
}

// SaveSyncState writes only the reconciliation bookkeeping without touching
// updated_at, so a successful push does not look like a fresh local edit.
func (s *Storage) SaveSyncState(e *domain.Event) error {
	_, err := s.db.Exec(
		`UPDATE events SET remote_id = ?, sync_status = ?, last_synced_at = ? WHERE id = ?`,
		e.RemoteID, e.SyncStatus, e.LastSyncedAt, e.ID,
	)
	return err
}

// OverwriteFromRemote replaces the event's content with the remote side's
// version. updated_at is set to the remote modification time so the
// overwrite itself does not read as a newer local edit.
func (s *Storage) OverwriteFromRemote(e *domain.Event, remoteUpdated time.Time) error {
	e.UpdatedAt = remoteUpdated
	_, err := s.db.Exec(
		`UPDATE events SET remote_id = ?, title = ?, description = ?, location = ?, start_time = ?, end_time = ?,
			all_day = ?, sync_status = ?, last_synced_at = ?, updated_at = ?
		 WHERE id = ?`,
		e.RemoteID, e.Title, e.Description, e.Location, e.StartTime, e.EndTime,
		e.AllDay, e.SyncStatus, e.LastSyncedAt, e.UpdatedAt, e.ID,
	)
	return err
}

func (s *Storage) DeleteEvent(id int64) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id)
	return err
}

func (s *Storage) ListEvents(userID int64, from, to time.Time) ([]*domain.Event, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND start_time >= ? AND start_time < ?
		 ORDER BY start_time ASC`,
		userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *Storage) ListAllEvents(userID int64) ([]*domain.Event, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? ORDER BY start_time ASC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

// ListPendingEvents returns events the push phase has to send: pending or
// failed status, plus anything never pushed at all.
func (s *Storage) ListPendingEvents(userID int64) ([]*domain.Event, error) {
	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events
		 WHERE user_id = ? AND (sync_status IN (?, ?) OR remote_id = '')
		 ORDER BY id ASC`,
		userID, domain.SyncPending, domain.SyncFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

// ListUpcomingEventsForReminder returns timed events starting within the
// given number of minutes that have not been reminded yet.
func (s *Storage) ListUpcomingEventsForReminder(minutes int) ([]*domain.Event, error) {
	now := time.Now()
	threshold := now.Add(time.Duration(minutes) * time.Minute)

	rows, err := s.db.Query(
		`SELECT `+eventColumns+` FROM events
		 WHERE start_time > ? AND start_time <= ? AND all_day = 0 AND reminded_at IS NULL
		 ORDER BY start_time ASC`,
		now, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEvents(rows)
}

func (s *Storage) MarkEventReminded(eventID int64) error {
	_, err := s.db.Exec(`UPDATE events SET reminded_at = ? WHERE id = ?`, time.Now(), eventID)
	return err
}

func (s *Storage) collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	var events []*domain.Event
	for rows.Next() {
		e, err := s.scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
