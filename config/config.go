package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	TelegramToken string
	DatabasePath  string
	Timezone      *time.Location
	ServerPort    string
	PublicURL     string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	SyncInterval      time.Duration
	ReminderLookahead int // minutes

	APIUsername string
	APIPassword string
}

func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/studybot.db"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "UTC"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8080"
	}

	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" {
		publicURL = "http://localhost:" + serverPort
	}

	redirectURL := os.Getenv("GOOGLE_REDIRECT_URL")
	if redirectURL == "" {
		redirectURL = publicURL + "/auth/google/callback"
	}

	syncMinutes := 15
	if v := os.Getenv("SYNC_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SYNC_INTERVAL_MINUTES: %q", v)
		}
		syncMinutes = n
	}

	reminderLookahead := 15
	if v := os.Getenv("REMINDER_LOOKAHEAD_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid REMINDER_LOOKAHEAD_MINUTES: %q", v)
		}
		reminderLookahead = n
	}

	return &Config{
		TelegramToken:      token,
		DatabasePath:       dbPath,
		Timezone:           tz,
		ServerPort:         serverPort,
		PublicURL:          publicURL,
		GoogleClientID:     clientID,
		GoogleClientSecret: clientSecret,
		GoogleRedirectURL:  redirectURL,
		SyncInterval:       time.Duration(syncMinutes) * time.Minute,
		ReminderLookahead:  reminderLookahead,
		APIUsername:        os.Getenv("API_USERNAME"),
		APIPassword:        os.Getenv("API_PASSWORD"),
	}, nil
}

// APIEnabled reports whether the HTTP API should be served.
func (c *Config) APIEnabled() bool {
	return c.APIUsername != "" && c.APIPassword != ""
}
