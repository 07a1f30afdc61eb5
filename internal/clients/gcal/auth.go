package gcal

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// TokenStore persists per-user OAuth tokens. Implemented by the sqlite
// storage layer.
type TokenStore interface {
	GoogleTokens(userID int64) (*oauth2.Token, string, error) // token, calendar id
	SaveGoogleTokens(userID int64, tok *oauth2.Token) error
}

// Provider builds authenticated per-user calendar clients from persisted
// tokens.
type Provider struct {
	cfg   *oauth2.Config
	store TokenStore
}

// NewProvider creates a Provider from an OAuth client pair.
func NewProvider(clientID, clientSecret, redirectURL string, store TokenStore) *Provider {
	return &Provider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendar.CalendarEventsScope},
			Endpoint:     google.Endpoint,
		},
		store: store,
	}
}

// AuthURL returns the consent URL for linking a user's Google account. The
// state carries the user id so the callback can attribute the code.
func (p *Provider) AuthURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens and persists them.
func (p *Provider) Exchange(ctx context.Context, userID int64, code string) error {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange auth code: %w", err)
	}
	if err := p.store.SaveGoogleTokens(userID, tok); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// ClientFor returns a calendar client authenticated as the given user.
// A missing or unrefreshable credential returns ErrNotConnected; this is
// the fatal path that aborts reconciliation before any work starts.
func (p *Provider) ClientFor(ctx context.Context, userID int64) (CalendarAPI, error) {
	tok, calendarID, err := p.store.GoogleTokens(userID)
	if err != nil {
		return nil, fmt.Errorf("load tokens for user %d: %w", userID, err)
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrNotConnected
	}

	ts := p.cfg.TokenSource(ctx, tok)
	fresh, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrNotConnected, err)
	}

	// Persist rotated tokens so the next run doesn't refresh again.
	if fresh.AccessToken != tok.AccessToken {
		if err := p.store.SaveGoogleTokens(userID, fresh); err != nil {
			return nil, fmt.Errorf("save refreshed tokens: %w", err)
		}
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	return &Client{svc: svc, calendarID: calendarID}, nil
}
