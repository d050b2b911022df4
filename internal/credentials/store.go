// Package credentials owns the Gmail OAuth token lifecycle: one refreshable
// credential per user, transparent refresh within an expiry margin, and
// invalidation when the grant is revoked. The refresh token never leaves
// this package.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected is returned when a user has no usable Gmail credential.
// The user must go through the consent flow again; the caller should not
// retry.
var ErrNotConnected = errors.New("credentials: gmail account not connected")

// expiryMargin is how close to expiry an access token may get before a
// refresh exchange is forced.
const expiryMargin = 60 * time.Second

// Credential is the caller-visible view of a user's Gmail access. It carries
// the short-lived access token only.
type Credential struct {
	UserID       string
	EmailAddress string
	AccessToken  string
	Expiry       time.Time
}

// TokenSource returns an oauth2 token source for the access token.
func (c *Credential) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: c.AccessToken,
		Expiry:      c.Expiry,
	})
}

// Store persists per-user Gmail tokens and refreshes them on demand.
type Store struct {
	db    *sql.DB
	oauth *oauth2.Config
	group singleflight.Group
	log   *logrus.Logger
}

// NewStore creates a credential store over an already-opened database.
func NewStore(db *sql.DB, oauthCfg *oauth2.Config, log *logrus.Logger) *Store {
	return &Store{db: db, oauth: oauthCfg, log: log}
}

// Save upserts the credential row for a user. An empty refreshToken keeps
// the previously stored one, so a re-consent that omits the refresh token
// does not clobber it.
func (s *Store) Save(ctx context.Context, userID, emailAddress, refreshToken, accessToken string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gmail_tokens (user_id, email_address, refresh_token, access_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email_address = excluded.email_address,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE gmail_tokens.refresh_token END,
			access_token = excluded.access_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, userID, emailAddress, refreshToken, accessToken, expiry.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Invalidate removes the credential for a user.
func (s *Store) Invalidate(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gmail_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to invalidate credential: %w", err)
	}
	return nil
}

// UserByEmail resolves the owner of a mailbox address. Webhook payloads
// identify the mailbox, not our user id.
func (s *Store) UserByEmail(ctx context.Context, emailAddress string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM gmail_tokens WHERE email_address = ?
	`, emailAddress).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return userID, nil
}

// Valid returns a credential whose access token is good for at least the
// expiry margin, refreshing it first if needed. Concurrent callers for the
// same user share one refresh exchange.
func (s *Store) Valid(ctx context.Context, userID string) (*Credential, error) {
	row, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	if row.accessToken != "" && time.Until(row.expiry) > expiryMargin {
		return row.credential(), nil
	}

	v, err, _ := s.group.Do(userID, func() (any, error) {
		// Re-read inside the flight: a caller that waited on another
		// flight sees the token that flight just persisted.
		row, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		if row.accessToken != "" && time.Until(row.expiry) > expiryMargin {
			return row.credential(), nil
		}
		return s.refresh(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

type tokenRow struct {
	userID       string
	emailAddress string
	refreshToken string
	accessToken  string
	expiry       time.Time
}

func (r *tokenRow) credential() *Credential {
	return &Credential{
		UserID:       r.userID,
		EmailAddress: r.emailAddress,
		AccessToken:  r.accessToken,
		Expiry:       r.expiry,
	}
}

func (s *Store) load(ctx context.Context, userID string) (*tokenRow, error) {
	row := &tokenRow{userID: userID}
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT email_address, refresh_token, access_token, expires_at
		FROM gmail_tokens WHERE user_id = ?
	`, userID).Scan(&row.emailAddress, &row.refreshToken, &row.accessToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if row.refreshToken == "" {
		return nil, ErrNotConnected
	}
	row.expiry = expiry.Time
	return row, nil
}

// refresh performs the refresh-token exchange and persists the result.
// A failed exchange means the grant was revoked: the credential is dropped
// and the caller gets ErrNotConnected instead of an endless retry loop.
func (s *Store) refresh(ctx context.Context, row *tokenRow) (*Credential, error) {
	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: row.refreshToken})
	tok, err := src.Token()
	if err != nil {
		s.log.WithFields(logrus.Fields{"user_id": row.userID}).
			WithError(err).Warn("gmail token refresh failed, invalidating credential")
		if derr := s.Invalidate(ctx, row.userID); derr != nil {
			s.log.WithError(derr).Error("failed to invalidate credential")
		}
		return nil, fmt.Errorf("%w: refresh exchange failed", ErrNotConnected)
	}

	refreshToken := row.refreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	if err := s.Save(ctx, row.userID, row.emailAddress, refreshToken, tok.AccessToken, tok.Expiry); err != nil {
		return nil, err
	}

	return &Credential{
		UserID:       row.userID,
		EmailAddress: row.emailAddress,
		AccessToken:  tok.AccessToken,
		Expiry:       tok.Expiry,
	}, nil
}
