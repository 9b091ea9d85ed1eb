package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
)

// ══════════════════════════════════════════════════════════════════════════════
// CREDENTIAL STORE
// ══════════════════════════════════════════════════════════════════════════════

// CredentialStore persists the rotating portal credentials. The portal
// replaces the token on every login, so the store is written after every
// successful token cycle; losing the latest token locks the account out.
type CredentialStore struct {
	conn   *Connection
	sealer *Sealer
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(conn *Connection, sealer *Sealer) *CredentialStore {
	return &CredentialStore{conn: conn, sealer: sealer}
}

// Save upserts the credentials for a child, sealing the token first.
func (s *CredentialStore) Save(ctx context.Context, childSlug string, creds portal.Credentials) error {
	sealed, err := s.sealer.Seal([]byte(creds.Password))
	if err != nil {
		return err
	}

	_, err = s.conn.Pool().Exec(ctx, `
		INSERT INTO portal_credentials
			(child_slug, url, username, sealed_secret, uuid, client_identifier, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (child_slug) DO UPDATE SET
			url               = EXCLUDED.url,
			username          = EXCLUDED.username,
			sealed_secret     = EXCLUDED.sealed_secret,
			uuid              = EXCLUDED.uuid,
			client_identifier = EXCLUDED.client_identifier,
			rotated_at        = EXCLUDED.rotated_at`,
		childSlug, creds.URL, creds.Username, sealed,
		creds.UUID, creds.ClientIdentifier, time.Now())
	if err != nil {
		return fmt.Errorf("postgres: save credentials for %s: %w", childSlug, err)
	}
	return nil
}

// Load returns the stored credentials for a child with the token unsealed.
// Returns ErrNoRows when the child was never provisioned.
func (s *CredentialStore) Load(ctx context.Context, childSlug string) (*portal.Credentials, error) {
	var creds portal.Credentials
	var sealed []byte

	row := s.conn.Pool().QueryRow(ctx, `
		SELECT url, username, sealed_secret, uuid, client_identifier
		FROM portal_credentials
		WHERE child_slug = $1`,
		childSlug)
	if err := row.Scan(&creds.URL, &creds.Username, &sealed, &creds.UUID, &creds.ClientIdentifier); err != nil {
		if IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: load credentials for %s: %w", childSlug, err)
	}

	secret, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, err
	}
	creds.Password = string(secret)
	return &creds, nil
}

// Delete removes the stored credentials for a child.
func (s *CredentialStore) Delete(ctx context.Context, childSlug string) error {
	_, err := s.conn.Pool().Exec(ctx,
		`DELETE FROM portal_credentials WHERE child_slug = $1`, childSlug)
	if err != nil {
		return fmt.Errorf("postgres: delete credentials for %s: %w", childSlug, err)
	}
	return nil
}

// RotatedAt returns when the stored token was last rotated.
func (s *CredentialStore) RotatedAt(ctx context.Context, childSlug string) (time.Time, error) {
	var rotatedAt time.Time
	row := s.conn.Pool().QueryRow(ctx,
		`SELECT rotated_at FROM portal_credentials WHERE child_slug = $1`, childSlug)
	if err := row.Scan(&rotatedAt); err != nil {
		return time.Time{}, err
	}
	return rotatedAt, nil
}
