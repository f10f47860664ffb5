// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
	"knowledgetree/pkg/crypto"
	"knowledgetree/pkg/logger"
)

// OAuthAdapter implements out.OAuthRepository using PostgreSQL, storing
// Gmail refresh/access tokens encrypted at rest.
type OAuthAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
}

// NewOAuthAdapter creates a new OAuthAdapter.
func NewOAuthAdapter(db *sqlx.DB) *OAuthAdapter {
	err := crypto.Init()
	encryptionEnabled := err == nil
	if !encryptionEnabled {
		logger.Warn("Token encryption disabled: %v", err)
	} else {
		logger.Info("Token encryption enabled")
	}
	return &OAuthAdapter{db: db, encryptionEnabled: encryptionEnabled}
}

var _ out.OAuthRepository = (*OAuthAdapter)(nil)

func (a *OAuthAdapter) encryptToken(token string) string {
	if !a.encryptionEnabled || token == "" {
		return token
	}
	encrypted, err := crypto.EncryptToken(token)
	if err != nil {
		logger.Warn("Failed to encrypt token: %v", err)
		return token
	}
	return encrypted
}

func (a *OAuthAdapter) decryptToken(token string) string {
	if token == "" || !crypto.IsEncrypted(token) {
		return token
	}
	decrypted, err := crypto.DecryptToken(token)
	if err != nil {
		return token
	}
	return decrypted
}

type oauthRow struct {
	ID           int64     `db:"id"`
	AccountID    uuid.UUID `db:"account_id"`
	Email        string    `db:"email"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	IsConnected  bool      `db:"is_connected"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r oauthRow) toDomain() *domain.OAuthConnection {
	return &domain.OAuthConnection{
		ID:           r.ID,
		AccountID:    r.AccountID,
		Email:        r.Email,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		IsConnected:  r.IsConnected,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// GetByAccount returns the Gmail connection for accountID, or nil if none exists.
func (a *OAuthAdapter) GetByAccount(ctx context.Context, accountID uuid.UUID) (*domain.OAuthConnection, error) {
	var row oauthRow
	query := `
		SELECT id, account_id, email, access_token, refresh_token, expires_at, is_connected, created_at, updated_at
		FROM oauth_connections
		WHERE account_id = $1 AND is_connected = true
		ORDER BY created_at DESC
		LIMIT 1`
	if err := a.db.GetContext(ctx, &row, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	conn := row.toDomain()
	conn.AccessToken = a.decryptToken(conn.AccessToken)
	conn.RefreshToken = a.decryptToken(conn.RefreshToken)
	return conn, nil
}

// Create persists a new Gmail connection, encrypting its tokens.
func (a *OAuthAdapter) Create(ctx context.Context, conn *domain.OAuthConnection) error {
	query := `
		INSERT INTO oauth_connections (account_id, email, access_token, refresh_token, expires_at, is_connected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	now := time.Now().UTC()
	return a.db.QueryRowContext(ctx, query,
		conn.AccountID, conn.Email,
		a.encryptToken(conn.AccessToken), a.encryptToken(conn.RefreshToken),
		conn.ExpiresAt, conn.IsConnected, now, now,
	).Scan(&conn.ID)
}

// Update rewrites a connection's token material, e.g. after a refresh.
func (a *OAuthAdapter) Update(ctx context.Context, conn *domain.OAuthConnection) error {
	query := `
		UPDATE oauth_connections
		SET access_token = $1, refresh_token = $2, expires_at = $3, is_connected = $4, updated_at = $5
		WHERE id = $6`
	_, err := a.db.ExecContext(ctx, query,
		a.encryptToken(conn.AccessToken), a.encryptToken(conn.RefreshToken),
		conn.ExpiresAt, conn.IsConnected, time.Now().UTC(), conn.ID,
	)
	return err
}

// Delete removes a connection outright (revoke).
func (a *OAuthAdapter) Delete(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM oauth_connections WHERE id = $1`, id)
	return err
}

// ListConnected returns the most recent connected row per account.
func (a *OAuthAdapter) ListConnected(ctx context.Context) ([]domain.OAuthConnection, error) {
	var rows []oauthRow
	query := `
		SELECT DISTINCT ON (account_id) id, account_id, email, access_token, refresh_token, expires_at, is_connected, created_at, updated_at
		FROM oauth_connections
		WHERE is_connected = true
		ORDER BY account_id, created_at DESC`
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	conns := make([]domain.OAuthConnection, len(rows))
	for i, r := range rows {
		conns[i] = *r.toDomain()
	}
	return conns, nil
}
