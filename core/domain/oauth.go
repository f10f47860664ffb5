package domain

import (
	"time"

	"github.com/google/uuid"
)

// OAuthConnection backs the Gmail Mail Source collaborator: it is the
// token material the adapter needs to call the Gmail API on the core's
// behalf. The core never performs the OAuth dance itself; it only
// reads and refreshes what's stored here.
type OAuthConnection struct {
	ID           int64     `json:"id"`
	AccountID    uuid.UUID `json:"account_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsConnected  bool      `json:"is_connected"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
