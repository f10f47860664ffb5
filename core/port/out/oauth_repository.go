package out

import (
	"context"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

// OAuthRepository persists the Gmail token material backing MailSource.
// The core never runs the OAuth flow itself; connections are seeded
// out of band and only read and refreshed here.
type OAuthRepository interface {
	GetByAccount(ctx context.Context, accountID uuid.UUID) (*domain.OAuthConnection, error)
	Create(ctx context.Context, conn *domain.OAuthConnection) error
	Update(ctx context.Context, conn *domain.OAuthConnection) error
	Delete(ctx context.Context, id int64) error

	// ListConnected returns every account with a live Gmail connection,
	// the set the worker's scheduler sweeps each tick.
	ListConnected(ctx context.Context) ([]domain.OAuthConnection, error)
}
