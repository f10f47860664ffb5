package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
)

// MailSource is the Gmail/OAuth collaborator: it delivers raw
// messages on request. Paging is caller-invisible; implementations
// drain pages internally and stream results through the channel.
type MailSource interface {
	// ListSent streams every message the account sent since the given
	// time, used by the Trusted-Contact Extractor.
	ListSent(ctx context.Context, accountID uuid.UUID, since time.Time) (<-chan domain.Message, <-chan error)

	// ListWith streams every message exchanged with one address since
	// the given time (both directions), used by the Message Ingester.
	ListWith(ctx context.Context, accountID uuid.UUID, address string, since time.Time) (<-chan domain.Message, <-chan error)
}
